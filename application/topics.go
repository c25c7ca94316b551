package application

import (
	"fmt"
	"strings"
)

const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// Topics builds the broker topics of one device. Every topic lives under
// <topic_prefix>/<device_id>.
//
//	topics := NewTopics(cfg)
//	topics.Command() // valves/valve-kitchen/cmd
type Topics struct {
	base string
}

func NewTopics(cfg DeviceConfig) Topics {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		return Topics{base: cfg.DeviceID}
	}
	return Topics{base: fmt.Sprintf("%s/%s", prefix, cfg.DeviceID)}
}

func (t Topics) Base() string { return t.base }

// Command is the inbound command topic.
func (t Topics) Command() string { return t.base + "/cmd" }

// Status carries DeviceStatus snapshots.
func (t Topics) Status() string { return t.base + "/status" }

// Ack carries acknowledgements of inbound commands.
func (t Topics) Ack() string { return t.base + "/ack" }

// Update carries firmware update results.
func (t Topics) Update() string { return t.base + "/update" }

// Availability is retained online/offline; offline doubles as the will message.
func (t Topics) Availability() string { return t.base + "/availability" }

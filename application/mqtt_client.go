package application

import (
	"context"
	"time"
)

type MQTTStatus struct {
	MessageCount      uint64
	LastTimePublished time.Time
	Connected         bool
}

type MQTTMessage interface {
	Topic() string
	Payload() []byte
}

// BrokerEndpoint describes one broker session: where to connect, as whom, and
// the will message the broker publishes if the session dies uncleanly.
type BrokerEndpoint struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string
	Username string
	Password string

	WillTopic   string
	WillPayload string
}

func BrokerEndpointFor(cfg DeviceConfig) BrokerEndpoint {
	return BrokerEndpoint{
		Host:        cfg.BrokerHost,
		Port:        cfg.BrokerPort,
		TLS:         cfg.BrokerTLS,
		ClientID:    cfg.DeviceID,
		Username:    cfg.BrokerUsername,
		Password:    cfg.BrokerPassword,
		WillTopic:   NewTopics(cfg).Availability(),
		WillPayload: AvailabilityOffline,
	}
}

type MQTTClient interface {
	// Connect opens a new session. onLost is called at most once, when an
	// established session drops.
	Connect(ctx context.Context, endpoint BrokerEndpoint, onLost func(err error)) error
	Disconnect()
	Subscribe(topic string, qos byte, handler func(msg MQTTMessage)) error
	Publish(topic string, qos byte, retained bool, msg any) error

	IsConnected() bool
	Status() MQTTStatus
}

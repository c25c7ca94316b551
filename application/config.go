package application

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const (
	DefaultWifiSSID    = "valve-setup"
	DefaultBrokerHost  = "192.168.4.1"
	DefaultBrokerPort  = 1883
	DefaultTopicPrefix = "valves"
	DefaultDeviceID    = "valve-controller"
)

type DeviceConfig struct {
	WifiSSID       string `json:"wifi_ssid"`
	WifiPassword   string `json:"wifi_password"`
	BrokerHost     string `json:"broker_host"`
	BrokerPort     int    `json:"broker_port"`
	BrokerUsername string `json:"broker_username,omitempty"`
	BrokerPassword string `json:"broker_password,omitempty"`
	BrokerTLS      bool   `json:"broker_tls,omitempty"`
	DeviceID       string `json:"device_id"`
	TopicPrefix    string `json:"topic_prefix"`
}

// ConfigStore persists the device config record. Load returns ErrConfigNotFound
// when nothing was saved yet.
type ConfigStore interface {
	Load() (DeviceConfig, error)
	Save(cfg DeviceConfig) error
}

// DefaultDeviceConfig returns the built-in config used when the persisted
// record is absent or unusable. deviceID falls back to DefaultDeviceID.
func DefaultDeviceConfig(deviceID string) DeviceConfig {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = DefaultDeviceID
	}
	return DeviceConfig{
		WifiSSID:    DefaultWifiSSID,
		BrokerHost:  DefaultBrokerHost,
		BrokerPort:  DefaultBrokerPort,
		DeviceID:    deviceID,
		TopicPrefix: DefaultTopicPrefix,
	}
}

func (c DeviceConfig) Validate() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("%w: device_id is empty", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.DeviceID, "/+#") {
		return fmt.Errorf("%w: device_id %q contains topic separators", ErrInvalidConfig, c.DeviceID)
	}
	if strings.ContainsAny(c.TopicPrefix, "+#") {
		return fmt.Errorf("%w: topic_prefix %q contains wildcards", ErrInvalidConfig, c.TopicPrefix)
	}
	if strings.TrimSpace(c.BrokerHost) == "" {
		return fmt.Errorf("%w: broker_host is empty", ErrInvalidConfig)
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		return fmt.Errorf("%w: broker_port %d out of range", ErrInvalidConfig, c.BrokerPort)
	}
	return nil
}

// Redacted returns a copy safe for logs and status payloads.
func (c DeviceConfig) Redacted() DeviceConfig {
	if c.WifiPassword != "" {
		c.WifiPassword = "***"
	}
	if c.BrokerPassword != "" {
		c.BrokerPassword = "***"
	}
	return c
}

// ConfigPatch is a partial DeviceConfig; nil fields are left untouched.
type ConfigPatch struct {
	WifiSSID       *string
	WifiPassword   *string
	BrokerHost     *string
	BrokerPort     *int
	BrokerUsername *string
	BrokerPassword *string
	BrokerTLS      *bool
	DeviceID       *string
	TopicPrefix    *string
}

func (p ConfigPatch) IsEmpty() bool {
	return p == ConfigPatch{}
}

func (p ConfigPatch) Apply(c DeviceConfig) DeviceConfig {
	if p.WifiSSID != nil {
		c.WifiSSID = *p.WifiSSID
	}
	if p.WifiPassword != nil {
		c.WifiPassword = *p.WifiPassword
	}
	if p.BrokerHost != nil {
		c.BrokerHost = *p.BrokerHost
	}
	if p.BrokerPort != nil {
		c.BrokerPort = *p.BrokerPort
	}
	if p.BrokerUsername != nil {
		c.BrokerUsername = *p.BrokerUsername
	}
	if p.BrokerPassword != nil {
		c.BrokerPassword = *p.BrokerPassword
	}
	if p.BrokerTLS != nil {
		c.BrokerTLS = *p.BrokerTLS
	}
	if p.DeviceID != nil {
		c.DeviceID = *p.DeviceID
	}
	if p.TopicPrefix != nil {
		c.TopicPrefix = *p.TopicPrefix
	}
	return c
}

type ReconnectScope int

const (
	ReconnectNone ReconnectScope = iota
	ReconnectBroker
	ReconnectWifi
)

func (s ReconnectScope) String() string {
	switch s {
	case ReconnectBroker:
		return "broker"
	case ReconnectWifi:
		return "wifi"
	default:
		return "none"
	}
}

// ReconnectScopeFor reports how much of the connectivity stack has to be
// re-established for next to take effect.
func ReconnectScopeFor(prev, next DeviceConfig) ReconnectScope {
	if prev.WifiSSID != next.WifiSSID || prev.WifiPassword != next.WifiPassword {
		return ReconnectWifi
	}
	if prev.BrokerHost != next.BrokerHost ||
		prev.BrokerPort != next.BrokerPort ||
		prev.BrokerUsername != next.BrokerUsername ||
		prev.BrokerPassword != next.BrokerPassword ||
		prev.BrokerTLS != next.BrokerTLS ||
		prev.DeviceID != next.DeviceID ||
		prev.TopicPrefix != next.TopicPrefix {
		return ReconnectBroker
	}
	return ReconnectNone
}

// LoadDeviceConfig never fails: a missing, corrupted or invalid record falls
// back to defaults so the device still boots and becomes reachable.
func LoadDeviceConfig(store ConfigStore, defaults DeviceConfig, log zerolog.Logger) DeviceConfig {
	cfg, err := store.Load()
	switch {
	case errors.Is(err, ErrConfigNotFound):
		log.Info().Msg("no persisted config, using defaults")
		return defaults
	case err != nil:
		log.Warn().Err(err).Msg("persisted config unreadable, using defaults")
		return defaults
	}

	if err := cfg.Validate(); err != nil {
		log.Warn().Err(err).Msg("persisted config invalid, using defaults")
		return defaults
	}
	return cfg
}

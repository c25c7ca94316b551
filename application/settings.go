package application

import (
	"fmt"
	"time"
)

// Settings holds the tuning knobs of the control core. They are read from the
// settings file at boot and never changed remotely.
type Settings struct {
	Wifi     RetrySettings    `yaml:"wifi"`
	Broker   BrokerSettings   `yaml:"broker"`
	Protocol ProtocolSettings `yaml:"protocol"`
	Safety   SafetySettings   `yaml:"safety"`
	Update   UpdateSettings   `yaml:"update"`
	Clock    ClockSettings    `yaml:"clock"`
}

type RetrySettings struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

type BrokerSettings struct {
	RetrySettings `yaml:",inline"`
	KeepAlive     time.Duration `yaml:"keep_alive"`
	QoS           byte          `yaml:"qos"`
}

type ProtocolSettings struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
	InboxSize         int           `yaml:"inbox_size"`
}

type SafetySettings struct {
	OfflineTimeout    time.Duration `yaml:"offline_timeout"`
	ActuationTimeout  time.Duration `yaml:"actuation_timeout"`
	FaultPollInterval time.Duration `yaml:"fault_poll_interval"`
	FaultInput        *uint16       `yaml:"fault_input"`
}

type UpdateSettings struct {
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	ApplyTimeout    time.Duration `yaml:"apply_timeout"`
	RequireChecksum bool          `yaml:"require_checksum"`
	MaxImageSize    int64         `yaml:"max_image_size"`
	MaxUnpackedSize int64         `yaml:"max_unpacked_size"`
}

type ClockSettings struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

func DefaultSettings() Settings {
	return Settings{
		Wifi: RetrySettings{
			InitialInterval: time.Second,
			MaxInterval:     2 * time.Minute,
			Multiplier:      2,
			Jitter:          0.2,
			ConnectTimeout:  30 * time.Second,
		},
		Broker: BrokerSettings{
			RetrySettings: RetrySettings{
				InitialInterval: 2 * time.Second,
				MaxInterval:     time.Minute,
				Multiplier:      2,
				Jitter:          0.2,
				ConnectTimeout:  15 * time.Second,
			},
			KeepAlive: 30 * time.Second,
			QoS:       1,
		},
		Protocol: ProtocolSettings{
			HeartbeatInterval: time.Minute,
			AckTimeout:        30 * time.Second,
			InboxSize:         64,
		},
		Safety: SafetySettings{
			ActuationTimeout:  5 * time.Second,
			FaultPollInterval: time.Second,
		},
		Update: UpdateSettings{
			DownloadTimeout: 10 * time.Minute,
			ApplyTimeout:    2 * time.Minute,
			MaxImageSize:    64 << 20,
			MaxUnpackedSize: 256 << 20,
		},
		Clock: ClockSettings{
			SyncInterval: time.Hour,
			QueryTimeout: 5 * time.Second,
		},
	}
}

func (s Settings) Validate() error {
	for name, r := range map[string]RetrySettings{"wifi": s.Wifi, "broker": s.Broker.RetrySettings} {
		if r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval {
			return fmt.Errorf("settings: %s retry intervals invalid (initial=%s max=%s)", name, r.InitialInterval, r.MaxInterval)
		}
		if r.Multiplier < 1 {
			return fmt.Errorf("settings: %s multiplier must be >= 1", name)
		}
		if r.Jitter < 0 || r.Jitter >= 1 {
			return fmt.Errorf("settings: %s jitter must be in [0,1)", name)
		}
		if r.ConnectTimeout <= 0 {
			return fmt.Errorf("settings: %s connect_timeout must be positive", name)
		}
	}
	if s.Broker.QoS > 2 {
		return fmt.Errorf("settings: broker qos %d invalid", s.Broker.QoS)
	}
	if s.Protocol.HeartbeatInterval <= 0 {
		return fmt.Errorf("settings: heartbeat_interval must be positive")
	}
	if s.Protocol.InboxSize <= 0 {
		return fmt.Errorf("settings: inbox_size must be positive")
	}
	if s.Safety.FaultInput != nil && s.Safety.FaultPollInterval <= 0 {
		return fmt.Errorf("settings: fault_poll_interval must be positive")
	}
	if s.Update.DownloadTimeout <= 0 || s.Update.ApplyTimeout <= 0 {
		return fmt.Errorf("settings: update timeouts must be positive")
	}
	if s.Update.MaxImageSize < 0 || s.Update.MaxUnpackedSize < 0 {
		return fmt.Errorf("settings: update size limits must not be negative")
	}
	return nil
}

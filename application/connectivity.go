package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	WifiConnecting
	WifiConnected
	BrokerConnecting
	BrokerConnected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case WifiConnecting:
		return "wifi_connecting"
	case WifiConnected:
		return "wifi_connected"
	case BrokerConnecting:
		return "broker_connecting"
	case BrokerConnected:
		return "broker_connected"
	default:
		return "unknown"
	}
}

type NetworkEventKind int

const (
	EventStart NetworkEventKind = iota + 1
	EventWifiGotAddress
	EventWifiConnectFailed
	EventWifiLost
	EventRetryWifi
	EventBrokerConnected
	EventBrokerDisconnected
	EventRetryBroker
	// EventReassociate drops everything and associates again, e.g. after the
	// WiFi credentials changed.
	EventReassociate
	// EventReconnectBroker replaces the broker session, e.g. after the broker
	// address or device identity changed.
	EventReconnectBroker
)

func (k NetworkEventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventWifiGotAddress:
		return "wifi_got_address"
	case EventWifiConnectFailed:
		return "wifi_connect_failed"
	case EventWifiLost:
		return "wifi_lost"
	case EventRetryWifi:
		return "retry_wifi"
	case EventBrokerConnected:
		return "broker_connected"
	case EventBrokerDisconnected:
		return "broker_disconnected"
	case EventRetryBroker:
		return "retry_broker"
	case EventReassociate:
		return "reassociate"
	case EventReconnectBroker:
		return "reconnect_broker"
	default:
		return "unknown"
	}
}

type DisconnectReason int

const (
	ReasonUnknown DisconnectReason = iota
	ReasonTimeout
	ReasonRefused
	ReasonNotAuthorized
	ReasonTLS
	ReasonConnectionLost
	ReasonSubscribeFailed
	ReasonCancelled
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonRefused:
		return "refused"
	case ReasonNotAuthorized:
		return "not_authorized"
	case ReasonTLS:
		return "tls"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonSubscribeFailed:
		return "subscribe_failed"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// NetworkEvent is one input of the supervisor's transition function. Attempt
// ties completions of asynchronous connects to the attempt that started them.
type NetworkEvent struct {
	Kind    NetworkEventKind
	Attempt uint64
	Reason  DisconnectReason
	Err     error
}

// Effects is what the caller has to carry out after a transition.
type Effects struct {
	ConnectWifi      bool
	WifiAttempt      uint64
	ConnectBroker    bool
	BrokerAttempt    uint64
	DropBroker       bool
	Activate         bool
	CancelRetries    bool
	RetryWifiAfter   time.Duration
	RetryBrokerAfter time.Duration
}

type SupervisorParams struct {
	Wifi   RetrySettings
	Broker RetrySettings

	// OnTransition observes every state change, in order.
	OnTransition func(from, to ConnectionState)

	Log zerolog.Logger
}

// Supervisor owns ConnectionState. Handle is a pure transition function: it
// performs no I/O and only returns the effects to execute.
type Supervisor struct {
	params SupervisorParams

	state         ConnectionState
	wifiAttempt   uint64
	brokerAttempt uint64
	lastReason    DisconnectReason

	wifiBackoff   *Backoff
	brokerBackoff *Backoff

	log zerolog.Logger
}

func NewSupervisor(params SupervisorParams) *Supervisor {
	return &Supervisor{
		params:        params,
		state:         Disconnected,
		wifiBackoff:   NewBackoff(params.Wifi),
		brokerBackoff: NewBackoff(params.Broker),
		log:           params.Log,
	}
}

func (s *Supervisor) State() ConnectionState { return s.state }

func (s *Supervisor) LastReason() DisconnectReason { return s.lastReason }

func (s *Supervisor) Handle(ev NetworkEvent) Effects {
	var fx Effects

	switch ev.Kind {
	case EventStart, EventRetryWifi:
		if s.state != Disconnected {
			return fx
		}
		s.associate(&fx)

	case EventWifiGotAddress:
		if s.state != Disconnected && s.state != WifiConnecting {
			return fx
		}
		if ev.Attempt != 0 && ev.Attempt != s.wifiAttempt {
			return fx
		}
		s.wifiBackoff.Reset()
		s.setState(WifiConnected)
		s.connectBroker(&fx)

	case EventWifiConnectFailed:
		if s.state != WifiConnecting || ev.Attempt != s.wifiAttempt {
			return fx
		}
		s.setState(Disconnected)
		fx.RetryWifiAfter = s.wifiBackoff.Next()
		s.log.Warn().Err(ev.Err).Dur("retry_in", fx.RetryWifiAfter).Msg("wifi association failed")

	case EventWifiLost:
		if s.state == Disconnected {
			return fx
		}
		fx.DropBroker = s.state == BrokerConnecting || s.state == BrokerConnected
		s.brokerAttempt++
		s.wifiAttempt++
		s.setState(Disconnected)
		fx.CancelRetries = true
		fx.RetryWifiAfter = s.wifiBackoff.Next()

	case EventBrokerConnected:
		if ev.Attempt != s.brokerAttempt || s.state != BrokerConnecting {
			// a connect that completed after it was superseded
			fx.DropBroker = s.state == Disconnected || s.state == WifiConnected
			return fx
		}
		s.brokerBackoff.Reset()
		s.setState(BrokerConnected)
		fx.Activate = true

	case EventBrokerDisconnected:
		if ev.Attempt != s.brokerAttempt {
			return fx
		}
		if s.state != BrokerConnecting && s.state != BrokerConnected {
			return fx
		}
		s.lastReason = ev.Reason
		fx.DropBroker = true
		s.setState(WifiConnected)
		fx.RetryBrokerAfter = s.brokerBackoff.Next()
		s.log.Warn().Err(ev.Err).
			Str("reason", ev.Reason.String()).
			Dur("retry_in", fx.RetryBrokerAfter).
			Msg("broker disconnected")

	case EventRetryBroker:
		if s.state != WifiConnected {
			return fx
		}
		s.connectBroker(&fx)

	case EventReassociate:
		fx.DropBroker = s.state == BrokerConnecting || s.state == BrokerConnected
		fx.CancelRetries = true
		s.brokerAttempt++
		s.wifiBackoff.Reset()
		s.brokerBackoff.Reset()
		s.setState(Disconnected)
		s.associate(&fx)

	case EventReconnectBroker:
		fx.CancelRetries = true
		s.brokerBackoff.Reset()
		switch s.state {
		case BrokerConnecting, BrokerConnected:
			fx.DropBroker = true
			s.setState(WifiConnected)
			s.connectBroker(&fx)
		case WifiConnected:
			s.connectBroker(&fx)
		}
	}

	return fx
}

func (s *Supervisor) associate(fx *Effects) {
	s.wifiAttempt++
	s.setState(WifiConnecting)
	fx.ConnectWifi = true
	fx.WifiAttempt = s.wifiAttempt
}

func (s *Supervisor) connectBroker(fx *Effects) {
	s.brokerAttempt++
	s.setState(BrokerConnecting)
	fx.ConnectBroker = true
	fx.BrokerAttempt = s.brokerAttempt
}

func (s *Supervisor) setState(next ConnectionState) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.log.Info().Str("from", prev.String()).Str("to", next.String()).Msg("connection state")
	if s.params.OnTransition != nil {
		s.params.OnTransition(prev, next)
	}
}

// ConnectError attributes a broker connect or session failure to a reason.
type ConnectError struct {
	Reason DisconnectReason
	Err    error
}

func (e *ConnectError) Error() string {
	return "broker " + e.Reason.String() + ": " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReasonOf extracts the disconnect reason recorded for diagnostics.
func ReasonOf(err error) DisconnectReason {
	var cerr *ConnectError
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.As(err, &cerr):
		return cerr.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	default:
		return ReasonUnknown
	}
}

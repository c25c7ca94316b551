package adapters

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"valve-controller/application"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/rs/zerolog"
)

const (
	MQTTDefaultConnectTimeout   = 30 * time.Second
	MQTTDefaultPublishTimeout   = 5 * time.Second
	MQTTDefaultSubscribeTimeout = 5 * time.Second
	MQTTDefaultKeepAlive        = 30 * time.Second

	mqttDisconnectQuiesce = 250
)

var (
	ErrMQTTNotConnected     = fmt.Errorf("not connected")
	ErrMQTTConnectTimeout   = fmt.Errorf("connect timeout")
	ErrMQTTPublishTimeout   = fmt.Errorf("publish timeout")
	ErrMQTTSubscribeTimeout = fmt.Errorf("subscribe timeout")
	ErrMQTTSuperseded       = fmt.Errorf("session superseded")
)

type MQTTClientParams struct {
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	PublishTimeout   time.Duration
	SubscribeTimeout time.Duration
	WillQoS          byte

	// TLSConfig is used for endpoints with TLS set. Nil means system roots.
	TLSConfig *tls.Config

	NewClientFunc func(options *mqtt.ClientOptions) mqtt.Client

	Log zerolog.Logger
}

func (m *MQTTClientParams) EnsureDefaults() {
	if m.KeepAlive == 0 {
		m.KeepAlive = MQTTDefaultKeepAlive
	}

	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = MQTTDefaultConnectTimeout
	}

	if m.PublishTimeout == 0 {
		m.PublishTimeout = MQTTDefaultPublishTimeout
	}

	if m.SubscribeTimeout == 0 {
		m.SubscribeTimeout = MQTTDefaultSubscribeTimeout
	}

	if m.NewClientFunc == nil {
		m.NewClientFunc = mqtt.NewClient
	}
}

// MQTTClient owns at most one broker session at a time. Every Connect builds
// a fresh paho client, so a late callback from a replaced session can be told
// apart by its session number and is ignored.
type MQTTClient struct {
	params MQTTClientParams

	mu      sync.RWMutex
	client  mqtt.Client
	session uint64

	connected          atomic.Bool
	msgCount           atomic.Uint64
	msgCountUpdateTime atomic.Pointer[time.Time]

	log zerolog.Logger
}

func NewMQTTClient(params MQTTClientParams) *MQTTClient {
	params.EnsureDefaults()

	m := &MQTTClient{params: params, log: params.Log}

	t := time.Unix(0, 0)
	m.msgCountUpdateTime.Store(&t)

	return m
}

func (m *MQTTClient) Connect(ctx context.Context, endpoint application.BrokerEndpoint, onLost func(err error)) error {
	m.mu.Lock()
	if m.client != nil && m.connected.Load() {
		m.client.Disconnect(mqttDisconnectQuiesce)
	}
	m.connected.Store(false)
	m.session++
	session := m.session
	client := m.newMqttClient(endpoint, session, onLost)
	m.client = client
	m.mu.Unlock()

	tc := time.NewTimer(m.params.ConnectTimeout)
	defer tc.Stop()

	token := client.Connect()
	select {
	case <-ctx.Done():
		client.Disconnect(0)
		return &application.ConnectError{Reason: application.ReasonOf(ctx.Err()), Err: ctx.Err()}
	case <-tc.C:
		client.Disconnect(0)
		return &application.ConnectError{Reason: application.ReasonTimeout, Err: ErrMQTTConnectTimeout}
	case <-token.Done():
		if err := token.Error(); err != nil {
			return classifyConnectError(err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != session {
		client.Disconnect(0)
		return &application.ConnectError{Reason: application.ReasonCancelled, Err: ErrMQTTSuperseded}
	}
	m.connected.Store(true)
	return nil
}

func (m *MQTTClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.connected.Load() {
		m.client.Disconnect(mqttDisconnectQuiesce)
		m.log.Info().Msg("disconnected")
	}
	m.session++
	m.client = nil
	m.connected.Store(false)
}

func (m *MQTTClient) IsConnected() bool {
	return m.connected.Load()
}

func (m *MQTTClient) Status() application.MQTTStatus {
	return application.MQTTStatus{
		MessageCount:      m.msgCount.Load(),
		LastTimePublished: *m.msgCountUpdateTime.Load(),
		Connected:         m.IsConnected(),
	}
}

func (m *MQTTClient) Publish(topic string, qos byte, retained bool, msg any) error {
	client := m.current()
	if client == nil {
		return ErrMQTTNotConnected
	}

	tc := time.NewTimer(m.params.PublishTimeout)
	defer tc.Stop()

	token := client.Publish(topic, qos, retained, msg)
	select {
	case <-tc.C:
		return ErrMQTTPublishTimeout
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	}

	t := time.Now()
	m.msgCountUpdateTime.Store(&t)
	m.msgCount.Add(1)
	return nil
}

func (m *MQTTClient) Subscribe(topic string, qos byte, handler func(msg application.MQTTMessage)) error {
	client := m.current()
	if client == nil {
		return ErrMQTTNotConnected
	}

	tc := time.NewTimer(m.params.SubscribeTimeout)
	defer tc.Stop()

	token := client.Subscribe(topic, qos, func(client mqtt.Client, msg mqtt.Message) {
		handler(msg)
	})
	select {
	case <-tc.C:
		return ErrMQTTSubscribeTimeout
	case <-token.Done():
		if token.Error() != nil {
			return token.Error()
		}
	}
	return nil
}

func (m *MQTTClient) current() mqtt.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected.Load() {
		return nil
	}
	return m.client
}

func (m *MQTTClient) PublishHandler(client mqtt.Client, msg mqtt.Message) {
	m.log.Debug().Str("topic", msg.Topic()).Msg("unrouted message")
}

func (m *MQTTClient) OnConnect(client mqtt.Client) {
	m.log.Info().Msgf("connected")
}

func (m *MQTTClient) onConnectionLost(session uint64, onLost func(err error)) mqtt.ConnectionLostHandler {
	return func(client mqtt.Client, err error) {
		m.mu.Lock()
		current := m.session == session
		if current {
			m.connected.Store(false)
		}
		m.mu.Unlock()

		if !current {
			return
		}
		m.log.Info().Msgf("connect lost: %v", err)
		if onLost != nil {
			onLost(&application.ConnectError{Reason: application.ReasonConnectionLost, Err: err})
		}
	}
}

func (m *MQTTClient) newMqttClient(endpoint application.BrokerEndpoint, session uint64, onLost func(err error)) mqtt.Client {
	opts := mqtt.NewClientOptions()

	scheme := "tcp"
	if endpoint.TLS {
		scheme = "ssl"
		tlsConfig := m.params.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: endpoint.Host}
		}
		opts.SetTLSConfig(tlsConfig)
	}
	opts.AddBroker(fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(endpoint.Host, fmt.Sprint(endpoint.Port))))
	opts.SetClientID(endpoint.ClientID)
	opts.SetUsername(endpoint.Username)
	opts.SetPassword(endpoint.Password)

	// reconnection is driven by the device's supervisor
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetKeepAlive(m.params.KeepAlive)
	opts.SetConnectTimeout(m.params.ConnectTimeout)

	if endpoint.WillTopic != "" {
		opts.SetWill(endpoint.WillTopic, endpoint.WillPayload, m.params.WillQoS, true)
	}

	opts.SetDefaultPublishHandler(m.PublishHandler)
	opts.OnConnect = m.OnConnect
	opts.OnConnectionLost = m.onConnectionLost(session, onLost)

	return m.params.NewClientFunc(opts)
}

// classifyConnectError maps a failed connect to the reason the supervisor
// records.
func classifyConnectError(err error) error {
	return &application.ConnectError{Reason: connectReason(err), Err: err}
}

func connectReason(err error) application.DisconnectReason {
	var (
		unknownAuthority x509.UnknownAuthorityError
		certInvalid      x509.CertificateInvalidError
		hostname         x509.HostnameError
		recordHeader     tls.RecordHeaderError
		netErr           net.Error
	)

	switch {
	case errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword):
		return application.ReasonNotAuthorized
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedServerUnavailable),
		errors.Is(err, syscall.ECONNREFUSED):
		return application.ReasonRefused
	case errors.As(err, &unknownAuthority),
		errors.As(err, &certInvalid),
		errors.As(err, &hostname),
		errors.As(err, &recordHeader):
		return application.ReasonTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		return application.ReasonTimeout
	}

	// paho flattens some errors to text
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not authori"), strings.Contains(msg, "bad user name or password"):
		return application.ReasonNotAuthorized
	case strings.Contains(msg, "x509"), strings.Contains(msg, "tls:"):
		return application.ReasonTLS
	case strings.Contains(msg, "connection refused"):
		return application.ReasonRefused
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return application.ReasonTimeout
	}
	return application.ReasonUnknown
}

var _ application.MQTTClient = &MQTTClient{}

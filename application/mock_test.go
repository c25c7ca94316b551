package application

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockActuator struct {
	mock.Mock
}

func (m *MockActuator) SetValve(ctx context.Context, open bool) error {
	return m.Called(ctx, open).Error(0)
}

var _ Actuator = &MockActuator{}

type MockRestarter struct {
	mock.Mock
}

func (m *MockRestarter) Restart(reason string) error {
	return m.Called(reason).Error(0)
}

var _ Restarter = &MockRestarter{}

type MockInstaller struct {
	mock.Mock
}

func (m *MockInstaller) Install(ctx context.Context, stagedPath string) error {
	return m.Called(ctx, stagedPath).Error(0)
}

var _ FirmwareInstaller = &MockInstaller{}

// fakeFetcher serves images from memory.
type fakeFetcher struct {
	mu     sync.Mutex
	images map[string][]byte
	errs   map[string]error
	block  chan struct{}
	calls  int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, dst io.Writer) (int64, error) {
	f.mu.Lock()
	f.calls++
	data, ok := f.images[url]
	err := f.errs[url]
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("HTTP 404")
	}
	n, err := dst.Write(data)
	return int64(n), err
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeMQTT records publishes and lets tests deliver inbound messages.
type fakeMQTT struct {
	mu sync.Mutex

	connected bool
	endpoints []BrokerEndpoint
	onLost    func(error)
	handlers  map[string]func(MQTTMessage)
	published []published

	connectErr   error
	subscribeErr error
	publishErr   error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{handlers: map[string]func(MQTTMessage){}}
}

func (f *fakeMQTT) Connect(ctx context.Context, endpoint BrokerEndpoint, onLost func(err error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	f.onLost = onLost
	f.handlers = map[string]func(MQTTMessage){}
	return nil
}

func (f *fakeMQTT) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.handlers = map[string]func(MQTTMessage){}
}

func (f *fakeMQTT) Subscribe(topic string, qos byte, handler func(msg MQTTMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{topic: topic, qos: qos, retained: retained, payload: msg.([]byte)})
	return nil
}

func (f *fakeMQTT) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMQTT) Status() MQTTStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return MQTTStatus{MessageCount: uint64(len(f.published)), Connected: f.connected}
}

func (f *fakeMQTT) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

// drop simulates the broker closing an established session.
func (f *fakeMQTT) drop(err error) {
	f.mu.Lock()
	onLost := f.onLost
	f.connected = false
	f.mu.Unlock()
	if onLost != nil {
		onLost(err)
	}
}

func (f *fakeMQTT) deliver(topic, payload string) bool {
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	h(&testMessage{topic: topic, payload: []byte(payload)})
	return true
}

func (f *fakeMQTT) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

func (f *fakeMQTT) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

func (f *fakeMQTT) lastEndpoint() BrokerEndpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endpoints[len(f.endpoints)-1]
}

func (f *fakeMQTT) on(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeMQTT) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = nil
}

func (f *fakeMQTT) statuses(t *testing.T, topic string) []statusMessage {
	var out []statusMessage
	for _, p := range f.on(topic) {
		var msg statusMessage
		require.NoError(t, json.Unmarshal(p.payload, &msg))
		out = append(out, msg)
	}
	return out
}

func (f *fakeMQTT) acks(t *testing.T, topic string) []CommandResult {
	var out []CommandResult
	for _, p := range f.on(topic) {
		var res CommandResult
		require.NoError(t, json.Unmarshal(p.payload, &res))
		out = append(out, res)
	}
	return out
}

var _ MQTTClient = &fakeMQTT{}

type testMessage struct {
	topic   string
	payload []byte
}

func (m *testMessage) Topic() string   { return m.topic }
func (m *testMessage) Payload() []byte { return m.payload }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeDevice implements DeviceControl for protocol tests.
type fakeDevice struct {
	cfg        DeviceConfig
	state      ConnectionState
	applyErr   error
	patches    []ConfigPatch
	restarts   []string
	clears     int
	controller *SafetyController
}

func (d *fakeDevice) Config() DeviceConfig { return d.cfg }

func (d *fakeDevice) ApplyConfig(patch ConfigPatch) error {
	if d.applyErr != nil {
		return d.applyErr
	}
	d.patches = append(d.patches, patch)
	d.cfg = patch.Apply(d.cfg)
	return nil
}

func (d *fakeDevice) ScheduleRestart(reason string) { d.restarts = append(d.restarts, reason) }

func (d *fakeDevice) ClearEmergency(ctx context.Context) {
	d.clears++
	if d.controller != nil {
		d.controller.ClearEmergency()
	}
}

func (d *fakeDevice) ConnectionState() ConnectionState { return d.state }

var _ DeviceControl = &fakeDevice{}

type memConfigStore struct {
	mu      sync.Mutex
	cfg     *DeviceConfig
	loadErr error
	saveErr error
	saves   int
}

func (s *memConfigStore) Load() (DeviceConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return DeviceConfig{}, s.loadErr
	}
	if s.cfg == nil {
		return DeviceConfig{}, ErrConfigNotFound
	}
	return *s.cfg, nil
}

func (s *memConfigStore) Save(cfg DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.cfg = &cfg
	return nil
}

func (s *memConfigStore) saved() (DeviceConfig, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return DeviceConfig{}, s.saves
	}
	return *s.cfg, s.saves
}

var _ ConfigStore = &memConfigStore{}

// fakeWifi associates immediately unless told to fail.
type fakeWifi struct {
	mu       sync.Mutex
	err      error
	connects []string
	notify   func(LinkEvent)
}

func (w *fakeWifi) Connect(ctx context.Context, ssid, password string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connects = append(w.connects, ssid)
	return w.err
}

func (w *fakeWifi) Watch(ctx context.Context, notify func(LinkEvent)) error {
	w.mu.Lock()
	w.notify = notify
	w.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (w *fakeWifi) ssids() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.connects...)
}

func (w *fakeWifi) emit(ev LinkEvent) bool {
	w.mu.Lock()
	notify := w.notify
	w.mu.Unlock()
	if notify == nil {
		return false
	}
	notify(ev)
	return true
}

var _ WifiLink = &fakeWifi{}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

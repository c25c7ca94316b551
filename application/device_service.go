package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const safetyTickInterval = time.Second

type DeviceService interface {
	Run(ctx context.Context) error

	// SignalEmergency raises an emergency from outside the control loop.
	SignalEmergency(reason string)
	// SignalClear is the trusted local clear of an emergency.
	SignalClear()
}

type DeviceServiceParams struct {
	MQTTClient    MQTTClient
	Wifi          WifiLink
	Actuator      Actuator
	ConfigStore   ConfigStore
	Fetcher       FirmwareFetcher
	Installer     FirmwareInstaller
	Restarter     Restarter
	SafetySources []SafetySource
	ClockSync     *ClockSync

	Settings      Settings
	DefaultConfig DeviceConfig

	StagingDir      string
	FirmwareVersion string
	ClearToken      string

	// AppliedPath records the last applied update across restarts.
	AppliedPath string

	Log zerolog.Logger
}

type inboundMessage struct {
	topic   string
	payload []byte
}

type safetyEvent struct {
	raise  bool
	reason string
}

// deviceService runs the control loop. All device state (connection state,
// DeviceStatus, DeviceConfig, the update job) is owned by the loop goroutine;
// asynchronous work reports back by posting events.
type deviceService struct {
	params   DeviceServiceParams
	settings Settings
	clock    Clock

	cfg        DeviceConfig
	supervisor *Supervisor
	controller *SafetyController
	protocol   *Protocol
	updates    *UpdateOrchestrator

	events    chan any
	done      chan struct{}
	followups []func(ctx context.Context)

	brokerAttempt uint64
	brokerCancel  context.CancelFunc
	wifiCancel    context.CancelFunc
	wifiRetry     *time.Timer
	brokerRetry   *time.Timer
	offlineSince  time.Time

	log zerolog.Logger
}

func NewDeviceService(params DeviceServiceParams) (DeviceService, error) {
	if params.MQTTClient == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	if params.Wifi == nil {
		return nil, fmt.Errorf("Wifi is nil")
	}
	if params.ConfigStore == nil {
		return nil, fmt.Errorf("ConfigStore is nil")
	}
	if err := params.Settings.Validate(); err != nil {
		return nil, err
	}
	if err := params.DefaultConfig.Validate(); err != nil {
		return nil, fmt.Errorf("default config: %w", err)
	}

	d := &deviceService{
		params:   params,
		settings: params.Settings,
		clock:    SystemClock{},
		events:   make(chan any, params.Settings.Protocol.InboxSize),
		done:     make(chan struct{}),
		log:      params.Log,
	}
	if params.ClockSync != nil {
		d.clock = params.ClockSync
	}

	d.cfg = LoadDeviceConfig(params.ConfigStore, params.DefaultConfig, d.module("config"))
	d.log.Info().
		Str("device_id", d.cfg.DeviceID).
		Str("wifi_ssid", d.cfg.WifiSSID).
		Str("broker", fmt.Sprintf("%s:%d", d.cfg.BrokerHost, d.cfg.BrokerPort)).
		Msg("device config loaded")

	d.supervisor = NewSupervisor(SupervisorParams{
		Wifi:         d.settings.Wifi,
		Broker:       d.settings.Broker.RetrySettings,
		OnTransition: d.onTransition,
		Log:          d.module("connectivity"),
	})

	var err error
	d.controller, err = NewSafetyController(SafetyControllerParams{
		Actuator:         params.Actuator,
		ActuationTimeout: d.settings.Safety.ActuationTimeout,
		Clock:            d.clock,
		Log:              d.module("safety"),
	})
	if err != nil {
		return nil, err
	}

	d.protocol, err = NewProtocol(ProtocolParams{
		MQTTClient:      params.MQTTClient,
		Controller:      d.controller,
		Device:          d,
		QoS:             d.settings.Broker.QoS,
		AckTimeout:      d.settings.Protocol.AckTimeout,
		ClearToken:      params.ClearToken,
		FirmwareVersion: params.FirmwareVersion,
		Clock:           d.clock,
		Log:             d.module("protocol"),
	})
	if err != nil {
		return nil, err
	}

	d.updates, err = NewUpdateOrchestrator(UpdateOrchestratorParams{
		Fetcher:        params.Fetcher,
		Installer:      params.Installer,
		Restarter:      params.Restarter,
		Reporter:       d.protocol,
		Post:           func(ev UpdateEvent) { d.post(ev) },
		OnResult:       d.controller.RecordUpdateResult,
		BeforeRestart:  d.closeSession,
		RestartFailed:  d.restartFailed,
		Settings:       d.settings.Update,
		StagingDir:     params.StagingDir,
		AppliedPath:    params.AppliedPath,
		RunningVersion: params.FirmwareVersion,
		Clock:          d.clock,
		Log:            d.module("update"),
	})
	if err != nil {
		return nil, err
	}
	d.protocol.SetUpdates(d.updates)

	return d, nil
}

func (d *deviceService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.loop(ctx)
	})

	g.Go(func() error {
		err := d.params.Wifi.Watch(ctx, d.onLinkEvent)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("wifi watch: %w", err)
		}
		return nil
	})

	if d.params.ClockSync != nil {
		g.Go(func() error {
			return d.params.ClockSync.Run(ctx)
		})
	}

	for _, src := range d.params.SafetySources {
		src := src
		g.Go(func() error {
			d.log.Info().Str("source", src.Name()).Msg("watching safety source")
			err := src.Watch(ctx, func(reason string) {
				d.post(safetyEvent{raise: true, reason: src.Name() + ": " + reason})
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				d.log.Error().Err(err).Str("source", src.Name()).Msg("safety source stopped")
			}
			return nil
		})
	}

	return g.Wait()
}

func (d *deviceService) SignalEmergency(reason string) {
	d.post(safetyEvent{raise: true, reason: reason})
}

func (d *deviceService) SignalClear() {
	d.post(safetyEvent{raise: false})
}

func (d *deviceService) loop(ctx context.Context) error {
	defer close(d.done)

	if err := d.controller.Init(ctx); err != nil {
		d.log.Error().Err(err).Msg("valve not confirmed closed at boot")
	}
	d.offlineSince = time.Now()
	d.handleNetwork(ctx, NetworkEvent{Kind: EventStart})

	heartbeat := time.NewTicker(d.settings.Protocol.HeartbeatInterval)
	defer heartbeat.Stop()
	tick := time.NewTicker(safetyTickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case ev := <-d.events:
			d.handle(ctx, ev)
		case <-heartbeat.C:
			d.protocol.Heartbeat()
			d.report()
		case <-tick.C:
			d.tick(ctx)
		}
		d.runFollowups(ctx)
	}
}

func (d *deviceService) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case NetworkEvent:
		d.handleNetwork(ctx, ev)
	case inboundMessage:
		d.protocol.HandleMessage(ctx, ev.topic, ev.payload)
	case UpdateEvent:
		d.updates.HandleEvent(ev, d.controller.EmergencyActive())
		d.publishStatus()
	case safetyEvent:
		if ev.raise {
			if d.controller.RaiseEmergency(ctx, ev.reason) {
				d.publishStatus()
			}
			return
		}
		d.ClearEmergency(ctx)
		d.publishStatus()
	default:
		d.log.Error().Msgf("unexpected event %T", ev)
	}
}

func (d *deviceService) handleNetwork(ctx context.Context, ev NetworkEvent) {
	d.log.Debug().Str("event", ev.Kind.String()).Uint64("attempt", ev.Attempt).Msg("network event")
	d.execute(ctx, d.supervisor.Handle(ev))
}

func (d *deviceService) execute(ctx context.Context, fx Effects) {
	if fx.CancelRetries {
		stopTimer(d.wifiRetry)
		stopTimer(d.brokerRetry)
	}
	if fx.DropBroker {
		if d.brokerCancel != nil {
			d.brokerCancel()
			d.brokerCancel = nil
		}
		d.params.MQTTClient.Disconnect()
	}
	if fx.ConnectWifi {
		d.connectWifi(ctx, fx.WifiAttempt)
	}
	if fx.ConnectBroker {
		d.connectBroker(ctx, fx.BrokerAttempt)
	}
	if fx.Activate {
		if err := d.protocol.Activate(d.onMessage); err != nil && !errors.Is(err, ErrNotActive) {
			d.log.Error().Err(err).Msg("protocol activation failed")
			if d.protocol.Active() {
				return
			}
			d.handleNetwork(ctx, NetworkEvent{
				Kind:    EventBrokerDisconnected,
				Attempt: d.brokerAttempt,
				Reason:  ReasonSubscribeFailed,
				Err:     err,
			})
			return
		}
	}
	if fx.RetryWifiAfter > 0 {
		stopTimer(d.wifiRetry)
		d.wifiRetry = d.schedule(fx.RetryWifiAfter, NetworkEvent{Kind: EventRetryWifi})
	}
	if fx.RetryBrokerAfter > 0 {
		stopTimer(d.brokerRetry)
		d.brokerRetry = d.schedule(fx.RetryBrokerAfter, NetworkEvent{Kind: EventRetryBroker})
	}
}

func (d *deviceService) connectWifi(ctx context.Context, attempt uint64) {
	if d.wifiCancel != nil {
		d.wifiCancel()
	}
	cctx, cancel := context.WithTimeout(ctx, d.settings.Wifi.ConnectTimeout)
	d.wifiCancel = cancel

	ssid, password := d.cfg.WifiSSID, d.cfg.WifiPassword
	d.log.Info().Str("ssid", ssid).Uint64("attempt", attempt).Msg("associating")

	go func() {
		defer cancel()
		if err := d.params.Wifi.Connect(cctx, ssid, password); err != nil {
			d.post(NetworkEvent{Kind: EventWifiConnectFailed, Attempt: attempt, Err: err})
			return
		}
		d.post(NetworkEvent{Kind: EventWifiGotAddress, Attempt: attempt})
	}()
}

func (d *deviceService) connectBroker(ctx context.Context, attempt uint64) {
	cctx, cancel := context.WithTimeout(ctx, d.settings.Broker.ConnectTimeout)
	d.brokerCancel = cancel
	d.brokerAttempt = attempt

	endpoint := BrokerEndpointFor(d.cfg)
	d.log.Info().
		Str("host", endpoint.Host).
		Int("port", endpoint.Port).
		Str("client_id", endpoint.ClientID).
		Uint64("attempt", attempt).
		Msg("connecting to broker")

	go func() {
		defer cancel()
		err := d.params.MQTTClient.Connect(cctx, endpoint, func(err error) {
			d.post(NetworkEvent{Kind: EventBrokerDisconnected, Attempt: attempt, Reason: reasonOrLost(err), Err: err})
		})
		if err != nil {
			d.post(NetworkEvent{Kind: EventBrokerDisconnected, Attempt: attempt, Reason: ReasonOf(err), Err: err})
			return
		}
		d.post(NetworkEvent{Kind: EventBrokerConnected, Attempt: attempt})
	}()
}

func reasonOrLost(err error) DisconnectReason {
	if r := ReasonOf(err); r != ReasonUnknown {
		return r
	}
	return ReasonConnectionLost
}

func (d *deviceService) onTransition(from, to ConnectionState) {
	if from == BrokerConnected {
		d.protocol.Deactivate()
		d.offlineSince = time.Now()
	}
	if to == BrokerConnected {
		d.offlineSince = time.Time{}
	}
}

func (d *deviceService) onLinkEvent(ev LinkEvent) {
	switch ev.Kind {
	case LinkGotAddress:
		d.post(NetworkEvent{Kind: EventWifiGotAddress})
	case LinkLost:
		d.post(NetworkEvent{Kind: EventWifiLost})
	}
}

func (d *deviceService) onMessage(topic string, payload []byte) {
	d.post(inboundMessage{topic: topic, payload: append([]byte(nil), payload...)})
}

// post hands an event to the loop. It blocks while the inbox is full, which
// preserves arrival order, and gives up once the loop has stopped.
func (d *deviceService) post(ev any) {
	select {
	case d.events <- ev:
	case <-d.done:
	}
}

func (d *deviceService) schedule(after time.Duration, ev NetworkEvent) *time.Timer {
	return time.AfterFunc(after, func() { d.post(ev) })
}

func (d *deviceService) tick(ctx context.Context) {
	d.controller.EnsureSafe(ctx)
	d.protocol.Redeliver()

	timeout := d.settings.Safety.OfflineTimeout
	if timeout <= 0 || d.offlineSince.IsZero() || d.controller.EmergencyActive() {
		return
	}
	if time.Since(d.offlineSince) >= timeout {
		d.controller.RaiseEmergency(ctx, "watchdog: broker offline for "+timeout.String())
	}
}

func (d *deviceService) report() {
	status := d.params.MQTTClient.Status()
	d.log.Info().
		Str("connection", d.supervisor.State().String()).
		Str("last_reason", d.supervisor.LastReason().String()).
		Uint64("msg_count", status.MessageCount).
		Bool("is_connected", status.Connected).
		Time("last_time_published", status.LastTimePublished).
		Str("safety", d.controller.Mode().String()).
		Str("update", d.updates.State().String()).
		Msg("publish report")
}

func (d *deviceService) publishStatus() {
	if err := d.protocol.PublishStatus(); err != nil && !errors.Is(err, ErrNotActive) {
		d.log.Warn().Err(err).Msg("status publish failed")
	}
}

func (d *deviceService) runFollowups(ctx context.Context) {
	for len(d.followups) > 0 {
		f := d.followups[0]
		d.followups = d.followups[1:]
		f(ctx)
	}
}

// Config, ApplyConfig, ScheduleRestart, ClearEmergency and ConnectionState
// implement DeviceControl. They run on the loop goroutine.

func (d *deviceService) Config() DeviceConfig { return d.cfg }

func (d *deviceService) ConnectionState() ConnectionState { return d.supervisor.State() }

func (d *deviceService) ApplyConfig(patch ConfigPatch) error {
	if patch.IsEmpty() {
		return fmt.Errorf("%w: empty patch", ErrInvalidConfig)
	}
	next := patch.Apply(d.cfg)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := d.params.ConfigStore.Save(next); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	scope := ReconnectScopeFor(d.cfg, next)
	d.cfg = next
	d.log.Info().Str("reconnect", scope.String()).Msg("device config updated")

	switch scope {
	case ReconnectWifi:
		d.followups = append(d.followups, func(ctx context.Context) {
			d.protocol.Goodbye()
			d.handleNetwork(ctx, NetworkEvent{Kind: EventReassociate})
		})
	case ReconnectBroker:
		d.followups = append(d.followups, func(ctx context.Context) {
			d.protocol.Goodbye()
			d.handleNetwork(ctx, NetworkEvent{Kind: EventReconnectBroker})
		})
	}
	return nil
}

func (d *deviceService) ScheduleRestart(reason string) {
	d.followups = append(d.followups, func(ctx context.Context) {
		d.closeSession()
		if err := d.params.Restarter.Restart(reason); err != nil {
			d.restartFailed(err)
		}
	})
}

// restartFailed brings the session closed by closeSession back up. The
// supervisor still believes it is connected, so it is told to reconnect.
func (d *deviceService) restartFailed(err error) {
	d.log.Error().Err(err).Msg("restart failed, reconnecting")
	d.followups = append(d.followups, func(ctx context.Context) {
		d.handleNetwork(ctx, NetworkEvent{Kind: EventReconnectBroker, Reason: ReasonCancelled})
	})
}

func (d *deviceService) ClearEmergency(ctx context.Context) {
	if d.controller.ClearEmergency() {
		d.updates.EmergencyCleared()
	}
}

// closeSession says goodbye on the broker and disconnects.
func (d *deviceService) closeSession() {
	d.protocol.Goodbye()
	d.protocol.Deactivate()
	d.params.MQTTClient.Disconnect()
}

func (d *deviceService) shutdown() {
	d.log.Info().Msg("control loop stopping")
	d.updates.Shutdown()
	stopTimer(d.wifiRetry)
	stopTimer(d.brokerRetry)
	if d.brokerCancel != nil {
		d.brokerCancel()
	}
	if d.wifiCancel != nil {
		d.wifiCancel()
	}
	d.closeSession()
}

func (d *deviceService) module(name string) zerolog.Logger {
	return d.log.With().Str("module", name).Logger()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

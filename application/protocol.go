package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
)

// ResponseCode is the numeric result of a command, published on the ack topic.
type ResponseCode int

const (
	ResponseOK             ResponseCode = 0
	ResponseRejected       ResponseCode = 1
	ResponseBusy           ResponseCode = 2
	ResponseDeferred       ResponseCode = 3
	ResponseBadPayload     ResponseCode = 4
	ResponseUnknownCommand ResponseCode = 5
	ResponseFailed         ResponseCode = 6
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "ok"
	case ResponseRejected:
		return "rejected"
	case ResponseBusy:
		return "busy"
	case ResponseDeferred:
		return "deferred"
	case ResponseBadPayload:
		return "bad_payload"
	case ResponseUnknownCommand:
		return "unknown_command"
	case ResponseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type CommandResult struct {
	Command string       `json:"command"`
	ID      string       `json:"id,omitempty"`
	Code    ResponseCode `json:"code"`
	Result  string       `json:"result"`
	Reason  string       `json:"reason,omitempty"`
}

func newResult(cmd Command, code ResponseCode, reason string) CommandResult {
	return CommandResult{
		Command: cmd.Name(),
		ID:      cmd.CorrelationID(),
		Code:    code,
		Result:  code.String(),
		Reason:  reason,
	}
}

// DeviceControl is what the protocol needs from the device beyond actuation
// and updates.
type DeviceControl interface {
	Config() DeviceConfig
	// ApplyConfig persists the patched config and schedules whatever
	// reconnection it requires once the current message has been answered.
	ApplyConfig(patch ConfigPatch) error
	// ScheduleRestart restarts the device once the current message has been
	// answered.
	ScheduleRestart(reason string)
	// ClearEmergency is the privileged clear path shared with local reset.
	ClearEmergency(ctx context.Context)
	ConnectionState() ConnectionState
}

type ProtocolParams struct {
	MQTTClient MQTTClient
	Controller *SafetyController
	Updates    *UpdateOrchestrator
	Device     DeviceControl

	QoS        byte
	AckTimeout time.Duration
	// ClearToken authorises a remote ClearEmergency. Empty disables it.
	ClearToken      string
	FirmwareVersion string
	Clock           Clock

	Log zerolog.Logger
}

type pendingStatus struct {
	seq    uint64
	sentAt time.Time
}

// Protocol translates broker messages to Commands and DeviceStatus to broker
// messages. It is driven from the device loop only.
type Protocol struct {
	params ProtocolParams

	topics  Topics
	decoder Decoder
	active  bool

	seq           uint64
	pending       *pendingStatus
	dirty         bool
	pendingUpdate *UpdateResult

	log zerolog.Logger
}

func NewProtocol(params ProtocolParams) (*Protocol, error) {
	if params.MQTTClient == nil {
		return nil, fmt.Errorf("MQTTClient is nil")
	}
	if params.Controller == nil {
		return nil, fmt.Errorf("Controller is nil")
	}
	if params.Device == nil {
		return nil, fmt.Errorf("Device is nil")
	}
	if params.Clock == nil {
		params.Clock = SystemClock{}
	}
	if params.AckTimeout == 0 {
		params.AckTimeout = 30 * time.Second
	}
	return &Protocol{params: params, log: params.Log}, nil
}

// SetUpdates wires the orchestrator, which itself reports through the protocol.
func (p *Protocol) SetUpdates(u *UpdateOrchestrator) {
	p.params.Updates = u
}

func (p *Protocol) Topics() Topics { return p.topics }

// Activate runs on every broker connect: it subscribes the command topic and
// publishes the current status, superseding anything queued before the drop.
func (p *Protocol) Activate(handler func(topic string, payload []byte)) error {
	p.topics = NewTopics(p.params.Device.Config())
	p.decoder = Decoder{CommandTopic: p.topics.Command()}
	p.pending = nil

	err := p.params.MQTTClient.Subscribe(p.topics.Command(), p.params.QoS, func(msg MQTTMessage) {
		handler(msg.Topic(), msg.Payload())
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.topics.Command(), err)
	}
	p.active = true
	p.log.Info().Str("topic", p.topics.Command()).Msg("subscribed")

	if err := p.params.MQTTClient.Publish(p.topics.Availability(), p.params.QoS, true, []byte(AvailabilityOnline)); err != nil {
		p.log.Warn().Err(err).Msg("availability publish failed")
	}
	if p.pendingUpdate != nil {
		res := *p.pendingUpdate
		if err := p.PublishUpdateResult(res); err != nil {
			p.log.Warn().Err(err).Msg("held update result publish failed")
		}
	}
	return p.PublishStatus()
}

// Deactivate is called when the broker session is gone.
func (p *Protocol) Deactivate() {
	if p.active && p.pending != nil {
		p.dirty = true
	}
	p.active = false
}

func (p *Protocol) Active() bool { return p.active }

// Goodbye marks the device offline before an intentional disconnect, since the
// broker only publishes the will on unclean drops.
func (p *Protocol) Goodbye() {
	if !p.active {
		return
	}
	if err := p.params.MQTTClient.Publish(p.topics.Availability(), p.params.QoS, true, []byte(AvailabilityOffline)); err != nil {
		p.log.Debug().Err(err).Msg("offline availability publish failed")
	}
}

// HandleMessage decodes and dispatches one inbound message. Decode failures
// are logged and dropped without any state change.
func (p *Protocol) HandleMessage(ctx context.Context, topic string, payload []byte) {
	recovered := panics.Try(func() {
		p.handleMessage(ctx, topic, payload)
	})
	if recovered != nil {
		p.log.Error().Err(recovered.AsError()).Str("topic", topic).Msg("command handler panicked")
	}
}

func (p *Protocol) handleMessage(ctx context.Context, topic string, payload []byte) {
	cmd, err := p.decoder.Decode(topic, payload)
	if err != nil {
		var derr *DecodeError
		kind := "unknown"
		if errors.As(err, &derr) {
			kind = derr.Kind.String()
		}
		p.log.Warn().Err(err).Str("topic", topic).Str("kind", kind).Msg("dropping undecodable message")
		return
	}
	p.params.Controller.MarkSeen()

	res := p.Dispatch(ctx, cmd)

	if _, isAck := cmd.(Acknowledge); isAck {
		return
	}
	if cmd.CorrelationID() != "" {
		p.publishAck(res)
	}
	if _, isRestart := cmd.(Restart); isRestart {
		return
	}
	if err := p.PublishStatus(); err != nil {
		p.log.Warn().Err(err).Msg("status publish failed")
	}
}

// Dispatch routes one command to its handler.
func (p *Protocol) Dispatch(ctx context.Context, cmd Command) CommandResult {
	var res CommandResult

	switch c := cmd.(type) {
	case SetValve:
		err := p.params.Controller.SetValve(ctx, c.Open)
		switch {
		case errors.Is(err, ErrEmergencyActive):
			res = newResult(c, ResponseRejected, "emergency_active")
		case err != nil:
			res = newResult(c, ResponseFailed, err.Error())
		default:
			res = newResult(c, ResponseOK, "")
		}

	case RequestUpdate:
		res = p.dispatchUpdate(ctx, c)

	case SetConfig:
		if err := p.params.Device.ApplyConfig(c.Patch); err != nil {
			code := ResponseFailed
			if errors.Is(err, ErrInvalidConfig) {
				code = ResponseBadPayload
			}
			res = newResult(c, code, err.Error())
		} else {
			res = newResult(c, ResponseOK, "")
		}

	case QueryState:
		res = newResult(c, ResponseOK, "")

	case Acknowledge:
		p.acknowledge(c.MessageID)
		return newResult(c, ResponseOK, "")

	case ClearEmergency:
		if p.params.ClearToken == "" || c.Token != p.params.ClearToken {
			p.log.Warn().Msg("unauthorized emergency clear")
			res = newResult(c, ResponseRejected, ErrUnauthorized.Error())
		} else {
			p.params.Device.ClearEmergency(ctx)
			res = newResult(c, ResponseOK, "")
		}

	case Restart:
		p.params.Device.ScheduleRestart("remote restart command")
		res = newResult(c, ResponseOK, "")

	default:
		res = CommandResult{Command: cmd.Name(), Code: ResponseUnknownCommand, Result: ResponseUnknownCommand.String()}
	}

	p.params.Controller.RecordCommand(res)
	p.log.Info().
		Str("command", res.Command).
		Str("id", res.ID).
		Str("result", res.Result).
		Str("reason", res.Reason).
		Msg("command dispatched")
	return res
}

func (p *Protocol) dispatchUpdate(ctx context.Context, c RequestUpdate) CommandResult {
	if p.params.Updates == nil {
		return newResult(c, ResponseFailed, "updates unavailable")
	}

	decision := p.params.Updates.Request(ctx, c.ID, c.Request, p.params.Controller.EmergencyActive())
	switch decision {
	case UpdateAccepted, UpdateDuplicate, UpdateAlreadyApplied:
		reason := ""
		if decision != UpdateAccepted {
			reason = decision.String()
		}
		return newResult(c, ResponseOK, reason)
	case UpdateBusy:
		return newResult(c, ResponseBusy, "update in flight")
	case UpdateDeferred:
		return newResult(c, ResponseDeferred, "emergency_active")
	default:
		return newResult(c, ResponseBadPayload, decision.String())
	}
}

type statusMessage struct {
	DeviceID         string         `json:"device_id"`
	Seq              uint64         `json:"seq"`
	ValveOpen        bool           `json:"valve_open"`
	EmergencyActive  bool           `json:"emergency_active"`
	EmergencyReason  string         `json:"emergency_reason,omitempty"`
	ActuatorFault    bool           `json:"actuator_fault,omitempty"`
	Connection       string         `json:"connection"`
	UpdateState      string         `json:"update_state"`
	LastUpdateResult *UpdateResult  `json:"last_update_result,omitempty"`
	LastCommand      *CommandResult `json:"last_command,omitempty"`
	LastSeen         *time.Time     `json:"last_seen,omitempty"`
	Firmware         string         `json:"firmware,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
}

// PublishStatus publishes the current DeviceStatus. While disconnected it only
// marks the status dirty; the next Activate publishes a fresh snapshot.
func (p *Protocol) PublishStatus() error {
	if !p.active {
		p.dirty = true
		return ErrNotActive
	}

	status := p.params.Controller.Status()
	p.seq++
	msg := statusMessage{
		DeviceID:         p.params.Device.Config().DeviceID,
		Seq:              p.seq,
		ValveOpen:        status.ValveOpen,
		EmergencyActive:  status.EmergencyActive,
		EmergencyReason:  status.EmergencyReason,
		ActuatorFault:    status.ActuatorFault,
		Connection:       p.params.Device.ConnectionState().String(),
		UpdateState:      UpdateIdle.String(),
		LastUpdateResult: status.LastUpdateResult,
		LastCommand:      status.LastCommand,
		Firmware:         p.params.FirmwareVersion,
		Timestamp:        p.params.Clock.Now().UTC(),
	}
	if p.params.Updates != nil {
		msg.UpdateState = p.params.Updates.State().String()
	}
	if !status.LastSeen.IsZero() {
		seen := status.LastSeen.UTC()
		msg.LastSeen = &seen
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.params.MQTTClient.Publish(p.topics.Status(), p.params.QoS, true, payload); err != nil {
		p.dirty = true
		return fmt.Errorf("publish status: %w", err)
	}

	p.dirty = false
	p.pending = &pendingStatus{seq: msg.Seq, sentAt: p.params.Clock.Now()}
	return nil
}

// PublishUpdateResult publishes an update result, holding it for the next
// Activate when the broker is unreachable.
func (p *Protocol) PublishUpdateResult(res UpdateResult) error {
	if !p.active {
		p.pendingUpdate = &res
		return ErrNotActive
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := p.params.MQTTClient.Publish(p.topics.Update(), p.params.QoS, false, payload); err != nil {
		p.pendingUpdate = &res
		return fmt.Errorf("publish update result: %w", err)
	}
	p.pendingUpdate = nil
	return nil
}

// Heartbeat publishes the current status unconditionally.
func (p *Protocol) Heartbeat() {
	if !p.active {
		return
	}
	if err := p.PublishStatus(); err != nil {
		p.log.Warn().Err(err).Msg("heartbeat status publish failed")
	}
}

// Redeliver republishes status only if the last one is dirty or overdue.
func (p *Protocol) Redeliver() {
	if !p.active {
		return
	}
	overdue := p.pending != nil && p.params.Clock.Now().Sub(p.pending.sentAt) >= p.params.AckTimeout
	if !p.dirty && !overdue {
		return
	}
	if overdue {
		p.log.Debug().Uint64("seq", p.pending.seq).Msg("status not acknowledged, republishing")
	}
	if err := p.PublishStatus(); err != nil {
		p.log.Warn().Err(err).Msg("status redelivery failed")
	}
}

func (p *Protocol) PendingSeq() (uint64, bool) {
	if p.pending == nil {
		return 0, false
	}
	return p.pending.seq, true
}

func (p *Protocol) acknowledge(messageID string) {
	seq, err := strconv.ParseUint(messageID, 10, 64)
	if err != nil {
		p.log.Debug().Str("message_id", messageID).Msg("ack for unknown message")
		return
	}
	if p.pending == nil || seq < p.pending.seq {
		p.log.Debug().Uint64("seq", seq).Msg("stale ack")
		return
	}
	p.pending = nil
}

func (p *Protocol) publishAck(res CommandResult) {
	if !p.active {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := p.params.MQTTClient.Publish(p.topics.Ack(), p.params.QoS, false, payload); err != nil {
		p.log.Warn().Err(err).Str("id", res.ID).Msg("ack publish failed")
	}
}

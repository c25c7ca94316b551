package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type SafetyMode int

const (
	ModeNormal SafetyMode = iota
	ModeEmergency
)

func (m SafetyMode) String() string {
	if m == ModeEmergency {
		return "emergency"
	}
	return "normal"
}

// DeviceStatus is the device's externally visible state. The SafetyController
// holds the only mutable instance; everyone else works on copies.
type DeviceStatus struct {
	ValveOpen        bool
	EmergencyActive  bool
	EmergencyReason  string
	ActuatorFault    bool
	LastUpdateResult *UpdateResult
	LastCommand      *CommandResult
	LastSeen         time.Time
}

type SafetyControllerParams struct {
	Actuator         Actuator
	ActuationTimeout time.Duration
	Clock            Clock

	Log zerolog.Logger
}

// SafetyController is the sole writer of valve and emergency state. It keeps
// the invariant that an active emergency implies a closed valve.
type SafetyController struct {
	params SafetyControllerParams

	mode   SafetyMode
	status DeviceStatus
	// wantClosed is set while the last requested valve state is closed.
	wantClosed bool

	log zerolog.Logger
}

func NewSafetyController(params SafetyControllerParams) (*SafetyController, error) {
	if params.Actuator == nil {
		return nil, fmt.Errorf("Actuator is nil")
	}
	if params.Clock == nil {
		params.Clock = SystemClock{}
	}
	if params.ActuationTimeout == 0 {
		params.ActuationTimeout = 5 * time.Second
	}
	return &SafetyController{params: params, log: params.Log}, nil
}

// Init drives the valve to its safe default (closed) at boot.
func (c *SafetyController) Init(ctx context.Context) error {
	err := c.actuate(ctx, false)
	c.wantClosed = true
	c.status.ValveOpen = false
	c.status.ActuatorFault = err != nil
	c.assertSafe()
	if err != nil {
		return fmt.Errorf("close valve on boot: %w", err)
	}
	return nil
}

func (c *SafetyController) Mode() SafetyMode { return c.mode }

func (c *SafetyController) EmergencyActive() bool { return c.mode == ModeEmergency }

// SetValve applies a remote valve command. It is rejected with
// ErrEmergencyActive while an emergency is active and is a no-op when the
// valve already is in the requested state.
func (c *SafetyController) SetValve(ctx context.Context, open bool) error {
	if c.mode == ModeEmergency {
		c.log.Warn().Bool("open", open).Str("reason", c.status.EmergencyReason).Msg("valve command rejected")
		return ErrEmergencyActive
	}
	if c.status.ValveOpen == open && !c.status.ActuatorFault {
		return nil
	}

	c.wantClosed = !open
	if err := c.actuate(ctx, open); err != nil {
		c.status.ActuatorFault = true
		c.log.Error().Err(err).Bool("open", open).Msg("valve actuation failed")
		return fmt.Errorf("actuate valve: %w", err)
	}
	c.status.ValveOpen = open
	c.status.ActuatorFault = false
	c.assertSafe()

	c.log.Info().Bool("open", open).Msg("valve actuated")
	return nil
}

// RaiseEmergency forces the valve closed regardless of the last command and
// suppresses valve commands until ClearEmergency. It reports whether the mode
// changed.
func (c *SafetyController) RaiseEmergency(ctx context.Context, reason string) bool {
	if c.mode == ModeEmergency {
		c.log.Debug().Str("reason", reason).Msg("emergency already active")
		return false
	}

	c.mode = ModeEmergency
	c.status.EmergencyActive = true
	c.status.EmergencyReason = reason
	c.status.ValveOpen = false
	c.wantClosed = true

	if err := c.actuate(ctx, false); err != nil {
		c.status.ActuatorFault = true
		c.log.Error().Err(err).Msg("failed to close valve on emergency, will retry")
	} else {
		c.status.ActuatorFault = false
	}
	c.assertSafe()

	c.log.Warn().Str("reason", reason).Msg("emergency raised")
	return true
}

// ClearEmergency returns to normal operation. The valve stays closed until a
// fresh valve command arrives.
func (c *SafetyController) ClearEmergency() bool {
	if c.mode != ModeEmergency {
		return false
	}
	c.mode = ModeNormal
	c.status.EmergencyActive = false
	c.status.EmergencyReason = ""
	c.assertSafe()

	c.log.Info().Msg("emergency cleared")
	return true
}

// EnsureSafe retries closing the valve after a failed close, whether it was
// an emergency close, the boot close or a remote close command. A failed open
// is left to the next command.
func (c *SafetyController) EnsureSafe(ctx context.Context) {
	if !c.status.ActuatorFault || (c.mode != ModeEmergency && !c.wantClosed) {
		return
	}
	if err := c.actuate(ctx, false); err != nil {
		c.log.Error().Err(err).Msg("valve still not confirmed closed")
		return
	}
	c.status.ValveOpen = false
	c.status.ActuatorFault = false
	c.log.Info().Msg("valve confirmed closed")
}

func (c *SafetyController) MarkSeen() {
	c.status.LastSeen = c.params.Clock.Now()
}

func (c *SafetyController) RecordCommand(res CommandResult) {
	c.status.LastCommand = &res
}

func (c *SafetyController) RecordUpdateResult(res UpdateResult) {
	c.status.LastUpdateResult = &res
}

// Status returns a copy of the current status.
func (c *SafetyController) Status() DeviceStatus {
	c.assertSafe()
	s := c.status
	if s.LastUpdateResult != nil {
		r := *s.LastUpdateResult
		s.LastUpdateResult = &r
	}
	if s.LastCommand != nil {
		r := *s.LastCommand
		s.LastCommand = &r
	}
	return s
}

func (c *SafetyController) actuate(ctx context.Context, open bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.params.ActuationTimeout)
	defer cancel()
	return c.params.Actuator.SetValve(ctx, open)
}

// assertSafe repairs the emergency invariant should any path have broken it.
func (c *SafetyController) assertSafe() {
	if c.status.EmergencyActive && c.status.ValveOpen {
		c.log.Error().Msg("valve reported open during emergency, forcing closed state")
		c.status.ValveOpen = false
	}
}

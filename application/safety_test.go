package application

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestController(t *testing.T, actuator *MockActuator) *SafetyController {
	c, err := NewSafetyController(SafetyControllerParams{
		Actuator:         actuator,
		ActuationTimeout: time.Second,
		Clock:            newFakeClock(),
		Log:              testLogger(),
	})
	require.NoError(t, err)
	return c
}

func TestSafetyController_Init(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))

	assert.Equal(t, ModeNormal, c.Mode())
	assert.False(t, c.Status().ValveOpen)
	assert.False(t, c.Status().ActuatorFault)
	actuator.AssertExpectations(t)
}

func TestSafetyController_InitFault(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(fmt.Errorf("modbus timeout")).Once()

	c := newTestController(t, actuator)
	require.Error(t, c.Init(context.Background()))
	assert.True(t, c.Status().ActuatorFault)
}

func TestSafetyController_SetValve(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, true).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))

	require.NoError(t, c.SetValve(context.Background(), true))
	assert.True(t, c.Status().ValveOpen)

	// already open, the actuator is not touched again
	require.NoError(t, c.SetValve(context.Background(), true))
	actuator.AssertExpectations(t)
	actuator.AssertNumberOfCalls(t, "SetValve", 2)
}

func TestSafetyController_SetValveFault(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, true).Return(fmt.Errorf("coil write failed")).Once()
	actuator.On("SetValve", mock.Anything, true).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))

	require.Error(t, c.SetValve(context.Background(), true))
	assert.False(t, c.Status().ValveOpen)
	assert.True(t, c.Status().ActuatorFault)

	require.NoError(t, c.SetValve(context.Background(), true))
	assert.True(t, c.Status().ValveOpen)
	assert.False(t, c.Status().ActuatorFault)
}

func TestSafetyController_ActuationTimeout(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, true).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
	}).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.SetValve(context.Background(), true))
	actuator.AssertExpectations(t)
}

func TestSafetyController_Emergency(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil)
	actuator.On("SetValve", mock.Anything, true).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.SetValve(context.Background(), true))

	assert.True(t, c.RaiseEmergency(context.Background(), "leak sensor"))
	st := c.Status()
	assert.True(t, st.EmergencyActive)
	assert.False(t, st.ValveOpen)
	assert.Equal(t, "leak sensor", st.EmergencyReason)

	// raising again is a no-op and keeps the first reason
	assert.False(t, c.RaiseEmergency(context.Background(), "second sensor"))
	assert.Equal(t, "leak sensor", c.Status().EmergencyReason)

	err := c.SetValve(context.Background(), true)
	assert.ErrorIs(t, err, ErrEmergencyActive)
	assert.False(t, c.Status().ValveOpen)

	assert.True(t, c.ClearEmergency())
	assert.False(t, c.ClearEmergency())
	st = c.Status()
	assert.False(t, st.EmergencyActive)
	assert.Empty(t, st.EmergencyReason)
	assert.False(t, st.ValveOpen, "valve stays closed after clear")

	actuator.AssertNumberOfCalls(t, "SetValve", 3)
}

func TestSafetyController_EmergencyCloseFailure(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, false).Return(fmt.Errorf("relay offline")).Twice()
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))

	require.True(t, c.RaiseEmergency(context.Background(), "watchdog"))
	st := c.Status()
	assert.True(t, st.ActuatorFault)
	assert.False(t, st.ValveOpen, "reported closed while emergency is active")

	c.EnsureSafe(context.Background())
	assert.True(t, c.Status().ActuatorFault)

	c.EnsureSafe(context.Background())
	assert.False(t, c.Status().ActuatorFault)

	// nothing left to do
	c.EnsureSafe(context.Background())
	actuator.AssertNumberOfCalls(t, "SetValve", 4)
}

func TestSafetyController_EnsureSafeAfterBootFault(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(fmt.Errorf("offline")).Twice()
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()

	c := newTestController(t, actuator)
	require.Error(t, c.Init(context.Background()))
	assert.Equal(t, ModeNormal, c.Mode())
	assert.True(t, c.Status().ActuatorFault)

	c.EnsureSafe(context.Background())
	assert.True(t, c.Status().ActuatorFault)

	c.EnsureSafe(context.Background())
	assert.False(t, c.Status().ActuatorFault)
	assert.False(t, c.Status().ValveOpen)

	c.EnsureSafe(context.Background())
	actuator.AssertNumberOfCalls(t, "SetValve", 3)
}

func TestSafetyController_EnsureSafeAfterFailedClose(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, true).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, false).Return(fmt.Errorf("coil write failed")).Once()
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))
	require.NoError(t, c.SetValve(context.Background(), true))

	require.Error(t, c.SetValve(context.Background(), false))
	assert.True(t, c.Status().ActuatorFault)

	c.EnsureSafe(context.Background())
	st := c.Status()
	assert.False(t, st.ActuatorFault)
	assert.False(t, st.ValveOpen)
	actuator.AssertExpectations(t)
}

func TestSafetyController_EnsureSafeIgnoresFailedOpen(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil).Once()
	actuator.On("SetValve", mock.Anything, true).Return(fmt.Errorf("coil write failed")).Once()

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))
	require.Error(t, c.SetValve(context.Background(), true))

	c.EnsureSafe(context.Background())
	assert.True(t, c.Status().ActuatorFault)
	actuator.AssertNumberOfCalls(t, "SetValve", 2)
}

func TestSafetyController_StatusIsCopy(t *testing.T) {
	actuator := &MockActuator{}
	actuator.On("SetValve", mock.Anything, false).Return(nil)

	c := newTestController(t, actuator)
	require.NoError(t, c.Init(context.Background()))
	c.RecordCommand(CommandResult{ID: "1", Command: "query_state", Code: ResponseOK})
	c.RecordUpdateResult(UpdateResult{Version: "1.0.0", Outcome: OutcomeSucceeded})

	st := c.Status()
	st.LastCommand.ID = "changed"
	st.LastUpdateResult.Version = "changed"

	assert.Equal(t, "1", c.Status().LastCommand.ID)
	assert.Equal(t, "1.0.0", c.Status().LastUpdateResult.Version)
}

func TestSafetyController_MarkSeen(t *testing.T) {
	clock := newFakeClock()
	actuator := &MockActuator{}
	c, err := NewSafetyController(SafetyControllerParams{Actuator: actuator, Clock: clock, Log: testLogger()})
	require.NoError(t, err)

	c.MarkSeen()
	assert.Equal(t, clock.Now(), c.Status().LastSeen)
}

func TestNewSafetyController_NoActuator(t *testing.T) {
	_, err := NewSafetyController(SafetyControllerParams{})
	require.Error(t, err)
}

package adapters

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestModbusConn(t *testing.T, client *MockModbusClient) *ModbusConn {
	conn, err := NewModbusConn(ModbusParams{Client: client, Log: zerolog.Nop()})
	require.NoError(t, err)
	return conn
}

func TestModbusValve_SetValve(t *testing.T) {
	mClient := &MockModbusClient{}
	valve := NewModbusValve(newTestModbusConn(t, mClient), 3, zerolog.Nop())

	mClient.On("WriteSingleCoil", uint16(3), uint16(0xFF00)).Return([]byte{0xFF, 0x00}, nil).Once()
	mClient.On("WriteSingleCoil", uint16(3), uint16(0x0000)).Return([]byte{0x00, 0x00}, nil).Once()

	require.NoError(t, valve.SetValve(context.Background(), true))
	require.NoError(t, valve.SetValve(context.Background(), false))

	mClient.AssertExpectations(t)
}

func TestModbusValve_SetValve_Error(t *testing.T) {
	mClient := &MockModbusClient{}
	valve := NewModbusValve(newTestModbusConn(t, mClient), 0, zerolog.Nop())

	mClient.On("WriteSingleCoil", uint16(0), uint16(0x0000)).Return(nil, fmt.Errorf("exception")).Once()

	err := valve.SetValve(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write coil 0")

	mClient.AssertExpectations(t)
}

func TestModbusValve_SetValve_Cancelled(t *testing.T) {
	mClient := &MockModbusClient{}
	valve := NewModbusValve(newTestModbusConn(t, mClient), 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := valve.SetValve(ctx, true)
	require.ErrorIs(t, err, context.Canceled)

	mClient.AssertNotCalled(t, "WriteSingleCoil", mock.Anything, mock.Anything)
}

func TestNewModbusConn_NoEndpoint(t *testing.T) {
	_, err := NewModbusConn(ModbusParams{})
	require.ErrorIs(t, err, ErrModbusEndpoint)
}

func TestModbusFaultInput_RaisesOnRisingEdge(t *testing.T) {
	mClient := &MockModbusClient{}
	input := NewModbusFaultInput(newTestModbusConn(t, mClient), 7, 5*time.Millisecond, zerolog.Nop())
	assert.Equal(t, "modbus_fault", input.Name())

	mClient.On("ReadDiscreteInputs", uint16(7), uint16(1)).Return([]byte{0x00}, nil).Once()
	mClient.On("ReadDiscreteInputs", uint16(7), uint16(1)).Return(nil, fmt.Errorf("timeout")).Once()
	mClient.On("ReadDiscreteInputs", uint16(7), uint16(1)).Return([]byte{0x01}, nil).Times(3)
	mClient.On("ReadDiscreteInputs", uint16(7), uint16(1)).Return([]byte{0x00}, nil).Once()
	mClient.On("ReadDiscreteInputs", uint16(7), uint16(1)).Return([]byte{0x01}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var raised atomic.Int32
	reasons := make(chan string, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- input.Watch(ctx, func(reason string) {
			raised.Add(1)
			reasons <- reason
		})
	}()

	require.Eventually(t, func() bool { return raised.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	assert.Equal(t, "discrete input 7 asserted", <-reasons)
	assert.Equal(t, int32(2), raised.Load())
}

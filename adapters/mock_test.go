package adapters

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goburrow/modbus"
	"github.com/stretchr/testify/mock"
)

type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) Connect() mqtt.Token {
	return m.Called().Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(topic, qos, callback).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return m.Called(filters, callback).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqtt.Token {
	return m.Called(topics).Get(0).(mqtt.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqtt.MessageHandler) {
	m.Called(topic, callback)
}

func (m *MockMQTTClient) OptionsReader() mqtt.ClientOptionsReader {
	return m.Called().Get(0).(mqtt.ClientOptionsReader)
}

var _ mqtt.Client = &MockMQTTClient{}

type MockToken struct {
	mock.Mock
}

func (m *MockToken) Wait() bool {
	return m.Called().Bool(0)
}

func (m *MockToken) WaitTimeout(d time.Duration) bool {
	return m.Called(d).Bool(0)
}

func (m *MockToken) Done() <-chan struct{} {
	return m.Called().Get(0).(<-chan struct{})
}

func (m *MockToken) Error() error {
	return m.Called().Error(0)
}

var _ mqtt.Token = &MockToken{}

func doneChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func pendingChan() <-chan struct{} {
	return make(chan struct{})
}

type testMessage struct {
	topic   string
	payload []byte
}

func (m *testMessage) Duplicate() bool   { return false }
func (m *testMessage) Qos() byte         { return 1 }
func (m *testMessage) Retained() bool    { return false }
func (m *testMessage) Topic() string     { return m.topic }
func (m *testMessage) MessageID() uint16 { return 1 }
func (m *testMessage) Payload() []byte   { return m.payload }
func (m *testMessage) Ack()              {}

var _ mqtt.Message = &testMessage{}

type MockModbusClient struct {
	mock.Mock
}

func (m *MockModbusClient) ReadCoils(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	args := m.Called(address, value)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	args := m.Called(address, quantity, value)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	args := m.Called(address, quantity)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	args := m.Called(address, value)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	args := m.Called(address, quantity, value)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	args := m.Called(readAddress, readQuantity, writeAddress, writeQuantity, value)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	args := m.Called(address, andMask, orMask)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

func (m *MockModbusClient) ReadFIFOQueue(address uint16) ([]byte, error) {
	args := m.Called(address)
	return bytesOrNil(args.Get(0)), args.Error(1)
}

var _ modbus.Client = &MockModbusClient{}

func bytesOrNil(v any) []byte {
	if v == nil {
		return nil
	}
	return v.([]byte)
}

type MockTimeSource struct {
	mock.Mock
}

func (m *MockTimeSource) Offset(ctx context.Context) (time.Duration, error) {
	args := m.Called(ctx)
	return args.Get(0).(time.Duration), args.Error(1)
}

package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"valve-controller/application"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000

	ModbusDefaultTimeout      = 2 * time.Second
	ModbusDefaultPollInterval = time.Second
)

var ErrModbusEndpoint = errors.New("modbus: endpoint required")

type ModbusParams struct {
	Endpoint string
	UnitID   byte
	Timeout  time.Duration

	// Client replaces the TCP client, for tests.
	Client modbus.Client

	Log zerolog.Logger
}

// ModbusConn is one Modbus TCP connection to the relay module. Requests are
// serialized; goburrow's TCP handler is not safe for concurrent use.
type ModbusConn struct {
	mu      sync.Mutex
	handler io.Closer
	client  modbus.Client

	log zerolog.Logger
}

func NewModbusConn(params ModbusParams) (*ModbusConn, error) {
	if params.Client != nil {
		return &ModbusConn{client: params.Client, log: params.Log}, nil
	}
	if params.Endpoint == "" {
		return nil, ErrModbusEndpoint
	}
	if params.Timeout == 0 {
		params.Timeout = ModbusDefaultTimeout
	}

	h := modbus.NewTCPClientHandler(params.Endpoint)
	h.Timeout = params.Timeout
	h.SlaveId = params.UnitID

	return &ModbusConn{
		handler: h,
		client:  modbus.NewClient(h),
		log:     params.Log,
	}, nil
}

func (c *ModbusConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// do runs fn under the connection lock, giving up when ctx ends first. The
// request itself is bounded by the handler timeout.
func (c *ModbusConn) do(ctx context.Context, fn func(client modbus.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		done <- fn(c.client)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// ModbusValve drives the valve relay coil.
type ModbusValve struct {
	conn *ModbusConn
	coil uint16

	log zerolog.Logger
}

func NewModbusValve(conn *ModbusConn, coil uint16, log zerolog.Logger) *ModbusValve {
	return &ModbusValve{conn: conn, coil: coil, log: log}
}

func (v *ModbusValve) SetValve(ctx context.Context, open bool) error {
	value := coilOff
	if open {
		value = coilOn
	}

	err := v.conn.do(ctx, func(client modbus.Client) error {
		_, err := client.WriteSingleCoil(v.coil, value)
		return err
	})
	if err != nil {
		return fmt.Errorf("write coil %d: %w", v.coil, err)
	}

	v.log.Debug().Uint16("coil", v.coil).Bool("open", open).Msg("coil written")
	return nil
}

var _ application.Actuator = &ModbusValve{}

// ModbusFaultInput polls a discrete input wired to a leak or pressure sensor
// and raises an emergency on every rising edge.
type ModbusFaultInput struct {
	conn     *ModbusConn
	input    uint16
	interval time.Duration

	log zerolog.Logger
}

func NewModbusFaultInput(conn *ModbusConn, input uint16, interval time.Duration, log zerolog.Logger) *ModbusFaultInput {
	if interval == 0 {
		interval = ModbusDefaultPollInterval
	}
	return &ModbusFaultInput{conn: conn, input: input, interval: interval, log: log}
}

func (f *ModbusFaultInput) Name() string { return "modbus_fault" }

func (f *ModbusFaultInput) Watch(ctx context.Context, raise func(reason string)) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	active := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		set, err := f.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn().Err(err).Uint16("input", f.input).Msg("fault input read failed")
			continue
		}
		if set && !active {
			raise(fmt.Sprintf("discrete input %d asserted", f.input))
		}
		active = set
	}
}

func (f *ModbusFaultInput) read(ctx context.Context) (bool, error) {
	var set bool
	err := f.conn.do(ctx, func(client modbus.Client) error {
		results, err := client.ReadDiscreteInputs(f.input, 1)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return fmt.Errorf("empty response")
		}
		set = results[0]&0x01 != 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return set, nil
}

var _ application.SafetySource = &ModbusFaultInput{}

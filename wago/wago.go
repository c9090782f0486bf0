// Package wago reads the lab temperature and humidity from a WAGO fieldbus
// coupler over Modbus/TCP
package wago

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
)

// ErrShortReply is returned when the coupler sends fewer bytes than requested
var ErrShortReply = errors.New("wago: short modbus reply")

// Config holds the coupler address and the layout of the sensor registers
type Config struct {
	Addr    string `koanf:"addr" yaml:"addr"`
	SlaveID byte   `koanf:"slave_id" yaml:"slave_id"`

	TempRegister uint16 `koanf:"temp_register" yaml:"temp_register"`
	RHRegister   uint16 `koanf:"rh_register" yaml:"rh_register"`

	// Scale converts the signed register counts to degC and percent
	Scale float64 `koanf:"scale" yaml:"scale"`

	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// registerReader is the part of modbus.Client the module uses
type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Module is a WAGO coupler with a temperature and a humidity channel.  Reads
// are serialized.
type Module struct {
	cfg     Config
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  registerReader
}

// New returns a module for cfg.  The connection is made on the first read.
func New(cfg Config) *Module {
	if cfg.Scale == 0 {
		cfg.Scale = 0.1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	h := modbus.NewTCPClientHandler(cfg.Addr)
	h.Timeout = cfg.Timeout
	h.IdleTimeout = 30 * time.Second
	h.SlaveId = cfg.SlaveID
	return &Module{cfg: cfg, handler: h, client: modbus.NewClient(h)}
}

// Close closes the connection to the coupler
func (m *Module) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handler == nil {
		return nil
	}
	return m.handler.Close()
}

// Read implements expose.SensorReader
func (m *Module) Read(ctx context.Context) (temp, rh float64, err error) {
	if err = ctx.Err(); err != nil {
		return 0, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if temp, err = m.register(m.cfg.TempRegister); err != nil {
		return 0, 0, fmt.Errorf("temperature: %w", err)
	}
	if rh, err = m.register(m.cfg.RHRegister); err != nil {
		return 0, 0, fmt.Errorf("humidity: %w", err)
	}
	return temp, rh, nil
}

func (m *Module) register(addr uint16) (float64, error) {
	b, err := m.client.ReadHoldingRegisters(addr, 1)
	if err != nil {
		return 0, err
	}
	if len(b) < 2 {
		return 0, ErrShortReply
	}
	return float64(int16(binary.BigEndian.Uint16(b))) * m.cfg.Scale, nil
}

package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/fbettag/unifi-optimizer/internal/unifi"
)

// FieldWrite records one SetDeviceField call against the mock.
type FieldWrite struct {
	Mac   string
	Field string
	Value string
}

// MockController is an in-memory unifi.Controller. Reads serve the fixture
// data, writes are recorded and reflected into the device configs so
// read-back verification behaves like a real controller.
type MockController struct {
	mu sync.Mutex

	Devices []unifi.RawDevice
	Clients []unifi.RawClient
	Events  []unifi.RawEvent
	Configs map[string]unifi.DeviceConfig

	DevicesErr error
	ClientsErr error
	EventsErr  error
	ConfigErr  error

	// SetFieldHook, when non-nil, runs before each write and may fail it.
	// Returning nil lets the write proceed normally.
	SetFieldHook func(call int, mac, field, value string) error

	Writes       []FieldWrite
	setCalls     int
	eventWindows []int
}

// NewMockController creates an empty mock controller.
func NewMockController() *MockController {
	return &MockController{Configs: make(map[string]unifi.DeviceConfig)}
}

func (m *MockController) ListDevices(ctx context.Context) ([]unifi.RawDevice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DevicesErr != nil {
		return nil, m.DevicesErr
	}
	return append([]unifi.RawDevice(nil), m.Devices...), nil
}

func (m *MockController) ListClients(ctx context.Context) ([]unifi.RawClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClientsErr != nil {
		return nil, m.ClientsErr
	}
	return append([]unifi.RawClient(nil), m.Clients...), nil
}

func (m *MockController) ListEvents(ctx context.Context, lookbackHours int) ([]unifi.RawEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventWindows = append(m.eventWindows, lookbackHours)
	if m.EventsErr != nil {
		return nil, m.EventsErr
	}
	return append([]unifi.RawEvent(nil), m.Events...), nil
}

// EventWindows returns the lookback hours of every ListEvents call.
func (m *MockController) EventWindows() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.eventWindows...)
}

func (m *MockController) GetDeviceConfig(ctx context.Context, mac string) (unifi.DeviceConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConfigErr != nil {
		return unifi.DeviceConfig{}, m.ConfigErr
	}
	cfg, ok := m.Configs[mac]
	if !ok {
		return unifi.DeviceConfig{}, fmt.Errorf("device %s not found", mac)
	}
	// Copy the fields map so callers cannot mutate the mock's state.
	out := unifi.DeviceConfig{ID: cfg.ID, Mac: cfg.Mac, Fields: make(map[string]string, len(cfg.Fields))}
	for k, v := range cfg.Fields {
		out.Fields[k] = v
	}
	return out, nil
}

func (m *MockController) SetDeviceField(ctx context.Context, mac, field string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.setCalls++
	if m.SetFieldHook != nil {
		if err := m.SetFieldHook(m.setCalls, mac, field, value); err != nil {
			return err
		}
	}

	cfg, ok := m.Configs[mac]
	if !ok {
		return fmt.Errorf("device %s not found", mac)
	}
	if cfg.Fields == nil {
		cfg.Fields = make(map[string]string)
	}
	cfg.Fields[field] = value
	m.Configs[mac] = cfg
	m.Writes = append(m.Writes, FieldWrite{Mac: mac, Field: field, Value: value})
	return nil
}

// SetCalls returns how many writes were attempted, including failed ones.
func (m *MockController) SetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCalls
}

// SetConfig seeds the live config of one device.
func (m *MockController) SetConfig(mac string, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Configs[mac] = unifi.DeviceConfig{ID: "id-" + mac, Mac: mac, Fields: fields}
}

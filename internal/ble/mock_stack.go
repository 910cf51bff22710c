package ble

import (
	"fmt"
	"sync"
)

// MockStack is a Stack for tests: it records the registered callbacks and
// every notification, and lets tests play the central's side.
type MockStack struct {
	mu             sync.Mutex
	deviceName     string
	onControlWrite func(data []byte)
	onSubscribe    func(id CharacteristicID, subscribed bool)
	notifications  map[CharacteristicID][][]byte
	advertising    bool

	SetupErr  error
	NotifyErr error
}

// NewMockStack creates an empty MockStack.
func NewMockStack() *MockStack {
	return &MockStack{
		notifications: make(map[CharacteristicID][][]byte),
	}
}

func (m *MockStack) Setup(deviceName string, onControlWrite func(data []byte), onSubscribe func(id CharacteristicID, subscribed bool)) error {
	if m.SetupErr != nil {
		return m.SetupErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceName = deviceName
	m.onControlWrite = onControlWrite
	m.onSubscribe = onSubscribe
	return nil
}

func (m *MockStack) Notify(id CharacteristicID, data []byte) error {
	if m.NotifyErr != nil {
		return m.NotifyErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	m.notifications[id] = append(m.notifications[id], buf)
	return nil
}

func (m *MockStack) Advertise() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advertising = true
	return nil
}

// CentralWrite plays a central writing to the control point.
func (m *MockStack) CentralWrite(data []byte) error {
	m.mu.Lock()
	fn := m.onControlWrite
	m.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no control write callback registered")
	}
	fn(data)
	return nil
}

// CentralSubscribe plays a central toggling a subscription.
func (m *MockStack) CentralSubscribe(id CharacteristicID, subscribed bool) error {
	m.mu.Lock()
	fn := m.onSubscribe
	m.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("no subscription callback registered")
	}
	fn(id, subscribed)
	return nil
}

// Notifications returns the pushed payloads for id, in order.
func (m *MockStack) Notifications(id CharacteristicID) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.notifications[id]))
	copy(out, m.notifications[id])
	return out
}

// DeviceName returns the name passed to Setup.
func (m *MockStack) DeviceName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceName
}

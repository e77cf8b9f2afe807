// Package bt wraps the tinygo bluetooth adapter behind the small transport
// surface the rest of the application needs: find one device by name prefix,
// connect, write a characteristic, subscribe to notifications, disconnect.
package bt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/owenhdiba/tindeq-sonification/internal/events"
	"github.com/owenhdiba/tindeq-sonification/internal/gofunc"
)

// ManagerInterface is the adapter-level surface, kept as an interface so
// tests can run against a mock stack instead of real hardware.
type ManagerInterface interface {
	Enable() error
	FindByNamePrefix(ctx context.Context, prefix string) (Device, error)
	Connect(device Device) error
	Disconnect(device Device) error
	ListenToDisconnect(fn func(Device)) func()
	Shutdown()
}

var _ ManagerInterface = (*Manager)(nil)

type Manager struct {
	adapter          *bluetooth.Adapter
	mu               sync.Mutex
	devicesByAddress map[string]*deviceImpl
	disconnectEvent  *events.CallbackEvent[Device]
	logger           *log.Logger
	wg               sync.WaitGroup
}

func NewManager(adapter *bluetooth.Adapter, logger *log.Logger) *Manager {
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	return &Manager{
		adapter:          adapter,
		devicesByAddress: make(map[string]*deviceImpl),
		disconnectEvent:  events.NewCallbackEvent[Device](false),
		logger:           logger,
	}
}

// Enable brings up the adapter and installs the connect handler that keeps
// per-device state in sync with the physical link.
func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d := m.getDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("Device connected: %s", d.GetAddressString())
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("Device disconnected: %s", d.GetAddressString())
			d.setConnectedDevice(nil)
			m.disconnectEvent.Notify(d)
		}
	})
	return m.adapter.Enable()
}

func (m *Manager) getDeviceImpl(address bluetooth.Address) *deviceImpl {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := address.String()
	d, ok := m.devicesByAddress[addr]
	if !ok {
		d = newDeviceImpl(m.logger, address)
		m.devicesByAddress[addr] = d
	}
	return d
}

// FindByNamePrefix scans until an advertisement whose local name starts with
// prefix appears, then stops the scan and returns that device. It blocks
// until a match or ctx expiry; the caller owns the timeout.
func (m *Manager) FindByNamePrefix(ctx context.Context, prefix string) (Device, error) {
	m.logger.Printf("Scanning for device with name prefix %q", prefix)

	found := make(chan *deviceImpl, 1)
	var once sync.Once

	m.wg.Add(1)
	gofunc.SafeGo(m.logger, func() {
		defer m.wg.Done()
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			name := result.LocalName()
			if name == "" || !strings.HasPrefix(name, prefix) {
				return
			}
			once.Do(func() {
				d := m.getDeviceImpl(result.Address)
				d.setScanResult(&result)
				m.logger.Printf("Found %q (%s) [RSSI: %d]", name, result.Address.String(), result.RSSI)
				found <- d
				if err := adapter.StopScan(); err != nil {
					m.logger.Printf("StopScan error: %v", err)
				}
			})
		})
		if err != nil {
			m.logger.Printf("Scan error: %v", err)
		}
	})

	select {
	case d := <-found:
		return d, nil
	case <-ctx.Done():
		if err := m.adapter.StopScan(); err != nil {
			m.logger.Printf("StopScan error: %v", err)
		}
		return nil, ctx.Err()
	}
}

// Connect initiates a connection. Completion is reported asynchronously via
// the connect handler; use Device.WaitForConnection to block on it.
func (m *Manager) Connect(device Device) error {
	impl, err := m.lookup(device)
	if err != nil {
		return err
	}
	m.logger.Printf("Connecting to %s", impl.GetAddressString())
	if _, err := m.adapter.Connect(impl.address, bluetooth.ConnectionParams{}); err != nil {
		return fmt.Errorf("connect %s: %w", impl.GetAddressString(), err)
	}
	return nil
}

func (m *Manager) Disconnect(device Device) error {
	impl, err := m.lookup(device)
	if err != nil {
		return err
	}
	inner := impl.getConnectedDevice()
	if inner == nil {
		m.logger.Printf("Disconnect: %s already disconnected", impl.GetAddressString())
		return nil
	}
	return inner.Disconnect()
}

func (m *Manager) lookup(device Device) (*deviceImpl, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	impl, ok := m.devicesByAddress[device.GetAddressString()]
	if !ok {
		return nil, fmt.Errorf("unknown device %s", device.GetAddressString())
	}
	return impl, nil
}

// ListenToDisconnect registers fn to run whenever a physical link drops.
// Returns a deregistration function.
func (m *Manager) ListenToDisconnect(fn func(Device)) func() {
	return m.disconnectEvent.Listen(fn)
}

// Shutdown disconnects everything and waits for the scan goroutine.
func (m *Manager) Shutdown() {
	m.logger.Println("Manager: shutting down")
	m.mu.Lock()
	devices := make([]*deviceImpl, 0, len(m.devicesByAddress))
	for _, d := range m.devicesByAddress {
		devices = append(devices, d)
	}
	m.mu.Unlock()

	for _, d := range devices {
		if !d.IsConnected() {
			continue
		}
		if err := m.Disconnect(d); err != nil {
			m.logger.Printf("Manager: error disconnecting %s: %v", d.GetAddressString(), err)
		}
	}
	if err := m.adapter.StopScan(); err != nil {
		m.logger.Printf("Manager: error stopping scan: %v", err)
	}
	m.wg.Wait()
	m.logger.Println("Manager: shutdown complete")
}

// WaitForConnection polls until the connect handler reports the link up, or
// the timeout elapses.
func (b *deviceImpl) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ticker.C:
			if b.IsConnected() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("timeout after %v waiting for connection to %s", timeout, b.GetAddressString())
		}
	}
}

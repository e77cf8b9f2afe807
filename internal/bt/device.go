package bt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/owenhdiba/tindeq-sonification/internal/safemap"
)

// Device is the per-peripheral surface the session layer talks to.
type Device interface {
	GetAddressString() string
	GetLocalName() string
	IsConnected() bool
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error
	DisableNotifications(serviceUUID, charUUID string) error
	WriteCharacteristic(serviceUUID, charUUID string, data []byte) error
}

type deviceImpl struct {
	address bluetooth.Address
	logger  *log.Logger

	mu              sync.Mutex
	scanResult      *bluetooth.ScanResult
	connectedDevice *bluetooth.Device // nil while disconnected

	// bleMu serializes GATT operations; concurrent characteristic access
	// confuses some BLE stacks.
	bleMu sync.Mutex

	serviceByUUID         *safemap.SafeMap[string, *bluetooth.DeviceService]
	charByUUID            *safemap.SafeMap[string, *bluetooth.DeviceCharacteristic]
	allServicesDiscovered bool
	charsDiscoveredForSvc *safemap.SafeMap[string, bool]
}

func newDeviceImpl(logger *log.Logger, address bluetooth.Address) *deviceImpl {
	if logger == nil {
		panic("deviceImpl: logger cannot be nil")
	}
	return &deviceImpl{
		address:               address,
		logger:                logger,
		serviceByUUID:         safemap.New[string, *bluetooth.DeviceService](),
		charByUUID:            safemap.New[string, *bluetooth.DeviceCharacteristic](),
		charsDiscoveredForSvc: safemap.New[string, bool](),
	}
}

func (b *deviceImpl) GetAddressString() string {
	return b.address.String()
}

func (b *deviceImpl) GetLocalName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanResult != nil {
		if name := b.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return "Unknown"
}

func (b *deviceImpl) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedDevice != nil
}

func (b *deviceImpl) setScanResult(result *bluetooth.ScanResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scanResult = result
}

func (b *deviceImpl) setConnectedDevice(device *bluetooth.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectedDevice = device
}

func (b *deviceImpl) getConnectedDevice() *bluetooth.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectedDevice
}

func (b *deviceImpl) EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(fn); err != nil {
		return fmt.Errorf("enable notifications on %s: %w", charUUID, err)
	}
	b.logger.Printf("Notifications enabled on %s", charUUID)
	return nil
}

func (b *deviceImpl) DisableNotifications(serviceUUID, charUUID string) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("disable notifications on %s: %w", charUUID, err)
	}
	return nil
}

func (b *deviceImpl) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	b.bleMu.Lock()
	defer b.bleMu.Unlock()

	char, err := b.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	// The Progressor control point takes write-without-response.
	if _, err := char.WriteWithoutResponse(data); err != nil {
		return fmt.Errorf("write %s: %w", charUUID, err)
	}
	return nil
}

// service resolves a service handle, discovering and caching all services on
// first use. Discovery is all-at-once: re-discovering individual services
// interrupts characteristics already in use on some stacks.
func (b *deviceImpl) service(serviceUUID string) (*bluetooth.DeviceService, error) {
	if svc, ok := b.serviceByUUID.Load(serviceUUID); ok {
		return svc, nil
	}

	conn := b.getConnectedDevice()
	if conn == nil {
		return nil, errors.New("no connected device")
	}

	if !b.allServicesDiscovered {
		services, err := conn.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("discover services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			b.serviceByUUID.Store(svc.UUID().String(), svc)
		}
		b.allServicesDiscovered = true
	}

	svc, ok := b.serviceByUUID.Load(serviceUUID)
	if !ok {
		return nil, fmt.Errorf("service %s not found on device", serviceUUID)
	}
	return svc, nil
}

func (b *deviceImpl) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	key := serviceUUID + "_" + charUUID
	if char, ok := b.charByUUID.Load(key); ok {
		return char, nil
	}

	if discovered, _ := b.charsDiscoveredForSvc.Load(serviceUUID); !discovered {
		svc, err := b.service(serviceUUID)
		if err != nil {
			return nil, err
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics for %s: %w", serviceUUID, err)
		}
		for i := range chars {
			char := &chars[i]
			b.charByUUID.Store(serviceUUID+"_"+char.UUID().String(), char)
		}
		b.charsDiscoveredForSvc.Store(serviceUUID, true)
	}

	char, ok := b.charByUUID.Load(key)
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return char, nil
}

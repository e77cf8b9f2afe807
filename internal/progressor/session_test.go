package progressor

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenhdiba/tindeq-sonification/internal/bt"
	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
)

type fakeDevice struct {
	mu        sync.Mutex
	address   string
	name      string
	connected bool
	notifyFn  func(buf []byte)
	writes    []Command
	// onWrite, when set, runs synchronously after a successful write. Lets a
	// test play device: react to StartWeightMeasurement with sample frames.
	onWrite  func(cmd Command)
	writeErr error
}

func (d *fakeDevice) GetAddressString() string { return d.address }
func (d *fakeDevice) GetLocalName() string     { return d.name }

func (d *fakeDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDevice) WaitForConnection(timeout time.Duration) error {
	if !d.IsConnected() {
		return errors.New("fakeDevice: not connected")
	}
	return nil
}

func (d *fakeDevice) EnableNotifications(serviceUUID, charUUID string, fn func(buf []byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyFn = fn
	return nil
}

func (d *fakeDevice) DisableNotifications(serviceUUID, charUUID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifyFn = nil
	return nil
}

func (d *fakeDevice) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	d.mu.Lock()
	if d.writeErr != nil {
		err := d.writeErr
		d.mu.Unlock()
		return err
	}
	cmd := Command(data[0])
	d.writes = append(d.writes, cmd)
	onWrite := d.onWrite
	d.mu.Unlock()

	if onWrite != nil {
		onWrite(cmd)
	}
	return nil
}

// notify feeds a raw frame through the subscribed handler, as the transport
// would on a characteristic notification.
func (d *fakeDevice) notify(buf []byte) {
	d.mu.Lock()
	fn := d.notifyFn
	d.mu.Unlock()
	if fn != nil {
		fn(buf)
	}
}

func (d *fakeDevice) written() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Command(nil), d.writes...)
}

type fakeManager struct {
	mu            sync.Mutex
	device        *fakeDevice
	findErr       error
	connectErr    error
	disconnected  []bt.Device
	disconnectFns map[int]func(bt.Device)
	nextID        int
}

func newFakeManager(device *fakeDevice) *fakeManager {
	return &fakeManager{device: device, disconnectFns: make(map[int]func(bt.Device))}
}

func (m *fakeManager) Enable() error { return nil }

func (m *fakeManager) FindByNamePrefix(ctx context.Context, prefix string) (bt.Device, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.device, nil
}

func (m *fakeManager) Connect(device bt.Device) error {
	if m.connectErr != nil {
		return m.connectErr
	}
	m.device.mu.Lock()
	m.device.connected = true
	m.device.mu.Unlock()
	return nil
}

func (m *fakeManager) Disconnect(device bt.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, device)
	return nil
}

func (m *fakeManager) ListenToDisconnect(fn func(bt.Device)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.disconnectFns[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.disconnectFns, id)
	}
}

func (m *fakeManager) Shutdown() {}

// dropLink simulates the peripheral going away.
func (m *fakeManager) dropLink(device bt.Device) {
	m.mu.Lock()
	fns := make([]func(bt.Device), 0, len(m.disconnectFns))
	for _, fn := range m.disconnectFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(device)
	}
}

type sessionFixture struct {
	session *Session
	device  *fakeDevice
	manager *fakeManager
	samples []handoff.Sample
	sinkMu  sync.Mutex
}

func newSessionFixture(t *testing.T, cfg Config) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		device: &fakeDevice{address: "AA:BB:CC:DD:EE:FF", name: "Progressor_1234"},
	}
	f.manager = newFakeManager(f.device)
	sink := func(s handoff.Sample) {
		f.sinkMu.Lock()
		f.samples = append(f.samples, s)
		f.sinkMu.Unlock()
	}
	f.session = NewSession(f.manager, cfg, sink, log.New(io.Discard, "", 0))
	return f
}

func (f *sessionFixture) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, f.session.Connect(context.Background()))
	require.Equal(t, StateConnected, f.session.State())
}

func (f *sessionFixture) sunk() []handoff.Sample {
	f.sinkMu.Lock()
	defer f.sinkMu.Unlock()
	return append([]handoff.Sample(nil), f.samples...)
}

func commandResponse(payload []byte) []byte {
	return append([]byte{byte(KindCommandResponse), byte(len(payload))}, payload...)
}

func TestSessionConnect(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)
	assert.NotNil(t, f.device.notifyFn)
}

func TestSessionConnectDiscoveryTimeout(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.manager.findErr = context.DeadlineExceeded

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestSessionConnectCanceled(t *testing.T) {
	f := newSessionFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.session.Connect(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Equal(t, StateDisconnected, f.session.State())
}

func TestSessionConnectRefused(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.manager.connectErr = errors.New("GATT busy")

	err := f.session.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectionRefused)
	assert.Equal(t, StateDisconnected, f.session.State())

	// Recovery: a later attempt can succeed.
	f.manager.connectErr = nil
	f.connect(t)
}

func TestSessionSendRequiresConnection(t *testing.T) {
	f := newSessionFixture(t, Config{})
	assert.ErrorIs(t, f.session.StartWeightMeasurement(), ErrNotConnected)
	assert.ErrorIs(t, f.session.GetBatteryVoltage(), ErrNotConnected)
}

func TestSessionTaredSamplesReachSink(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	f.device.notify(weightFrame(t,
		weightRecord{2.5, 1_000_000},
		weightRecord{3.0, 1_050_000},
	))

	samples := f.sunk()
	require.Len(t, samples, 2)
	assert.InDelta(t, 2.5, samples[0].Weight, 1e-9)
	assert.InDelta(t, 1.0, samples[0].T, 1e-9)
	assert.InDelta(t, 3.0, samples[1].Weight, 1e-9)
}

func TestSessionPendingCommandSlot(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var infos []Info
	f.session.ListenToInfo(func(i Info) { infos = append(infos, i) })

	require.NoError(t, f.session.GetBatteryVoltage())
	assert.ErrorIs(t, f.session.GetAppVersion(), ErrCommandPending)

	f.device.notify(commandResponse(binary.LittleEndian.AppendUint32(nil, 3751)))
	require.Len(t, infos, 1)
	assert.Equal(t, InfoBattery, infos[0].Kind)
	assert.Equal(t, "Battery level = 3751 mV", infos[0].Text)

	// Slot freed by the response: the next typed command goes through.
	require.NoError(t, f.session.GetAppVersion())
	f.device.notify(commandResponse([]byte("1.2.3")))
	require.Len(t, infos, 2)
	assert.Equal(t, InfoFirmware, infos[1].Kind)
	assert.Equal(t, "FW version: 1.2.3", infos[1].Text)
}

func TestSessionUnsolicitedResponseDropped(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var infos []Info
	f.session.ListenToInfo(func(i Info) { infos = append(infos, i) })

	f.device.notify(commandResponse([]byte("stray")))
	assert.Empty(t, infos)
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSessionCrashLogInvalidUTF8Dropped(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var infos []Info
	f.session.ListenToInfo(func(i Info) { infos = append(infos, i) })

	require.NoError(t, f.session.GetErrorInfo())
	f.device.notify(commandResponse([]byte{0xFF, 0xFE, 0xFD}))
	assert.Empty(t, infos)
	assert.Equal(t, StateConnected, f.session.State())

	// The slot is free again after the dropped response.
	require.NoError(t, f.session.GetErrorInfo())
	f.device.notify(commandResponse([]byte("wdt reset at 0x1234")))
	require.Len(t, infos, 1)
	assert.Equal(t, InfoErrorLog, infos[0].Kind)
	assert.Equal(t, "Crash log: wdt reset at 0x1234", infos[0].Text)
}

func TestSessionLowPowerWarning(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var infos []Info
	f.session.ListenToInfo(func(i Info) { infos = append(infos, i) })

	f.device.notify([]byte{byte(KindLowPowerWarning), 0})
	require.Len(t, infos, 1)
	assert.Equal(t, InfoLowPower, infos[0].Kind)
}

func TestSessionDecodeFailureIsFatal(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var failures []error
	f.session.ListenToErrors(func(err error) { failures = append(failures, err) })

	f.device.notify([]byte{0x07, 0x00})
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrDecode)
	assert.Equal(t, StateClosed, f.session.State())
	assert.ErrorIs(t, f.session.StartWeightMeasurement(), ErrNotConnected)
}

func TestSessionConnectionLoss(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var failures []error
	f.session.ListenToErrors(func(err error) { failures = append(failures, err) })

	f.manager.dropLink(f.device)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], ErrConnectionLost)
	assert.Equal(t, StateClosed, f.session.State())
}

func TestSessionConnectionLossOtherDeviceIgnored(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	var failures []error
	f.session.ListenToErrors(func(err error) { failures = append(failures, err) })

	f.manager.dropLink(&fakeDevice{address: "11:22:33:44:55:66", name: "Progressor_other"})
	assert.Empty(t, failures)
	assert.Equal(t, StateConnected, f.session.State())
}

func TestSessionSoftTare(t *testing.T) {
	f := newSessionFixture(t, Config{TareWindow: 5 * time.Millisecond})
	f.connect(t)

	// Play device: answer the start command with a burst of idle-load
	// frames, delivered synchronously so they land inside the tare window.
	f.device.onWrite = func(cmd Command) {
		if cmd != CmdStartWeightMeasurement {
			return
		}
		f.device.notify(weightFrame(t,
			weightRecord{0.30, 100_000},
			weightRecord{0.10, 120_000},
			weightRecord{0.20, 140_000},
		))
	}

	require.NoError(t, f.session.SoftTare(context.Background()))
	assert.InDelta(t, 0.2, f.session.TareOffset(), 1e-6)
	assert.Equal(t, []Command{CmdStartWeightMeasurement, CmdStopWeightMeasurement}, f.device.written())
	assert.Empty(t, f.sunk(), "calibration samples must not reach the sink")

	// Post-tare samples arrive offset-corrected.
	f.device.notify(weightFrame(t, weightRecord{10.2, 200_000}))
	samples := f.sunk()
	require.Len(t, samples, 1)
	assert.InDelta(t, 10.0, samples[0].Weight, 1e-5)
}

func TestSessionSoftTareNoSamples(t *testing.T) {
	f := newSessionFixture(t, Config{TareWindow: time.Millisecond})
	f.connect(t)

	err := f.session.SoftTare(context.Background())
	assert.ErrorIs(t, err, ErrNoSamples)

	// A failed tare leaves the sample path intact.
	f.device.notify(weightFrame(t, weightRecord{1.0, 100_000}))
	assert.Len(t, f.sunk(), 1)
}

func TestSessionSoftTareCanceled(t *testing.T) {
	f := newSessionFixture(t, Config{TareWindow: time.Minute})
	f.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.SoftTare(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("SoftTare did not honor cancellation")
	}
}

func TestSessionDisconnect(t *testing.T) {
	f := newSessionFixture(t, Config{})
	f.connect(t)

	require.NoError(t, f.session.Disconnect())
	assert.Equal(t, StateClosed, f.session.State())
	assert.Equal(t, []Command{CmdSleep}, f.device.written())
	assert.Len(t, f.manager.disconnected, 1)

	// Second Disconnect is a no-op.
	require.NoError(t, f.session.Disconnect())
	assert.Len(t, f.manager.disconnected, 1)
}

func TestSessionFloatRoundTrip(t *testing.T) {
	// The wire format narrows to float32; make sure the codec gives back
	// exactly what a float32 can carry.
	raw := math.Float32bits(12.5)
	assert.Equal(t, float64(math.Float32frombits(raw)), 12.5)
}

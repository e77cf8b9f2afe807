package progressor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/owenhdiba/tindeq-sonification/internal/bt"
	"github.com/owenhdiba/tindeq-sonification/internal/events"
	"github.com/owenhdiba/tindeq-sonification/internal/handoff"
)

// SessionState tracks the lifecycle of the device link.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateScanning
	StateConnected
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateScanning:
		return "Scanning"
	case StateConnected:
		return "Connected"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Config holds the session's tunables.
type Config struct {
	NamePrefix       string        // advertisement local-name prefix to match
	DiscoveryTimeout time.Duration // how long to scan before giving up
	ConnectTimeout   time.Duration // how long to wait for the link to come up
	TareWindow       time.Duration // sample collection window for SoftTare
}

// DefaultConfig matches the Progressor's stock behavior.
func DefaultConfig() Config {
	return Config{
		NamePrefix:       "Progressor",
		DiscoveryTimeout: 10 * time.Second,
		ConnectTimeout:   10 * time.Second,
		TareWindow:       time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NamePrefix == "" {
		c.NamePrefix = d.NamePrefix
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = d.DiscoveryTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.TareWindow <= 0 {
		c.TareWindow = d.TareWindow
	}
	return c
}

// InfoKind classifies an informational report from the device.
type InfoKind int

const (
	InfoBattery InfoKind = iota
	InfoFirmware
	InfoErrorLog
	InfoLowPower
)

// Info is a device report (battery level, firmware version, crash log,
// low-power warning) surfaced to the UI collaborator.
type Info struct {
	Kind InfoKind
	Text string
}

// Session owns the link to one Progressor: it correlates command responses,
// applies the tare offset to incoming weight samples, and hands the tared
// stream to the sink installed at construction.
//
// Responses carry no correlation id, so at most one typed command (battery,
// firmware, error log) may be awaiting its response; a second typed send in
// that window is rejected with ErrCommandPending.
type Session struct {
	cfg     Config
	manager bt.ManagerInterface
	sink    func(handoff.Sample)
	logger  *log.Logger

	mu         sync.Mutex
	state      SessionState
	device     bt.Device
	tareOffset float64
	pending    Command
	hasPending bool
	tareActive bool
	tareBuf    []float64
	unlisten   func()

	infoEvent *events.CallbackEvent[Info]
	errEvent  *events.CallbackEvent[error]
}

// NewSession builds a disconnected session. sink receives every tared weight
// sample while a measurement is running (except during tare calibration,
// when samples are diverted to the tare buffer).
func NewSession(manager bt.ManagerInterface, cfg Config, sink func(handoff.Sample), logger *log.Logger) *Session {
	if manager == nil {
		panic("Session: manager cannot be nil")
	}
	if sink == nil {
		panic("Session: sink cannot be nil")
	}
	if logger == nil {
		panic("Session: logger cannot be nil")
	}
	return &Session{
		cfg:       cfg.withDefaults(),
		manager:   manager,
		sink:      sink,
		logger:    logger,
		state:     StateDisconnected,
		infoEvent: events.NewCallbackEvent[Info](false),
		errEvent:  events.NewCallbackEvent[error](false),
	}
}

// ListenToInfo registers fn for device reports. Returns a deregistration func.
func (s *Session) ListenToInfo(fn func(Info)) func() {
	return s.infoEvent.Listen(fn)
}

// ListenToErrors registers fn for fatal session errors (decode failures,
// connection loss). Returns a deregistration func.
func (s *Session) ListenToErrors(fn func(error)) func() {
	return s.errEvent.Listen(fn)
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TareOffset returns the offset established by the last SoftTare.
func (s *Session) TareOffset() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tareOffset
}

// Connect discovers the first device whose name matches the configured
// prefix, connects, and subscribes to the notification stream.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("progressor: cannot connect from state %s", state)
	}
	s.state = StateScanning
	s.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()

	device, err := s.manager.FindByNamePrefix(scanCtx, s.cfg.NamePrefix)
	if err != nil {
		s.setState(StateDisconnected)
		// A caller-canceled scan is not a timeout.
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("progressor: discovery canceled: %w", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: no %q within %v", ErrDiscoveryTimeout, s.cfg.NamePrefix, s.cfg.DiscoveryTimeout)
		}
		return fmt.Errorf("%w: %v", ErrDiscoveryTimeout, err)
	}

	if err := s.manager.Connect(device); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	if err := device.WaitForConnection(s.cfg.ConnectTimeout); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	if err := device.EnableNotifications(ServiceUUID, NotifyCharUUID, s.handleNotification); err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	unlisten := s.manager.ListenToDisconnect(func(d bt.Device) {
		if d.GetAddressString() == device.GetAddressString() {
			s.fail(ErrConnectionLost)
		}
	})

	s.mu.Lock()
	s.device = device
	s.unlisten = unlisten
	s.state = StateConnected
	s.mu.Unlock()

	s.logger.Printf("Session: connected to %s (%s)", device.GetLocalName(), device.GetAddressString())
	return nil
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// fail moves the session to Closed and reports err once to listeners.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	unlisten := s.unlisten
	s.unlisten = nil
	s.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	s.logger.Printf("Session: fatal: %v", err)
	s.errEvent.Notify(err)
}

// send writes an opcode frame to the control characteristic. Commands with
// no typed response go through here directly.
func (s *Session) send(cmd Command) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	device := s.device
	s.mu.Unlock()

	s.logger.Printf("Session: sending %s", cmd)
	return device.WriteCharacteristic(ServiceUUID, WriteCharUUID, cmd.Encode())
}

// request sends a command that will be answered with a CommandResponse
// notification, claiming the single pending slot first.
func (s *Session) request(cmd Command) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	if s.hasPending {
		pending := s.pending
		s.mu.Unlock()
		return fmt.Errorf("%w: %s still awaiting response", ErrCommandPending, pending)
	}
	s.pending = cmd
	s.hasPending = true
	device := s.device
	s.mu.Unlock()

	s.logger.Printf("Session: sending %s (awaiting response)", cmd)
	if err := device.WriteCharacteristic(ServiceUUID, WriteCharUUID, cmd.Encode()); err != nil {
		s.mu.Lock()
		s.hasPending = false
		s.mu.Unlock()
		return err
	}
	return nil
}

// StartWeightMeasurement begins the continuous weight stream.
func (s *Session) StartWeightMeasurement() error { return s.send(CmdStartWeightMeasurement) }

// StopWeightMeasurement ends the continuous weight stream. Notifications
// already queued by the transport may still arrive afterwards.
func (s *Session) StopWeightMeasurement() error { return s.send(CmdStopWeightMeasurement) }

// TareScale triggers the device's built-in tare. Prefer SoftTare: the
// built-in variant writes to flash and wears it out with frequent use.
func (s *Session) TareScale() error { return s.send(CmdTareScale) }

// ClearErrorInfo wipes the device's stored crash log.
func (s *Session) ClearErrorInfo() error { return s.send(CmdClearErrorInfo) }

// GetBatteryVoltage requests the battery level; the result arrives via the
// info listener.
func (s *Session) GetBatteryVoltage() error { return s.request(CmdGetBatteryVoltage) }

// GetAppVersion requests the firmware version string.
func (s *Session) GetAppVersion() error { return s.request(CmdGetAppVersion) }

// GetErrorInfo requests the device's crash log.
func (s *Session) GetErrorInfo() error { return s.request(CmdGetErrorInfo) }

// handleNotification is the notify-characteristic callback: decode, then
// route by kind. A decode failure is fatal to the session.
func (s *Session) handleNotification(buf []byte) {
	n, err := DecodeNotification(buf)
	if err != nil {
		s.fail(err)
		return
	}

	switch n.Kind {
	case KindWeightMeasurement:
		s.dispatchSamples(n.Samples)
	case KindCommandResponse:
		s.handleCommandResponse(n.Payload)
	case KindLowPowerWarning:
		s.infoEvent.Notify(Info{Kind: InfoLowPower, Text: "low power warning"})
	}
}

func (s *Session) dispatchSamples(samples []handoff.Sample) {
	s.mu.Lock()
	if s.tareActive {
		for _, sample := range samples {
			s.tareBuf = append(s.tareBuf, sample.Weight)
		}
		s.mu.Unlock()
		return
	}
	offset := s.tareOffset
	s.mu.Unlock()

	for _, sample := range samples {
		sample.Weight -= offset
		s.sink(sample)
	}
}

func (s *Session) handleCommandResponse(payload []byte) {
	s.mu.Lock()
	cmd, has := s.pending, s.hasPending
	s.hasPending = false
	s.mu.Unlock()

	if !has {
		s.logger.Printf("Session: dropping command response with no pending command (%d bytes)", len(payload))
		return
	}

	switch cmd {
	case CmdGetBatteryVoltage:
		mv, err := DecodeBatteryVoltage(payload)
		if err != nil {
			s.logger.Printf("Session: bad battery response: %v", err)
			return
		}
		s.infoEvent.Notify(Info{Kind: InfoBattery, Text: fmt.Sprintf("Battery level = %d mV", mv)})

	case CmdGetAppVersion:
		s.infoEvent.Notify(Info{Kind: InfoFirmware, Text: fmt.Sprintf("FW version: %s", payload)})

	case CmdGetErrorInfo:
		// Crash logs from a wedged device can hold garbage; a malformed
		// log is dropped, not fatal.
		if !utf8.Valid(payload) {
			s.logger.Printf("Session: discarding non-UTF-8 crash log (%d bytes)", len(payload))
			return
		}
		s.infoEvent.Notify(Info{Kind: InfoErrorLog, Text: fmt.Sprintf("Crash log: %s", payload)})

	default:
		s.logger.Printf("Session: response for %s ignored", cmd)
	}
}

// SoftTare calibrates the zero offset: weight samples are diverted to a
// private buffer, the device streams for one TareWindow, and the offset
// becomes the mean of what arrived. The second wait lets notifications that
// the transport queued before the stop command drain without polluting the
// next run's stream.
func (s *Session) SoftTare(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s", ErrNotConnected, state)
	}
	s.tareActive = true
	s.tareBuf = nil
	s.mu.Unlock()

	restore := func() {
		s.mu.Lock()
		s.tareActive = false
		s.tareBuf = nil
		s.mu.Unlock()
	}

	if err := s.StartWeightMeasurement(); err != nil {
		restore()
		return err
	}
	if err := sleepCtx(ctx, s.cfg.TareWindow); err != nil {
		restore()
		return err
	}
	if err := s.StopWeightMeasurement(); err != nil {
		restore()
		return err
	}
	if err := sleepCtx(ctx, s.cfg.TareWindow); err != nil {
		restore()
		return err
	}

	s.mu.Lock()
	collected := s.tareBuf
	s.tareActive = false
	s.tareBuf = nil
	if len(collected) == 0 {
		s.mu.Unlock()
		return ErrNoSamples
	}
	var sum float64
	for _, w := range collected {
		sum += w
	}
	s.tareOffset = sum / float64(len(collected))
	offset := s.tareOffset
	s.mu.Unlock()

	s.logger.Printf("Session: tare offset %.4f kg from %d samples", offset, len(collected))
	return nil
}

// Disconnect puts the device to sleep and closes the link. Safe to call
// more than once.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	device := s.device
	unlisten := s.unlisten
	s.unlisten = nil
	s.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	if err := device.WriteCharacteristic(ServiceUUID, WriteCharUUID, CmdSleep.Encode()); err != nil {
		s.logger.Printf("Session: sleep command failed: %v", err)
	}
	if err := device.DisableNotifications(ServiceUUID, NotifyCharUUID); err != nil {
		s.logger.Printf("Session: disabling notifications failed: %v", err)
	}
	s.logger.Printf("Session: disconnecting from %s", device.GetAddressString())
	return s.manager.Disconnect(device)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package progressor

import "errors"

var (
	// ErrDiscoveryTimeout means no device matching the name prefix appeared
	// within the discovery window.
	ErrDiscoveryTimeout = errors.New("progressor: discovery timed out")

	// ErrConnectionRefused means the transport connect or the notification
	// subscription failed after a device was found.
	ErrConnectionRefused = errors.New("progressor: connection refused")

	// ErrConnectionLost means the device dropped mid-session. There is no
	// reconnect: the run simply stops producing data.
	ErrConnectionLost = errors.New("progressor: connection lost")

	// ErrDecode means a notification frame could not be parsed. The
	// protocol stream is assumed out of sync, which is fatal to the session.
	ErrDecode = errors.New("progressor: decode error")

	// ErrNotConnected is returned by commands issued outside the Connected
	// state.
	ErrNotConnected = errors.New("progressor: not connected")

	// ErrCommandPending rejects a typed request while another is still
	// awaiting its response. The device gives responses no correlation id,
	// so only one typed command may be in flight.
	ErrCommandPending = errors.New("progressor: another command response is pending")

	// ErrNoSamples means the tare window closed without a single weight
	// sample, so no offset could be computed.
	ErrNoSamples = errors.New("progressor: no samples collected during tare")
)

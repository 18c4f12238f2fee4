package aravis

import "errors"

// Error variables represent the failure classes shared by every layer of
// the library. Transport packages wrap these with fmt.Errorf("...: %w", err)
// so callers can test with errors.Is regardless of which engine produced
// the failure.
var (
	// ErrUnknownFeature indicates a feature name with no node in the
	// device's GenICam document.
	ErrUnknownFeature = errors.New("unknown feature")

	// ErrAccessDenied indicates a read of a write-only feature, a write of
	// a read-only feature, or a control channel already owned by another
	// host.
	ErrAccessDenied = errors.New("access denied")

	// ErrOutOfRange indicates a written value outside the feature's
	// [min, max] range while strict range checking is enabled.
	ErrOutOfRange = errors.New("value out of range")

	// ErrInvalidArgument indicates arguments that do not satisfy the
	// requirements of the operation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout indicates a control command that exhausted its retries
	// without an acknowledge, or a buffer pop that outlived its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrNotConnected indicates an operation on a device whose control
	// channel has been lost or closed.
	ErrNotConnected = errors.New("device not connected")

	// ErrProtocol indicates a malformed or unexpected packet on the wire.
	ErrProtocol = errors.New("protocol error")

	// ErrResourceExhausted indicates sockets, ports or transfer slots
	// could not be allocated.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrParse indicates a GenICam document that could not be parsed.
	// Parse errors are fatal to device open.
	ErrParse = errors.New("parse error")

	// ErrNotImplemented indicates a command the remote device does not
	// implement.
	ErrNotImplemented = errors.New("not implemented")
)

package v4l2

import (
	"errors"

	sys "golang.org/x/sys/unix"
)

// Error variables represent common V4L2 operation failures, checked with
// errors.Is.
var (
	// ErrorSystem indicates a structural, terminal failure such as a bad
	// descriptor or a removed device.
	ErrorSystem = errors.New("system error")

	// ErrorBadArgument indicates parameters the ioctl rejected.
	ErrorBadArgument = errors.New("bad argument error")

	// ErrorTemporary indicates a condition that may resolve on retry.
	ErrorTemporary = errors.New("temporary error")

	// ErrorTimeout indicates a wait that outlived its deadline.
	ErrorTimeout = errors.New("timeout error")

	// ErrorUnsupported indicates an ioctl the device does not implement.
	ErrorUnsupported = errors.New("unsupported error")

	// ErrorUnsupportedFeature indicates a capability the device lacks.
	ErrorUnsupportedFeature = errors.New("feature unsupported error")

	// ErrorInterrupted indicates the operation was interrupted by a
	// signal and can be retried.
	ErrorInterrupted = errors.New("interrupted")
)

func parseErrorType(errno sys.Errno) error {
	switch errno {
	case sys.EBADF, sys.ENOMEM, sys.ENODEV, sys.EIO, sys.ENXIO, sys.EFAULT: // structural, terminal
		return ErrorSystem
	case sys.EINTR:
		return ErrorInterrupted
	case sys.EAGAIN: // no buffer ready on a non-blocking descriptor
		return ErrorTemporary
	case sys.EINVAL:
		return ErrorBadArgument
	case sys.ENOTTY:
		return ErrorUnsupported
	default:
		if errno.Timeout() {
			return ErrorTimeout
		}
		if errno.Temporary() {
			return ErrorTemporary
		}
		return errno
	}
}

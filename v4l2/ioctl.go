// Package v4l2 is a reduced Video4Linux2 backend used to carry V4L2
// webcams through the generic device abstraction: capabilities, pixel
// format negotiation and memory-mapped streaming. Camera controls are
// not exposed here; the device layer synthesizes a GenICam document over
// a software register file instead.
package v4l2

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ioctl uses a 32-bit value to encode commands sent to the kernel:
// lower 16 bits the command, upper 14 bits the parameter size, and the
// top 2 bits the access mode.

const (
	iocOpWrite = 1
	iocOpRead  = 2

	iocTypeBits   = 8
	iocNumberBits = 8

	numberPos = 0
	typePos   = numberPos + iocNumberBits
	sizePos   = typePos + iocTypeBits
	opPos     = sizePos + 14
)

func iocEnc(iocMode, iocType, number, size uintptr) uintptr {
	return (iocMode << opPos) | (iocType << typePos) | (number << numberPos) | (size << sizePos)
}

func iocEncRead(iocType, number, size uintptr) uintptr {
	return iocEnc(iocOpRead, iocType, number, size)
}

func iocEncWrite(iocType, number, size uintptr) uintptr {
	return iocEnc(iocOpWrite, iocType, number, size)
}

func iocEncReadWrite(iocType, number, size uintptr) uintptr {
	return iocEnc(iocOpRead|iocOpWrite, iocType, number, size)
}

// ioctl is a wrapper for Syscall(SYS_IOCTL).
func ioctl(fd, req, arg uintptr) (err error) {
	if _, _, errno := sys.Syscall(sys.SYS_IOCTL, fd, req, arg); errno != 0 {
		return parseErrorType(errno)
	}
	return nil
}

// V4L2 command request values.
var (
	vidiocQueryCap   = iocEncRead('V', 0, uintptr(unsafe.Sizeof(Capability{})))
	vidiocGetFormat  = iocEncReadWrite('V', 4, uintptr(unsafe.Sizeof(format{})))
	vidiocSetFormat  = iocEncReadWrite('V', 5, uintptr(unsafe.Sizeof(format{})))
	vidiocReqBufs    = iocEncReadWrite('V', 8, uintptr(unsafe.Sizeof(RequestBuffers{})))
	vidiocQueryBuf   = iocEncReadWrite('V', 9, uintptr(unsafe.Sizeof(BufferInfo{})))
	vidiocQueueBuf   = iocEncReadWrite('V', 15, uintptr(unsafe.Sizeof(BufferInfo{})))
	vidiocDequeueBuf = iocEncReadWrite('V', 17, uintptr(unsafe.Sizeof(BufferInfo{})))
	vidiocStreamOn   = iocEncWrite('V', 18, uintptr(unsafe.Sizeof(int32(0))))
	vidiocStreamOff  = iocEncWrite('V', 19, uintptr(unsafe.Sizeof(int32(0))))
)

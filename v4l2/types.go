package v4l2

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Buffer types and memory models used by this backend; only video
// capture with memory mapping is supported.
const (
	BufTypeVideoCapture = 1
	IOTypeMMAP          = 1

	CapVideoCapture = 0x00000001
	CapStreaming    = 0x04000000

	BufFlagMapped = 0x00000001
	BufFlagError  = 0x00000040
)

// Common V4L2 FourCC pixel formats; delivered buffers carry the FourCC
// unchanged in their PixelFormat field.
const (
	PixFmtYUYV  = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	PixFmtMJPEG = 'M' | 'J'<<8 | 'P'<<16 | 'G'<<24
	PixFmtGrey  = 'G' | 'R'<<8 | 'E'<<16 | 'Y'<<24
	PixFmtRGB24 = 'R' | 'G'<<8 | 'B'<<16 | '3'<<24
)

// Capability mirrors struct v4l2_capability.
type Capability struct {
	Driver       [16]uint8
	Card         [32]uint8
	BusInfo      [32]uint8
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// IsVideoCaptureSupported reports the video capture capability.
func (c Capability) IsVideoCaptureSupported() bool {
	return c.Capabilities&CapVideoCapture != 0
}

// IsStreamingSupported reports the streaming IO capability.
func (c Capability) IsStreamingSupported() bool {
	return c.Capabilities&CapStreaming != 0
}

// CardName returns the device card string.
func (c Capability) CardName() string {
	return cstr(c.Card[:])
}

// DriverName returns the driver string.
func (c Capability) DriverName() string {
	return cstr(c.Driver[:])
}

func cstr(b []uint8) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PixFormat mirrors struct v4l2_pix_format.
type PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YcbcrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// format mirrors struct v4l2_format: a type discriminator and a union
// large enough for every variant.
type format struct {
	typ uint32
	_   uint32 // alignment of the union on 64-bit
	fmt [200]byte
}

func (f *format) pix() *PixFormat {
	return (*PixFormat)(unsafe.Pointer(&f.fmt[0]))
}

// RequestBuffers mirrors struct v4l2_requestbuffers.
type RequestBuffers struct {
	Count        uint32
	StreamType   uint32
	Memory       uint32
	Capabilities uint32
	Reserved     [1]uint32
}

// BufferInfo mirrors struct v4l2_buffer.
type BufferInfo struct {
	Index     uint32
	StreamType uint32
	BytesUsed uint32
	Flags     uint32
	Field     uint32
	Timestamp sys.Timeval
	Timecode  timecode
	Sequence  uint32
	Memory    uint32
	Offset    uint32 // union m: offset for MMAP
	_         uint32 // union padding on 64-bit
	Length    uint32
	Reserved2 uint32
	RequestFD int32
}

type timecode struct {
	Type     uint32
	Flags    uint32
	Frames   uint8
	Seconds  uint8
	Minutes  uint8
	Hours    uint8
	Userbits [4]uint8
}

// GetCapability queries the device capabilities.
func GetCapability(fd uintptr) (Capability, error) {
	var cap Capability
	if err := ioctl(fd, vidiocQueryCap, uintptr(unsafe.Pointer(&cap))); err != nil {
		return Capability{}, err
	}
	return cap, nil
}

// GetPixFormat reads the current capture format.
func GetPixFormat(fd uintptr) (PixFormat, error) {
	f := format{typ: BufTypeVideoCapture}
	if err := ioctl(fd, vidiocGetFormat, uintptr(unsafe.Pointer(&f))); err != nil {
		return PixFormat{}, err
	}
	return *f.pix(), nil
}

// SetPixFormat negotiates a capture format; the driver may adjust it.
func SetPixFormat(fd uintptr, pix PixFormat) (PixFormat, error) {
	f := format{typ: BufTypeVideoCapture}
	*f.pix() = pix
	if err := ioctl(fd, vidiocSetFormat, uintptr(unsafe.Pointer(&f))); err != nil {
		return PixFormat{}, err
	}
	return *f.pix(), nil
}

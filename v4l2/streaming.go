package v4l2

import (
	"fmt"
	"os"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Handle is an opened V4L2 capture device with its mapped buffers.
type Handle struct {
	file    *os.File
	fd      uintptr
	cap     Capability
	pix     PixFormat
	buffers [][]byte
}

// Open opens a capture device and validates its capabilities.
func Open(path string) (*Handle, error) {
	file, err := os.OpenFile(path, sys.O_RDWR|sys.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2 open %s: %w", path, err)
	}
	h := &Handle{file: file, fd: file.Fd()}

	if h.cap, err = GetCapability(h.fd); err != nil {
		file.Close()
		return nil, fmt.Errorf("v4l2 %s: query capability: %w", path, err)
	}
	if !h.cap.IsVideoCaptureSupported() || !h.cap.IsStreamingSupported() {
		file.Close()
		return nil, fmt.Errorf("v4l2 %s: %w", path, ErrorUnsupportedFeature)
	}
	if h.pix, err = GetPixFormat(h.fd); err != nil {
		file.Close()
		return nil, fmt.Errorf("v4l2 %s: get format: %w", path, err)
	}
	return h, nil
}

// Fd returns the descriptor for polling.
func (h *Handle) Fd() uintptr { return h.fd }

// Capability returns the queried capabilities.
func (h *Handle) Capability() Capability { return h.cap }

// PixFormat returns the current capture format.
func (h *Handle) PixFormat() PixFormat { return h.pix }

// SetPixFormat negotiates a new capture format.
func (h *Handle) SetPixFormat(pix PixFormat) error {
	got, err := SetPixFormat(h.fd, pix)
	if err != nil {
		return err
	}
	h.pix = got
	return nil
}

// StartStreaming requests count driver buffers, maps them and turns the
// stream on with every buffer queued.
func (h *Handle) StartStreaming(count uint32) error {
	req := RequestBuffers{Count: count, StreamType: BufTypeVideoCapture, Memory: IOTypeMMAP}
	if err := ioctl(h.fd, vidiocReqBufs, uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("v4l2 request buffers: %w", err)
	}

	h.buffers = make([][]byte, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		info := BufferInfo{Index: i, StreamType: BufTypeVideoCapture, Memory: IOTypeMMAP}
		if err := ioctl(h.fd, vidiocQueryBuf, uintptr(unsafe.Pointer(&info))); err != nil {
			return fmt.Errorf("v4l2 query buffer %d: %w", i, err)
		}
		mapped, err := sys.Mmap(int(h.fd), int64(info.Offset), int(info.Length),
			sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED)
		if err != nil {
			return fmt.Errorf("v4l2 mmap buffer %d: %w", i, err)
		}
		h.buffers[i] = mapped
		if err := h.QueueBuffer(i); err != nil {
			return err
		}
	}

	typ := int32(BufTypeVideoCapture)
	if err := ioctl(h.fd, vidiocStreamOn, uintptr(unsafe.Pointer(&typ))); err != nil {
		return fmt.Errorf("v4l2 stream on: %w", err)
	}
	return nil
}

// QueueBuffer hands a mapped buffer back to the driver.
func (h *Handle) QueueBuffer(index uint32) error {
	info := BufferInfo{Index: index, StreamType: BufTypeVideoCapture, Memory: IOTypeMMAP}
	if err := ioctl(h.fd, vidiocQueueBuf, uintptr(unsafe.Pointer(&info))); err != nil {
		return fmt.Errorf("v4l2 queue buffer %d: %w", index, err)
	}
	return nil
}

// DequeueBuffer collects the next filled buffer without blocking; the
// caller polls the descriptor first.
func (h *Handle) DequeueBuffer() (BufferInfo, error) {
	info := BufferInfo{StreamType: BufTypeVideoCapture, Memory: IOTypeMMAP}
	if err := ioctl(h.fd, vidiocDequeueBuf, uintptr(unsafe.Pointer(&info))); err != nil {
		return BufferInfo{}, err
	}
	return info, nil
}

// Buffer returns the mapped region of a driver buffer.
func (h *Handle) Buffer(index uint32) []byte {
	if int(index) >= len(h.buffers) {
		return nil
	}
	return h.buffers[index]
}

// StopStreaming turns the stream off and unmaps every buffer.
func (h *Handle) StopStreaming() error {
	typ := int32(BufTypeVideoCapture)
	err := ioctl(h.fd, vidiocStreamOff, uintptr(unsafe.Pointer(&typ)))
	for _, b := range h.buffers {
		if b != nil {
			sys.Munmap(b)
		}
	}
	h.buffers = nil
	return err
}

// Close stops streaming if needed and releases the descriptor.
func (h *Handle) Close() error {
	if h.buffers != nil {
		h.StopStreaming()
	}
	return h.file.Close()
}

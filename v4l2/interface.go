package v4l2

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/device"
)

// Protocol is the transport name this interface registers under.
const Protocol = "V4L2"

// Interface enumerates local video nodes.
type Interface struct {
	logger *zap.Logger
}

// NewInterface creates a V4L2 discovery interface.
func NewInterface(logger *zap.Logger) *Interface {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interface{logger: logger}
}

// Protocol returns the transport name.
func (i *Interface) Protocol() string {
	return Protocol
}

// UpdateDeviceList scans /dev for capture-capable video nodes.
func (i *Interface) UpdateDeviceList(ctx context.Context) ([]device.Info, error) {
	paths, err := GetAllDevicePaths()
	if err != nil {
		return nil, err
	}
	var infos []device.Info
	for _, path := range paths {
		h, err := Open(path)
		if err != nil {
			continue // not a capture device, or busy
		}
		cap := h.Capability()
		h.Close()
		infos = append(infos, device.Info{
			ID:       path,
			Protocol: Protocol,
			Vendor:   cap.DriverName(),
			Model:    cap.CardName(),
			Address:  path,
		})
	}
	return infos, nil
}

// OpenDevice opens a video node by path.
func (i *Interface) OpenDevice(ctx context.Context, id string) (device.Device, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty v4l2 device path", aravis.ErrInvalidArgument)
	}
	return OpenDevice(id, i.logger)
}

package usb3

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/device"
)

// Protocol is the transport name this interface registers under.
const Protocol = "USB3Vision"

// Interface enumerates USB3 Vision cameras through libusb.
type Interface struct {
	logger *zap.Logger

	mu  sync.Mutex
	ctx *gousb.Context
}

// InterfaceOption configures the discovery interface.
type InterfaceOption func(*Interface)

// WithInterfaceLogger installs a structured logger.
func WithInterfaceLogger(l *zap.Logger) InterfaceOption {
	return func(i *Interface) { i.logger = l }
}

// NewInterface creates a USB3 Vision discovery interface. The libusb
// context is created lazily on first enumeration.
func NewInterface(opts ...InterfaceOption) *Interface {
	i := &Interface{logger: zap.NewNop()}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Protocol returns the transport name.
func (i *Interface) Protocol() string {
	return Protocol
}

func (i *Interface) context() *gousb.Context {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ctx == nil {
		i.ctx = gousb.NewContext()
	}
	return i.ctx
}

// isU3V reports whether any interface of the descriptor identifies a
// USB3 Vision function.
func isU3V(desc *gousb.DeviceDesc) bool {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if uint8(alt.Class) == u3vClass && uint8(alt.SubClass) == u3vSubclass {
					return true
				}
			}
		}
	}
	return false
}

func deviceID(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%s:%s-%d.%d", desc.Vendor, desc.Product, desc.Bus, desc.Address)
}

// UpdateDeviceList enumerates U3V functions on the bus.
func (i *Interface) UpdateDeviceList(ctx context.Context) ([]device.Info, error) {
	var infos []device.Info
	devs, err := i.context().OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isU3V(desc)
	})
	for _, dev := range devs {
		info := device.Info{
			ID:       deviceID(dev.Desc),
			Protocol: Protocol,
			Address:  fmt.Sprintf("%d.%d", dev.Desc.Bus, dev.Desc.Address),
		}
		if s, err := dev.Manufacturer(); err == nil {
			info.Vendor = s
		}
		if s, err := dev.Product(); err == nil {
			info.Model = s
		}
		if s, err := dev.SerialNumber(); err == nil {
			info.Serial = s
		}
		infos = append(infos, info)
		dev.Close()
	}
	if err != nil && len(infos) == 0 {
		return nil, fmt.Errorf("u3v enumerate: %w", err)
	}
	i.logger.Debug("u3v enumeration", zap.Int("devices", len(infos)))
	return infos, nil
}

// OpenDevice opens a U3V camera by its enumeration ID.
func (i *Interface) OpenDevice(ctx context.Context, id string) (device.Device, error) {
	devs, err := i.context().OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return isU3V(desc) && (id == "" || deviceID(desc) == id)
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("u3v open: %w", err)
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: u3v device %q", aravis.ErrUnknownFeature, id)
	}
	// Keep the first match, close the rest.
	for _, extra := range devs[1:] {
		extra.Close()
	}
	return openDevice(ctx, devs[0], WithLogger(i.logger))
}

// Close releases the libusb context.
func (i *Interface) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ctx != nil {
		err := i.ctx.Close()
		i.ctx = nil
		return err
	}
	return nil
}

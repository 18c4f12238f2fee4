package gige

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/device"
	"github.com/go-aravis/aravis/gvcp"
)

// Protocol is the transport name this interface registers under.
const Protocol = "GigEVision"

// Interface discovers GigE Vision cameras by GVCP broadcast.
type Interface struct {
	logger  *zap.Logger
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]*gvcp.DeviceInfo
}

// InterfaceOption configures the discovery interface.
type InterfaceOption func(*Interface)

// WithInterfaceLogger installs a structured logger.
func WithInterfaceLogger(l *zap.Logger) InterfaceOption {
	return func(i *Interface) { i.logger = l }
}

// WithDiscoveryTimeout overrides the broadcast collection window.
func WithDiscoveryTimeout(d time.Duration) InterfaceOption {
	return func(i *Interface) { i.timeout = d }
}

// NewInterface creates a GigE Vision discovery interface.
func NewInterface(opts ...InterfaceOption) *Interface {
	i := &Interface{
		logger:  zap.NewNop(),
		timeout: time.Second,
		cache:   make(map[string]*gvcp.DeviceInfo),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Protocol returns the transport name.
func (i *Interface) Protocol() string {
	return Protocol
}

// UpdateDeviceList broadcasts a discovery command and refreshes the
// device cache.
func (i *Interface) UpdateDeviceList(ctx context.Context) ([]device.Info, error) {
	found, err := gvcp.Discover(ctx, i.timeout, i.logger)
	if err != nil {
		return nil, err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cache = make(map[string]*gvcp.DeviceInfo, len(found))
	infos := make([]device.Info, 0, len(found))
	for _, f := range found {
		i.cache[f.ID()] = f
		infos = append(infos, device.Info{
			ID:       f.ID(),
			Protocol: Protocol,
			Vendor:   f.Manufacturer,
			Model:    f.Model,
			Serial:   f.Serial,
			Address:  f.IP.String(),
		})
	}
	return infos, nil
}

// OpenDevice opens a discovered camera by ID. An IP address is also
// accepted directly, bypassing discovery.
func (i *Interface) OpenDevice(ctx context.Context, id string) (device.Device, error) {
	i.mu.Lock()
	info := i.cache[id]
	i.mu.Unlock()
	if info != nil {
		return Open(ctx, info.IP.String(), WithLogger(i.logger))
	}
	if id != "" {
		// Allow opening by address without a prior enumeration.
		return Open(ctx, id, WithLogger(i.logger))
	}
	return nil, fmt.Errorf("%w: gige device %q", aravis.ErrUnknownFeature, id)
}

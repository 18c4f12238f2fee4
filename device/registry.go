package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-aravis/aravis"
)

// Info describes one enumerable device before it is opened.
type Info struct {
	// ID is the stable identifier used with OpenDevice.
	ID string
	// Protocol names the owning interface ("GigEVision", "USB3Vision",
	// "V4L2", "Fake", "GenTL").
	Protocol string
	Vendor   string
	Model    string
	Serial   string
	// Address is transport specific: an IPv4 address, a USB bus
	// position, or a device node path.
	Address string
}

// Protocol names of the built-in transports. GenTL is reserved for
// third-party producer backends registered by the application.
const (
	ProtocolGenTL = "GenTL"
	ProtocolFake  = "Fake"
)

// Interface is a discovery backend for one transport.
type Interface interface {
	// Protocol returns the transport name.
	Protocol() string
	// UpdateDeviceList re-enumerates reachable devices.
	UpdateDeviceList(ctx context.Context) ([]Info, error)
	// OpenDevice opens a device by its ID from the last enumeration.
	OpenDevice(ctx context.Context, id string) (Device, error)
}

// Registry is an explicit set of discovery interfaces. Interface
// singletons are discovery caches; the registry is passed to the camera
// constructor, with a process-wide default only as a convenience.
type Registry struct {
	mu     sync.Mutex
	ifaces []Interface
	cache  []Info
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a discovery interface. Earlier registrations win protocol
// collisions during open, so more specific transports register first.
func (r *Registry) Register(iface Interface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces = append(r.ifaces, iface)
}

// Interfaces returns the registered transports.
func (r *Registry) Interfaces() []Interface {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Interface(nil), r.ifaces...)
}

// UpdateDeviceList re-enumerates every transport and refreshes the
// device cache. Transport failures are skipped, not fatal: an unplugged
// interface must not hide the others.
func (r *Registry) UpdateDeviceList(ctx context.Context) ([]Info, error) {
	r.mu.Lock()
	ifaces := append([]Interface(nil), r.ifaces...)
	r.mu.Unlock()

	var all []Info
	for _, iface := range ifaces {
		infos, err := iface.UpdateDeviceList(ctx)
		if err != nil {
			continue
		}
		all = append(all, infos...)
	}

	r.mu.Lock()
	r.cache = all
	r.mu.Unlock()
	return append([]Info(nil), all...), nil
}

// OpenDevice opens a device by ID, consulting the cached enumeration
// first and re-enumerating on a miss. An empty ID opens the first
// device found.
func (r *Registry) OpenDevice(ctx context.Context, id string) (Device, error) {
	r.mu.Lock()
	cache := append([]Info(nil), r.cache...)
	r.mu.Unlock()

	if info, ok := findInfo(cache, id); ok {
		return r.openVia(ctx, info)
	}
	fresh, err := r.UpdateDeviceList(ctx)
	if err != nil {
		return nil, err
	}
	if info, ok := findInfo(fresh, id); ok {
		return r.openVia(ctx, info)
	}
	return nil, fmt.Errorf("%w: device %q", aravis.ErrUnknownFeature, id)
}

func findInfo(infos []Info, id string) (Info, bool) {
	if id == "" && len(infos) > 0 {
		return infos[0], true
	}
	for _, info := range infos {
		if info.ID == id {
			return info, true
		}
	}
	return Info{}, false
}

func (r *Registry) openVia(ctx context.Context, info Info) (Device, error) {
	for _, iface := range r.Interfaces() {
		if iface.Protocol() == info.Protocol {
			return iface.OpenDevice(ctx, info.ID)
		}
	}
	return nil, fmt.Errorf("%w: no interface for protocol %q",
		aravis.ErrInvalidArgument, info.Protocol)
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry. It starts empty;
// interfaces are added to it with RegisterDefault.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// RegisterDefault adds an interface to the process-wide registry.
func RegisterDefault(iface Interface) {
	DefaultRegistry().Register(iface)
}

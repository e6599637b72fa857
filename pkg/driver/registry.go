package driver

import (
	"fmt"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/device"
)

// Registry maps a device type tag to its driver instance (spec §4.2).
// Lookups are a plain map index — constant-time — and the registry is
// built once at process start and never mutated afterward; there is no
// exported method that adds a driver to an existing Registry.
type Registry struct {
	drivers map[device.Type]Driver
}

// NewRegistry builds an immutable registry from the given drivers. A
// driver whose DeviceType() collides with an earlier one overwrites it —
// callers are expected to register each device type exactly once.
func NewRegistry(drivers ...Driver) *Registry {
	m := make(map[device.Type]Driver, len(drivers))
	for _, d := range drivers {
		m[d.DeviceType()] = d
	}
	return &Registry{drivers: m}
}

// DriverFor returns the driver registered for typ, or an Unsupported error.
func (r *Registry) DriverFor(typ device.Type) (Driver, error) {
	d, ok := r.drivers[typ]
	if !ok {
		return nil, errs.New(errs.Unsupported, "registry.DriverFor", fmt.Errorf("no driver registered for device type %q", typ))
	}
	return d, nil
}

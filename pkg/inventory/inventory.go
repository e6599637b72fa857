// Package inventory defines the Inventory external collaborator (spec §6):
// an opaque provider that resolves a target selector into an ordered
// device list. The format of the provider's backing file is out of scope
// for the core; this package only defines the interface and an in-memory
// implementation suitable for tests and for wiring a small static fleet.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/job"
)

// Inventory resolves a target selector into the ordered device list the
// engine iterates. Ordering must be the provider's natural order so canary
// semantics (sliced-job sequencing by the caller) stay deterministic.
type Inventory interface {
	Resolve(ctx context.Context, selector job.TargetSelector) ([]device.Device, error)
}

// Static is an in-memory Inventory backed by a fixed, ordered device list.
// It is the implementation test code and small static fleets use; larger
// deployments plug in their own provider over the same interface.
type Static struct {
	devices []device.Device
}

// NewStatic builds a Static inventory preserving the given order.
func NewStatic(devices []device.Device) *Static {
	return &Static{devices: append([]device.Device(nil), devices...)}
}

// Resolve implements Inventory.
func (s *Static) Resolve(_ context.Context, selector job.TargetSelector) ([]device.Device, error) {
	switch selector.Kind {
	case job.All:
		return append([]device.Device(nil), s.devices...), nil
	case job.ByIDs:
		return s.byIDs(selector.IDs)
	case job.ByTags:
		return s.byTagExpression(selector.TagExpression)
	default:
		return nil, fmt.Errorf("inventory: unknown selector kind %q", selector.Kind)
	}
}

func (s *Static) byIDs(ids []string) ([]device.Device, error) {
	index := make(map[string]device.Device, len(s.devices))
	for _, d := range s.devices {
		index[d.ID] = d
	}
	out := make([]device.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := index[id]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// byTagExpression supports a minimal "tag1,tag2" AND expression: a device
// matches when it carries every comma-separated tag. Richer grammars are a
// provider concern the core does not mandate (spec §6).
func (s *Static) byTagExpression(expr string) ([]device.Device, error) {
	var required []string
	for _, t := range strings.Split(expr, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			required = append(required, t)
		}
	}
	if len(required) == 0 {
		return nil, fmt.Errorf("inventory: empty tag expression")
	}

	var out []device.Device
	for _, d := range s.devices {
		matches := true
		for _, t := range required {
			if !d.HasTag(t) {
				matches = false
				break
			}
		}
		if matches {
			out = append(out, d)
		}
	}
	return out, nil
}

// Package topology groups named rail devices into per-logical-device
// rail sets and enriches each rail with descriptive metadata (link
// speed, link layer, state) pulled from sysfs. It never discovers or
// enumerates hardware on its own: every rail it knows about was named
// by the caller (configuration, or the host collective library),
// matching the engine's "the library already knows which NICs exist"
// contract.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/railfabric/ofi-rail/internal/rdma"
)

// ErrUnknownRail is returned when a rail name has no corresponding
// sysfs RDMA device.
var ErrUnknownRail = errors.New("topology: rail has no matching RDMA device")

// RailDescriptor names one physical rail and, once enriched, its
// descriptive properties.
type RailDescriptor struct {
	Name string // sysfs RDMA device name, e.g. "mlx5_0"

	PortID      int
	LinkLayer   string
	State       string
	PhysState   string
	LinkWidth   string
	LinkSpeed   string
	NetDev      string
	PortSpeedMbps int
}

// Enrich fills d's descriptive fields by reading sysfs for d.Name via
// provider. It never adds or removes rails: a name not present in
// sysfs is reported as ErrUnknownRail rather than silently skipped,
// since a misconfigured rail name should surface immediately rather
// than degrade the rail count the scheduler stripes across.
func (d *RailDescriptor) Enrich(ctx context.Context, provider rdma.Provider, port int) error {
	devices, err := provider.Devices(ctx)
	if err != nil {
		return fmt.Errorf("topology: enrich %s: %w", d.Name, err)
	}

	for _, dev := range devices {
		if dev.Name != d.Name {
			continue
		}
		for _, p := range dev.Ports {
			if p.ID != port {
				continue
			}
			d.PortID = p.ID
			d.LinkLayer = p.Attributes.LinkLayer
			d.State = p.Attributes.State
			d.PhysState = p.Attributes.PhysState
			d.LinkWidth = p.Attributes.LinkWidth
			d.LinkSpeed = p.Attributes.LinkSpeed
			return nil
		}
	}
	return fmt.Errorf("%w: %s port %d", ErrUnknownRail, d.Name, port)
}

// Device is a logical device: a group of rails the scheduler stripes
// across as one unit (spec §2 "Device... one set of per-rail
// fabric/domain handles").
type Device struct {
	ID    int
	Rails []RailDescriptor
}

// GroupRails partitions a flat, caller-supplied list of rail names
// into logical devices of size railsPerDevice, preserving input order
// so that device id assignment is deterministic across restarts (the
// engine has no persisted state across process restarts, per spec.md
// §1 Non-goals, so determinism here comes only from input order).
func GroupRails(railNames []string, railsPerDevice int) ([]Device, error) {
	if railsPerDevice <= 0 {
		return nil, fmt.Errorf("topology: railsPerDevice must be positive, got %d", railsPerDevice)
	}
	if len(railNames)%railsPerDevice != 0 {
		return nil, fmt.Errorf("topology: %d rails does not divide evenly into groups of %d", len(railNames), railsPerDevice)
	}

	devices := make([]Device, 0, len(railNames)/railsPerDevice)
	for i := 0; i < len(railNames); i += railsPerDevice {
		group := railNames[i : i+railsPerDevice]
		rails := make([]RailDescriptor, len(group))
		for j, name := range group {
			rails[j] = RailDescriptor{Name: name}
		}
		devices = append(devices, Device{ID: len(devices), Rails: rails})
	}
	return devices, nil
}

// DeviceProperties is the data `get_properties` (§6) reports for one
// logical device.
type DeviceProperties struct {
	Name              string
	PCIPath           string
	PortSpeedMbps     []int // one entry per rail, in rail order
	LatencyMicros     float64
	MaxCommunicators  int
	MaxGroupedRecvs   int
	HmemSupported     bool
	MRScopeGlobal     bool
}

// MaxCommunicators is fixed by the 18-bit communicator-id field in
// the immediate-data word (spec.md §3, §6): 2^18.
const MaxCommunicators = 1 << 18

// Properties builds get_properties output for dev, deriving
// PortSpeedMbps from each rail's enriched link-speed string via
// speedMbps, and leaving fields the caller must supply (PCIPath,
// latency, grouped-recv cap, hmem/MR-scope flags) as zero values for
// the caller to fill in — topology only knows about rails and speed.
func (dev Device) Properties(name string) DeviceProperties {
	speeds := make([]int, len(dev.Rails))
	for i, r := range dev.Rails {
		speeds[i] = railSpeedMbps(r)
	}
	return DeviceProperties{
		Name:             name,
		PortSpeedMbps:    speeds,
		MaxCommunicators: MaxCommunicators,
	}
}

// RailWeights returns each rail's relative striping weight, derived
// from measured port speed. internal/scheduler does not read these
// weights: it splits striped messages evenly across rails. Rails with
// unknown speed get weight 1 so an
// un-enriched or unsupported rail never silently drops out of the
// stripe.
func RailWeights(dev Device) []int {
	weights := make([]int, len(dev.Rails))
	for i, r := range dev.Rails {
		if w := railSpeedMbps(r); w > 0 {
			weights[i] = w
			continue
		}
		weights[i] = 1
	}
	return weights
}

// railSpeedMbps prefers a caller-supplied PortSpeedMbps (typically read
// via a netdev ethtool client against the rail's bound network
// interface, a finer-grained reading than sysfs's "rate" string) and
// falls back to parsing the sysfs rate string Enrich already populated.
func railSpeedMbps(r RailDescriptor) int {
	if r.PortSpeedMbps > 0 {
		return r.PortSpeedMbps
	}
	return speedMbps(r.LinkSpeed)
}

// speedMbps parses a sysfs "rate" value such as "100 Gb/sec" into
// megabits per second. Unrecognized formats return 0 rather than an
// error, since speed is advisory input to the scheduler's weights,
// not a correctness-critical field.
func speedMbps(rate string) int {
	fields := strings.Fields(rate)
	if len(fields) < 2 {
		return 0
	}
	value, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	unit := strings.ToLower(fields[1])
	switch {
	case strings.HasPrefix(unit, "gb"):
		return int(value * 1000)
	case strings.HasPrefix(unit, "mb"):
		return int(value)
	case strings.HasPrefix(unit, "tb"):
		return int(value * 1_000_000)
	default:
		return 0
	}
}

// SortByName returns a copy of devices sorted by their first rail's
// name, a stable presentation order for CLI/metrics output.
func SortByName(devices []Device) []Device {
	out := make([]Device, len(devices))
	copy(out, devices)
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Rails) == 0 || len(out[j].Rails) == 0 {
			return len(out[i].Rails) > len(out[j].Rails)
		}
		return out[i].Rails[0].Name < out[j].Rails[0].Name
	})
	return out
}

// Package netdev feeds a rail's instantaneous link speed into
// internal/topology's DeviceProperties (spec.md §6 get_properties:
// port speed × rail count), replacing the teacher's RoCE PFC
// pause-frame telemetry use of the same ethtool client with a
// link-speed-only use: topology.RailWeights derives per-rail weights
// from the same speed, though internal/scheduler stripes evenly and
// does not read them.
package netdev

import (
	"context"
	"fmt"
	"sync"
)

type statsClient interface {
	CmdGetMapped(intf string) (map[string]uint32, error)
	Close()
}

// EthtoolStatsProvider reads a rail's negotiated link speed via
// ethtool.
type EthtoolStatsProvider struct {
	mu     sync.Mutex
	client statsClient
}

func newEthtoolStatsProvider(client statsClient) *EthtoolStatsProvider {
	return &EthtoolStatsProvider{client: client}
}

// SpeedMbps reports netDev's negotiated link speed in megabits per
// second, read from the ethtool settings the kernel reports for the
// interface (the "Speed" field of ETHTOOL_GSET/ETHTOOL_GLINKSETTINGS).
func (p *EthtoolStatsProvider) SpeedMbps(ctx context.Context, netDev string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	settings, err := p.client.CmdGetMapped(netDev)
	if err != nil {
		return 0, fmt.Errorf("read ethtool settings for %s: %w", netDev, err)
	}

	speed, ok := settings["Speed"]
	if !ok {
		return 0, fmt.Errorf("ethtool settings for %s: no Speed field", netDev)
	}
	return int(speed), nil
}

// Close closes the underlying ethtool client.
func (p *EthtoolStatsProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	p.client.Close()
	p.client = nil
	return nil
}

// Package endpoint implements the engine's per-thread, reference-
// counted handle onto a device: per-rail transport endpoints, the
// pending-retry deque, the bounce-buffer pool, and the communicator
// lookup table indexed by local communicator id (spec.md §2
// "Endpoint").
package endpoint

import (
	"fmt"
	"sync"

	"github.com/railfabric/ofi-rail/internal/bounce"
	"github.com/railfabric/ofi-rail/internal/deque"
	"github.com/railfabric/ofi-rail/internal/device"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/freelist"
	"github.com/railfabric/ofi-rail/internal/request"
)

// Registrant is anything the completion-dispatch path can look up by
// local communicator id. internal/comm's Comm types implement it.
type Registrant interface {
	LocalCommID() int
}

// railHandle bundles one rail's live fabric endpoint with its bounce
// pump, keyed the same way device.Rail keys its domain.
type railHandle struct {
	ep     fabric.Endpoint
	bounce *bounce.Rail
}

// Endpoint is the engine's live per-thread handle onto a Device.
type Endpoint struct {
	mu sync.Mutex

	dev   *device.Device
	rails []railHandle

	pending *deque.Deque

	comms map[int]Registrant

	bounceReqs *request.Pool
}

// Config bundles the parameters needed to stand up every rail's
// fabric endpoint and bounce pump.
type Config struct {
	Device        *device.Device
	BounceEntrySize int
	MinPosted     int
	MaxPosted     int
}

// New opens one fabric.Endpoint per device rail and wires each to a
// freshly built bounce pump. Construction acquires the device's
// endpoint reference.
func New(cfg Config) (*Endpoint, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("endpoint: Device is required")
	}

	e := &Endpoint{
		dev:        cfg.Device,
		pending:    deque.New(),
		comms:      make(map[int]Registrant),
		bounceReqs: request.NewPool(cfg.Device.NumRails() * cfg.MaxPosted),
	}

	for i := 0; i < cfg.Device.NumRails(); i++ {
		rail, err := cfg.Device.Rail(i)
		if err != nil {
			e.closeRails(i)
			return nil, err
		}
		fep, err := rail.Domain.NewEndpoint()
		if err != nil {
			e.closeRails(i)
			return nil, fmt.Errorf("endpoint: open rail %d: %w", i, err)
		}

		fl, err := freelist.New(cfg.BounceEntrySize, cfg.MaxPosted, cfg.MaxPosted, 0,
			freelist.WithRegistration(
				func(cookie any, buf []byte) (freelist.MRHandle, error) {
					return rail.Domain.RegisterMR(buf)
				},
				func(cookie any, h freelist.MRHandle) error {
					mr, _ := h.(*fabric.MR)
					return rail.Domain.DeregisterMR(mr)
				},
				nil,
			),
		)
		if err != nil {
			fep.Close()
			e.closeRails(i)
			return nil, fmt.Errorf("endpoint: build bounce freelist for rail %d: %w", i, err)
		}

		bp, err := bounce.NewRail(fep, fl, cfg.MinPosted, cfg.MaxPosted)
		if err != nil {
			fep.Close()
			e.closeRails(i)
			return nil, err
		}

		e.rails = append(e.rails, railHandle{ep: fep, bounce: bp})
	}

	cfg.Device.AcquireEndpointRef()
	return e, nil
}

func (e *Endpoint) closeRails(upTo int) {
	for i := 0; i < upTo && i < len(e.rails); i++ {
		e.rails[i].ep.Close()
	}
}

// NumRails returns the number of rails this endpoint has opened.
func (e *Endpoint) NumRails() int { return len(e.rails) }

// Rail returns the i'th rail's live fabric endpoint.
func (e *Endpoint) Rail(i int) (fabric.Endpoint, error) {
	if i < 0 || i >= len(e.rails) {
		return nil, fmt.Errorf("endpoint: rail index %d out of range [0,%d)", i, len(e.rails))
	}
	return e.rails[i].ep, nil
}

// BouncePump returns the i'th rail's bounce-buffer pump.
func (e *Endpoint) BouncePump(i int) (*bounce.Rail, error) {
	if i < 0 || i >= len(e.rails) {
		return nil, fmt.Errorf("endpoint: rail index %d out of range [0,%d)", i, len(e.rails))
	}
	return e.rails[i].bounce, nil
}

// Pending returns the endpoint's pending-retry deque.
func (e *Endpoint) Pending() *deque.Deque { return e.pending }

// BounceRequests returns the endpoint-owned freelist of BOUNCE
// requests (spec.md §3 "Requests are owned by the freelist of their
// comm (or by the endpoint's bounce-req freelist)").
func (e *Endpoint) BounceRequests() *request.Pool { return e.bounceReqs }

// Device returns the device this endpoint is attached to.
func (e *Endpoint) Device() *device.Device { return e.dev }

// RegisterComm adds c to the lookup table under its local communicator id.
func (e *Endpoint) RegisterComm(c Registrant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.comms[c.LocalCommID()] = c
}

// Comm looks up a registered communicator by local id.
func (e *Endpoint) Comm(id int) (Registrant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.comms[id]
	return c, ok
}

// UnregisterComm removes a communicator from the lookup table, per
// close()'s contract (spec.md §4.13).
func (e *Endpoint) UnregisterComm(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.comms, id)
}

// Close closes every rail's fabric endpoint and releases this
// endpoint's reference on the device. Callers must ensure every comm
// has been closed and unregistered first (spec.md §4.13).
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, r := range e.rails {
		if err := r.ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.dev.ReleaseEndpointRef()
	return firstErr
}

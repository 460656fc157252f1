package comm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/railfabric/ofi-rail/internal/endpoint"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/wire"
)

// ListenComm is the passive side of the three-way connect handshake:
// one per listen() call, it holds at most one inbound connection at a
// time and hands back a ready RecvComm once its CONN has been fully
// responded to. A second CONN arriving before Accept has taken the
// first is rejected with ErrProtocol.
type ListenComm struct {
	mu sync.Mutex

	ep  *endpoint.Endpoint
	dom fabric.Domain
	id  int
	cfg Config

	pending *RecvComm
	closed  bool
}

// Listen opens a new ListenComm on ep and returns the out-of-band
// Handle a peer needs to Connect to it.
func Listen(ep *endpoint.Endpoint, cfg Config) (*ListenComm, Handle, error) {
	dom, err := firstRailDomain(ep)
	if err != nil {
		return nil, Handle{}, err
	}
	id, err := ep.Device().AllocateCommID()
	if err != nil {
		return nil, Handle{}, err
	}
	rail0, err := ep.Rail(0)
	if err != nil {
		ep.Device().ReleaseCommID(id)
		return nil, Handle{}, err
	}

	l := &ListenComm{ep: ep, dom: dom, id: id, cfg: cfg}
	ep.RegisterComm(l)

	h := Handle{LeaderEpName: append([]byte(nil), rail0.Name()...), CommID: id}
	return l, h, nil
}

// LocalCommID implements endpoint.Registrant.
func (l *ListenComm) LocalCommID() int { return l.id }

// Accept returns the next fully-handshaked RecvComm, or (nil, nil) if
// none has finished connecting yet. Non-blocking; drivable by
// repeated calls (spec.md §4.7).
func (l *ListenComm) Accept() (*RecvComm, error) {
	if err := Progress(l.ep); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending == nil || !l.pending.connected.Load() {
		return nil, nil
	}
	rc := l.pending
	l.pending = nil
	return rc, nil
}

// handleConn is invoked by dispatch when an unsolicited CONN message
// addressed to this listen comm arrives. It builds the matching
// RecvComm, resolves every rail address the peer advertised, and
// kicks off the CONN_RESP send.
func (l *ListenComm) handleConn(msg wire.ConnMsg) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if l.pending != nil {
		return fmt.Errorf("%w: listen comm %d has an unaccepted connection pending", ErrProtocol, l.id)
	}

	rc, err := newRecvComm(l.ep, l.cfg)
	if err != nil {
		return err
	}
	rc.remoteID = int(msg.LocalCommID)
	for i := 0; i < int(msg.NumRails) && i < rc.numRails; i++ {
		rail, err := l.ep.Rail(i)
		if err != nil {
			return err
		}
		addr, err := rail.InsertAddr(msg.EpName(i))
		if err != nil {
			return fmt.Errorf("comm: insert peer addr for rail %d: %w", i, err)
		}
		rc.addrs[i] = addr
	}
	l.ep.RegisterComm(rc)

	if err := rc.sendConnResp(); err != nil && !errors.Is(err, fabric.ErrTryAgain) {
		return err
	}
	l.pending = rc
	return nil
}

// Close releases the listen comm's id. Callers must have Accepted (or
// otherwise disposed of) any connection in flight first.
func (l *ListenComm) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.ep.UnregisterComm(l.id)
	return l.ep.Device().ReleaseCommID(l.id)
}

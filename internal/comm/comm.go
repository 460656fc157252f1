// Package comm implements the three communicator kinds the engine's
// library surface operates on — listen, send and receive — the
// three-way connect handshake between them, the send/receive data
// paths (eager and rendezvous), completion dispatch, flush, and close
// (spec.md §4.7-§4.13).
package comm

import (
	"errors"
	"fmt"

	"github.com/railfabric/ofi-rail/internal/deque"
	"github.com/railfabric/ofi-rail/internal/endpoint"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/metrics"
	"github.com/railfabric/ofi-rail/internal/msgbuf"
	"github.com/railfabric/ofi-rail/internal/request"
	"github.com/railfabric/ofi-rail/internal/wire"
)

// ErrNotConnected is returned by Recv/Flush when the handshake has not
// yet reached CONNECTED. Send does not return it: an unconnected Send
// polls completions once and returns a nil request for the caller to
// retry.
var ErrNotConnected = errors.New("comm: not connected")

// ErrProtocol reports a peer message that violates the protocol (an
// out-of-order CTRL, an unknown comm id in an immediate word, and
// similar) — one of spec.md §7's non-fatal Protocol errors, surfaced
// through test() on the affected request rather than killing the
// process.
var ErrProtocol = errors.New("comm: protocol violation")

// Config bundles the parameters shared by every comm kind opened
// against one endpoint. internal/plugin fills NumRequests and
// EagerMaxSize from internal/config's tunables; SeqBits and WindowBits
// are fixed by the wire format; Metrics is an optional recorder.
type Config struct {
	// NumRequests bounds the number of in-flight SEND/RECV requests a
	// single comm may track concurrently.
	NumRequests int
	// EagerMaxSize is the largest message size sent via the eager
	// (send-with-immediate, no rendezvous) fast path.
	EagerMaxSize int
	// SeqBits is the width of the per-pair wrapping sequence number.
	SeqBits uint
	// WindowBits sizes the message sequence buffer ring; must be >=
	// SeqBits.
	WindowBits uint
	// Metrics records handshake transitions for comms opened with this
	// Config. Nil disables recording; every Recorder method is nil-safe
	// so callers never need to check Metrics themselves.
	Metrics *metrics.Recorder
}

// Handle is the out-of-band payload Listen produces and the
// connecting side feeds into Connect — typically exchanged over a
// bootstrap channel outside the engine's control.
type Handle struct {
	LeaderEpName []byte
	CommID       int
}

// handshakeIO is a small dedicated registered buffer a comm uses to
// send or receive exactly one handshake message at a time. Connect,
// Accept and the CTRL path each own one.
type handshakeIO struct {
	dom fabric.Domain
	mr  *fabric.MR
	buf []byte
}

func newHandshakeIO(dom fabric.Domain, size int) (*handshakeIO, error) {
	buf := make([]byte, size)
	mr, err := dom.RegisterMR(buf)
	if err != nil {
		return nil, fmt.Errorf("comm: register handshake buffer: %w", err)
	}
	return &handshakeIO{dom: dom, mr: mr, buf: buf}, nil
}

func (h *handshakeIO) close() error {
	if h == nil || h.mr == nil {
		return nil
	}
	return h.dom.DeregisterMR(h.mr)
}

// retryItem links a resumable action onto an endpoint's pending-retry
// deque when a Post* call returns fabric.ErrTryAgain.
type retryItem struct {
	node   deque.Node
	resume func() error
}

func (r *retryItem) DequeNode() *deque.Node { return &r.node }

// newMsgbuf builds the per-comm message sequence buffer from cfg.
func newMsgbuf(cfg Config) *msgbuf.Buffer {
	return msgbuf.New(cfg.SeqBits, cfg.WindowBits)
}

// firstRailDomain returns the fabric.Domain backing rail 0 of ep's
// device, used to register/deregister the small handshake buffers
// every comm kind keeps.
func firstRailDomain(ep *endpoint.Endpoint) (fabric.Domain, error) {
	rail, err := ep.Device().Rail(0)
	if err != nil {
		return nil, err
	}
	return rail.Domain, nil
}

// allocReq allocates and resets a request from a comm's pool, wrapping
// exhaustion in a consistent error.
func allocReq(pool *request.Pool, kind request.Kind, devID, total int) (*request.Request, error) {
	r, err := pool.Alloc()
	if err != nil {
		return nil, fmt.Errorf("comm: allocate %s request: %w", kind, err)
	}
	r.Reset(kind, devID, total)
	return r, nil
}

// registerAcrossRails registers buf against every rail domain on ep
// and mirrors it into each rail endpoint's LocalRegistrar (where
// implemented), returning one MR per rail plus the matching key array
// ready to drop into a CtrlMsg. The engine registers per call rather
// than caching a registration per application buffer.
func registerAcrossRails(ep *endpoint.Endpoint, buf []byte) ([]*fabric.MR, [wire.MaxRails]uint64, error) {
	var keys [wire.MaxRails]uint64
	mrs := make([]*fabric.MR, ep.NumRails())
	for i := 0; i < ep.NumRails(); i++ {
		rail, err := ep.Device().Rail(i)
		if err != nil {
			deregisterAcrossRails(ep, mrs[:i])
			return nil, keys, err
		}
		mr, err := rail.Domain.RegisterMR(buf)
		if err != nil {
			deregisterAcrossRails(ep, mrs[:i])
			return nil, keys, fmt.Errorf("comm: register buffer on rail %d: %w", i, err)
		}
		mrs[i] = mr
		if i < wire.MaxRails {
			keys[i] = mr.Key
		}
		if fep, ferr := ep.Rail(i); ferr == nil {
			if lr, ok := fep.(fabric.LocalRegistrar); ok {
				lr.RegisterLocal(mr, buf)
			}
		}
	}
	return mrs, keys, nil
}

// deregisterAcrossRails undoes registerAcrossRails. mrs may be shorter
// than ep's rail count (a partial registration being rolled back).
func deregisterAcrossRails(ep *endpoint.Endpoint, mrs []*fabric.MR) {
	for i, mr := range mrs {
		if mr == nil {
			continue
		}
		if rail, err := ep.Device().Rail(i); err == nil {
			rail.Domain.DeregisterMR(mr)
		}
	}
}

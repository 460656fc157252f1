// Package request implements the engine's tagged-union request type:
// the unit of work tracked from post through completion and returned
// to the library via test (spec.md §3 "Request kinds", §4.10
// Completion dispatch).
package request

import (
	"fmt"
	"sync"

	"github.com/railfabric/ofi-rail/internal/deque"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/scheduler"
	"github.com/railfabric/ofi-rail/internal/wire"
)

// Kind identifies which payload a Request carries.
type Kind int

const (
	KindSend Kind = iota
	KindRecv
	KindSendCtrl
	KindRecvSegms
	KindEagerCopy
	KindFlush
	KindSendConn
	KindRecvConn
	KindSendConnResp
	KindRecvConnResp
	KindBounce
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "SEND"
	case KindRecv:
		return "RECV"
	case KindSendCtrl:
		return "SEND_CTRL"
	case KindRecvSegms:
		return "RECV_SEGMS"
	case KindEagerCopy:
		return "EAGER_COPY"
	case KindFlush:
		return "FLUSH"
	case KindSendConn:
		return "SEND_CONN"
	case KindRecvConn:
		return "RECV_CONN"
	case KindSendConnResp:
		return "SEND_CONN_RESP"
	case KindRecvConnResp:
		return "RECV_CONN_RESP"
	case KindBounce:
		return "BOUNCE"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// State is the request lifecycle state (spec.md §3).
type State int

const (
	Created State = iota
	Pending
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Pending:
		return "PENDING"
	case Completed:
		return "COMPLETED"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// SendPayload is the kind-specific state of a SEND request. RailMRs
// holds Src registered against every rail's domain (this engine
// registers per-call rather than caching a registration per buffer),
// stashed here rather than threaded through every call because a
// rendezvous send that arrives before its CTRL must be resumed later,
// from dispatch, with no other way to recover it.
type SendPayload struct {
	Src          []byte
	RailMRs      []*fabric.MR
	RemoteAddr   uint64
	RemoteLen    uint64
	RemoteKeys   [wire.MaxRails]uint64
	Plan         scheduler.Plan
	Eager        bool
	Immediate    wire.Immediate
	NextDispatch int // index into Plan.Segments of the next segment to post
}

// RecvPayload is the kind-specific state of a RECV request. RailMRs
// mirrors SendPayload.RailMRs: Dst registered against every rail's
// domain so a rendezvous write striped across rails can land on any
// of them.
type RecvPayload struct {
	Dst       []byte
	RailMRs   []*fabric.MR
	SendCtrl  *Request
	RecvSegms *Request
	EagerCopy *Request
}

// SendCtrlPayload carries the recv comm the control message belongs
// to. Pool is the comm's own request pool, so dispatch can return this
// purely-internal subrequest once its SEND completes without needing
// to reach back into the owning comm. Dom/MR let dispatch deregister
// the one-off CTRL message buffer at the same time.
type SendCtrlPayload struct {
	RecvReq *Request
	Pool    *Pool
	Dom     fabric.Domain
	MR      *fabric.MR
}

// RecvSegmsPayload tracks arrival of a RECV's scheduled segments.
type RecvSegmsPayload struct {
	RecvReq     *Request
	ExpectedSegs int
}

// EagerCopyPayload is the local bounce-to-destination copy subrequest.
// BounceReq is the BOUNCE request the payload was read out of, kept
// around so dispatch can return its freelist entry and pool slot once
// the copy completes; Pool is the comm's own request pool.
type EagerCopyPayload struct {
	RecvReq   *Request
	BounceReq *Request
	Pool      *Pool
}

// BouncePayload is a posted unsolicited-receive buffer. Entry carries
// the owning freelist's opaque *freelist.Entry back-pointer so a
// parked eager arrival can be returned to its freelist once the
// matching recv() has copied it out.
type BouncePayload struct {
	Buf   []byte
	Rail  int
	Entry any
}

// Request is one tracked unit of work. Exactly one of the payload
// fields is populated, matching Kind. A Request is also a
// deque.Elem so it can be linked onto the pending-retry queue without
// a second allocation.
type Request struct {
	mu sync.Mutex

	node deque.Node

	DevID  int
	Kind   Kind
	state  State
	err    error
	ncompls int
	total   int
	size    int
	Seq     uint32

	Send      *SendPayload
	Recv      *RecvPayload
	SendCtrl  *SendCtrlPayload
	RecvSegms *RecvSegmsPayload
	EagerCopy *EagerCopyPayload
	Bounce    *BouncePayload
}

// DequeNode implements deque.Elem.
func (r *Request) DequeNode() *deque.Node { return &r.node }

// Reset clears a Request for reuse from a freelist, per the freelist
// entry's owning comm. total is the number of fabric completions
// required to mark the request Completed.
func (r *Request) Reset(kind Kind, devID int, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Kind = kind
	r.DevID = devID
	r.state = Created
	r.err = nil
	r.ncompls = 0
	r.total = total
	r.size = 0
	r.Seq = 0
	r.Send = nil
	r.Recv = nil
	r.SendCtrl = nil
	r.RecvSegms = nil
	r.EagerCopy = nil
	r.Bounce = nil
}

// Start transitions a CREATED request to PENDING once it has been
// posted to the fabric.
func (r *Request) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Created {
		r.state = Pending
	}
}

// IncCompletion records one fabric completion of size bytes. Once
// ncompls reaches total the request becomes Completed, unless it has
// already been moved to Error — an error state is sticky and must
// never be overwritten by a late completion racing behind it (spec.md
// §3 "A SEND completes only after 1 + schedule.segments successful
// fabric completions").
func (r *Request) IncCompletion(size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size += size
	r.ncompls++
	if r.ncompls == r.total && r.state != Error {
		r.state = Completed
	}
}

// SetTotal overrides the number of completions required to mark this
// request Completed. Used where the final segment count is not known
// at Reset time: a rendezvous RECV only learns it from the first
// REMOTE_WRITE completion's immediate data, and a rendezvous SEND
// parked awaiting its CTRL only learns its own scheduled plan once the
// CTRL arrives. Safe to call repeatedly with the same value, but must
// never be called after completions have already started accumulating
// under a different total.
func (r *Request) SetTotal(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = n
}

// Fail moves the request (and, for SEND_CTRL/RECV_SEGMS subrequests,
// its parent RECV) to ERROR. The caller is responsible for moving a
// SEND's own parent state, since SEND has no subrequest parent.
func (r *Request) Fail(err error) {
	r.mu.Lock()
	r.state = Error
	if r.err == nil {
		r.err = err
	}
	parent := r.parentLocked()
	r.mu.Unlock()

	if parent != nil {
		parent.Fail(err)
	}
}

func (r *Request) parentLocked() *Request {
	switch r.Kind {
	case KindSendCtrl:
		if r.SendCtrl != nil {
			return r.SendCtrl.RecvReq
		}
	case KindRecvSegms:
		if r.RecvSegms != nil {
			return r.RecvSegms.RecvReq
		}
	case KindEagerCopy:
		if r.EagerCopy != nil {
			return r.EagerCopy.RecvReq
		}
	}
	return nil
}

// State returns the current lifecycle state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that moved this request to ERROR, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done reports whether test() should report this request to the
// library and release it: true for both COMPLETED and ERROR.
func (r *Request) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Completed || r.state == Error
}

// Size returns the running completed-byte count reported to test().
func (r *Request) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// ErrExhausted is returned by Pool.Alloc when every request in the
// pool is in use (spec.md §3 "the inflight-request counter on each
// send/recv comm is ≤ the request-freelist cap").
var ErrExhausted = fmt.Errorf("request: pool exhausted")

// Pool is a fixed-capacity freelist of *Request, owned by one
// communicator (or, for BOUNCE requests, by an endpoint) per spec.md
// §3's ownership rules. Unlike internal/freelist, a Pool holds live Go
// objects rather than raw registered memory — requests have no
// fabric-visible representation of their own.
type Pool struct {
	mu   sync.Mutex
	all  []*Request
	free []*Request
}

// NewPool preallocates capacity requests, all initially free.
func NewPool(capacity int) *Pool {
	p := &Pool{
		all:  make([]*Request, capacity),
		free: make([]*Request, capacity),
	}
	for i := range p.all {
		p.all[i] = &Request{}
		p.free[i] = p.all[i]
	}
	return p
}

// Alloc removes one Request from the pool. The caller must call
// Reset on it before use.
func (p *Pool) Alloc() (*Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, ErrExhausted
	}
	r := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	return r, nil
}

// Release returns r to the pool.
func (p *Pool) Release(r *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, r)
}

// Cap returns the pool's fixed capacity.
func (p *Pool) Cap() int { return len(p.all) }

// InUse returns the number of requests currently allocated.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all) - len(p.free)
}

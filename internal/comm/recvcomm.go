package comm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/railfabric/ofi-rail/internal/endpoint"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/msgbuf"
	"github.com/railfabric/ofi-rail/internal/request"
	"github.com/railfabric/ofi-rail/internal/wire"
)

// flushBufSize is the width of the dedicated local buffer Flush reads
// into — never inspected, only used to force ordering.
const flushBufSize = 4

// RecvComm is the passive side of one communicator pair, born already
// mid-handshake from ListenComm.handleConn: it owns CONN_RESP
// delivery, the eager/rendezvous receive path, and the comm's own
// msgbuf (tracking eager-arrival-before-recv() and, for rendezvous,
// the REQ a REMOTE_WRITE completion must find).
type RecvComm struct {
	mu sync.Mutex

	ep       *endpoint.Endpoint
	dom      fabric.Domain
	id       int
	remoteID int
	numRails int
	addrs    []fabric.Addr

	connected atomic.Bool
	hio       *handshakeIO
	hsReq     request.Request

	msgbuf  *msgbuf.Buffer
	nextSeq uint32
	reqs    *request.Pool
	cfg     Config

	flushBuf []byte
	flushMR  *fabric.MR
	flushReq request.Request

	closed bool
}

func newRecvComm(ep *endpoint.Endpoint, cfg Config) (*RecvComm, error) {
	dom, err := firstRailDomain(ep)
	if err != nil {
		return nil, err
	}
	id, err := ep.Device().AllocateCommID()
	if err != nil {
		return nil, err
	}
	hio, err := newHandshakeIO(dom, wire.ConnMsgSize)
	if err != nil {
		ep.Device().ReleaseCommID(id)
		return nil, err
	}
	flushBuf := make([]byte, flushBufSize)
	flushMR, err := dom.RegisterMR(flushBuf)
	if err != nil {
		hio.close()
		ep.Device().ReleaseCommID(id)
		return nil, fmt.Errorf("comm: register flush buffer: %w", err)
	}

	rc := &RecvComm{
		ep:       ep,
		dom:      dom,
		id:       id,
		numRails: ep.NumRails(),
		addrs:    make([]fabric.Addr, ep.NumRails()),
		hio:      hio,
		msgbuf:   newMsgbuf(cfg),
		reqs:     request.NewPool(cfg.NumRequests),
		cfg:      cfg,
		flushBuf: flushBuf,
		flushMR:  flushMR,
	}
	return rc, nil
}

// LocalCommID implements endpoint.Registrant.
func (rc *RecvComm) LocalCommID() int { return rc.id }

// sendConnResp transmits the CONN_RESP completing the passive side of
// the handshake. Called once by ListenComm.handleConn after every
// peer rail address has been resolved.
func (rc *RecvComm) sendConnResp() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rail0, err := rc.ep.Rail(0)
	if err != nil {
		return err
	}

	msg := wire.ConnMsg{
		Type:         wire.MsgConnResp,
		LocalCommID:  uint32(rc.id),
		RemoteCommID: uint32(rc.remoteID),
		NumRails:     uint16(rc.numRails),
	}
	for i := 0; i < rc.numRails; i++ {
		rail, err := rc.ep.Rail(i)
		if err != nil {
			return err
		}
		msg.SetEpName(i, rail.Name())
	}
	copy(rc.hio.buf, msg.Encode())

	rc.hsReq.Reset(request.KindSendConnResp, rc.ep.Device().ID(), 1)
	if err := rail0.PostSend(rc.hio.buf, rc.hio.mr, rc.addrs[0], &rc.hsReq); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			item := &retryItem{}
			item.resume = func() error {
				return rail0.PostSend(rc.hio.buf, rc.hio.mr, rc.addrs[0], &rc.hsReq)
			}
			rc.ep.Pending().InsertBack(item)
			return nil
		}
		return fmt.Errorf("comm: post CONN_RESP: %w", err)
	}
	rc.hsReq.Start()
	// The passive side is connected as soon as its own CONN_RESP is
	// queued: unlike the active side it needs no further peer message
	// to proceed (spec.md §4.7's three-way handshake completes the
	// active side on CONN_RESP receipt, and the passive side on having
	// sent it).
	rc.connected.Store(true)
	rc.cfg.Metrics.RecordHandshake("connected")
	return nil
}

// Recv posts dst to receive message seq (the comm's own
// next-sequence counter), registering it against every rail's domain.
// If the matching eager payload already arrived, it is copied out of
// the parked bounce buffer immediately. Either way a CTRL advertising
// dst is sent, so a rendezvous sender can RDMA-write directly into it
// and an eager sender's sequence slot is released; the returned
// request completes asynchronously from dispatch (spec.md §4.9).
func (rc *RecvComm) Recv(dst []byte) (*request.Request, error) {
	if !rc.connected.Load() {
		return nil, ErrNotConnected
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil, fmt.Errorf("comm: recv on closed comm")
	}
	seq := rc.nextSeq
	if alias, err := rc.msgbuf.WouldAlias(seq); alias {
		rc.mu.Unlock()
		return nil, fmt.Errorf("comm: recv window exhausted: %w", err)
	}
	rc.nextSeq = (rc.nextSeq + 1) & rc.msgbuf.SeqMask()
	rc.mu.Unlock()

	mrs, keys, err := registerAcrossRails(rc.ep, dst)
	if err != nil {
		return nil, err
	}

	req, err := allocReq(rc.reqs, request.KindRecv, rc.ep.Device().ID(), 1)
	if err != nil {
		deregisterAcrossRails(rc.ep, mrs)
		return nil, err
	}
	req.Seq = seq
	req.Recv = &request.RecvPayload{Dst: dst, RailMRs: mrs}

	ptr, tag, _, found := rc.msgbuf.Retrieve(seq)
	switch {
	case found && tag == msgbuf.TagBuffer:
		bounce := ptr.(*request.Request)
		rc.msgbuf.Complete(seq)
		var err error
		if len(dst) == 0 {
			err = rc.completeZeroLengthRecv(req, bounce)
		} else {
			err = rc.completeEagerRecv(req, bounce)
		}
		if err != nil {
			return req, err
		}
		return req, rc.sendCtrl(req, keys)
	case found && tag == msgbuf.TagRequest:
		return nil, fmt.Errorf("%w: recv seq %d already has an outstanding entry", ErrProtocol, seq)
	case found:
		return nil, fmt.Errorf("%w: recv seq %d in unexpected state", ErrProtocol, seq)
	}

	if outcome, _ := rc.msgbuf.Insert(seq, req, msgbuf.TagRequest); outcome != msgbuf.Success {
		return nil, fmt.Errorf("%w: insert recv request for seq %d", ErrProtocol, seq)
	}
	if err := rc.sendCtrl(req, keys); err != nil {
		return req, err
	}
	return req, nil
}

func (rc *RecvComm) sendCtrl(req *request.Request, keys [wire.MaxRails]uint64) error {
	rail0, err := rc.ep.Rail(0)
	if err != nil {
		return err
	}

	ctrlReq, err := allocReq(rc.reqs, request.KindSendCtrl, rc.ep.Device().ID(), 1)
	if err != nil {
		return err
	}

	msg := wire.CtrlMsg{
		RemoteCommID: uint32(rc.remoteID),
		MsgSeqNum:    uint16(req.Seq),
		BuffAddr:     0, // the loopback fabric places writes at a receiver-local offset, not a real address
		BuffLen:      uint64(len(req.Recv.Dst)),
		BuffMRKeys:   keys,
	}
	buf := msg.Encode()
	mr, err := rc.dom.RegisterMR(buf)
	if err != nil {
		rc.reqs.Release(ctrlReq)
		return fmt.Errorf("comm: register CTRL buffer: %w", err)
	}
	ctrlReq.SendCtrl = &request.SendCtrlPayload{RecvReq: req, Pool: rc.reqs, Dom: rc.dom, MR: mr}

	post := func() error {
		return rail0.PostSend(buf, mr, rc.addrs[0], ctrlReq)
	}
	if err := post(); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			item := &retryItem{}
			item.resume = post
			rc.ep.Pending().InsertBack(item)
			return nil
		}
		rc.dom.DeregisterMR(mr)
		rc.reqs.Release(ctrlReq)
		return fmt.Errorf("comm: post CTRL: %w", err)
	}
	ctrlReq.Start()
	return nil
}

// completeZeroLengthRecv finishes a zero-byte eager recv without ever
// touching the bounce buffer's payload bytes: there is nothing to
// copy, so no EAGER_COPY subrequest is created and the parked bounce
// buffer is returned to its freelist immediately.
func (rc *RecvComm) completeZeroLengthRecv(req *request.Request, bounce *request.Request) error {
	if bounce.Bounce != nil {
		rail := bounce.Bounce.Rail
		if pump, err := rc.ep.BouncePump(rail); err == nil {
			pump.Consumed()
			pump.FreeEntry(bounce.Bounce.Entry)
		}
		rc.ep.BounceRequests().Release(bounce)
	}
	req.Start()
	deregisterAcrossRails(rc.ep, req.Recv.RailMRs)
	req.IncCompletion(0)
	return nil
}

// completeEagerRecv copies an already-arrived eager bounce payload
// into req's destination via a local PostRead, so the same completion
// path (KindRead) that a real RDMA-landed segment would take also
// applies to eager deliveries.
func (rc *RecvComm) completeEagerRecv(req *request.Request, bounce *request.Request) error {
	rail := bounce.Bounce.Rail
	ep, err := rc.ep.Rail(rail)
	if err != nil {
		return err
	}
	dstMR := req.Recv.RailMRs[rail]

	copyReq, err := allocReq(rc.reqs, request.KindEagerCopy, rc.ep.Device().ID(), 1)
	if err != nil {
		return err
	}
	copyReq.EagerCopy = &request.EagerCopyPayload{RecvReq: req, BounceReq: bounce, Pool: rc.reqs}
	req.Recv.EagerCopy = copyReq

	if err := ep.PostRead(req.Recv.Dst, dstMR, bounce.Bounce.Buf, nil, copyReq); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			item := &retryItem{}
			item.resume = func() error {
				return ep.PostRead(req.Recv.Dst, dstMR, bounce.Bounce.Buf, nil, copyReq)
			}
			rc.ep.Pending().InsertBack(item)
			return nil
		}
		req.Fail(err)
		deregisterAcrossRails(rc.ep, req.Recv.RailMRs)
		return err
	}
	copyReq.Start()
	return nil
}

// handleCtrl is never called on RecvComm: CTRL messages are addressed
// to the sender's comm id, not the receiver's (spec.md §4.8 — it is
// SendComm that reacts to CTRL). RecvComm instead reacts to eager
// arrivals (HasImm completions) and REMOTE_WRITE completions, both
// routed directly by dispatch via rc.msgbuf.

// handleEagerArrival is invoked by dispatch when a bounce buffer
// completes with immediate data addressed to this comm. It either
// hands the payload straight to a recv() already waiting for this
// sequence number, or parks it for a future recv() call.
func (rc *RecvComm) handleEagerArrival(seq uint32, bounceReq *request.Request) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	ptr, tag, _, found := rc.msgbuf.Retrieve(seq)
	switch {
	case found && tag == msgbuf.TagRequest:
		req := ptr.(*request.Request)
		rc.msgbuf.Complete(seq)
		if len(req.Recv.Dst) == 0 {
			return rc.completeZeroLengthRecv(req, bounceReq)
		}
		return rc.completeEagerRecv(req, bounceReq)
	case found:
		return fmt.Errorf("%w: eager arrival for seq %d arrived twice", ErrProtocol, seq)
	}
	if outcome, _ := rc.msgbuf.Insert(seq, bounceReq, msgbuf.TagBuffer); outcome != msgbuf.Success {
		return fmt.Errorf("%w: insert eager bounce for seq %d", ErrProtocol, seq)
	}
	return nil
}

// handleRemoteWrite is invoked by dispatch when a REMOTE_WRITE
// completion (an RDMA write landing with immediate data, no work
// posted by this side) arrives for seq. total is the segment count
// packed into the immediate word; n is this particular completion's
// byte count. The request tracked in the comm's own msgbuf (parked by
// Recv when it sent the matching CTRL) accumulates completions until
// every striped segment has landed.
func (rc *RecvComm) handleRemoteWrite(seq uint32, total int, n int) error {
	rc.mu.Lock()
	ptr, tag, _, found := rc.msgbuf.Retrieve(seq)
	rc.mu.Unlock()
	if !found || tag != msgbuf.TagRequest {
		return fmt.Errorf("%w: REMOTE_WRITE for unknown seq %d", ErrProtocol, seq)
	}
	req := ptr.(*request.Request)
	req.SetTotal(total)
	req.IncCompletion(n)
	if req.Done() {
		rc.mu.Lock()
		rc.msgbuf.Complete(seq)
		rc.mu.Unlock()
		deregisterAcrossRails(rc.ep, req.Recv.RailMRs)
	}
	return nil
}

// Flush issues a synthetic local read guaranteeing every prior
// RDMA write on this comm's first rail is visible before the
// returned request completes (spec.md §4.11).
func (rc *RecvComm) Flush() (*request.Request, error) {
	if !rc.connected.Load() {
		return nil, ErrNotConnected
	}
	rail, err := rc.ep.Rail(0)
	if err != nil {
		return nil, err
	}
	rc.flushReq.Reset(request.KindFlush, rc.ep.Device().ID(), 1)
	if err := rail.PostRead(rc.flushBuf, rc.flushMR, rc.flushBuf, rc.flushMR, &rc.flushReq); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			item := &retryItem{}
			item.resume = func() error {
				return rail.PostRead(rc.flushBuf, rc.flushMR, rc.flushBuf, rc.flushMR, &rc.flushReq)
			}
			rc.ep.Pending().InsertBack(item)
			return &rc.flushReq, nil
		}
		return nil, err
	}
	rc.flushReq.Start()
	return &rc.flushReq, nil
}

// CloseRecv releases the recv comm once every posted request has
// completed (spec.md §4.13).
func (rc *RecvComm) CloseRecv() error {
	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return nil
	}
	if rc.reqs.InUse() > 0 {
		rc.mu.Unlock()
		return fmt.Errorf("comm: close recv comm %d with %d requests still inflight", rc.id, rc.reqs.InUse())
	}
	rc.closed = true
	rc.mu.Unlock()

	rc.hio.close()
	rc.dom.DeregisterMR(rc.flushMR)
	rc.ep.UnregisterComm(rc.id)
	return rc.ep.Device().ReleaseCommID(rc.id)
}

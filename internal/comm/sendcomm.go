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

type sendState int

const (
	sendStart sendState = iota
	sendConnSent
	sendConnected
)

// SendComm is the connecting side of a communicator pair: it owns the
// handshake state machine up to CONNECTED, the per-message send path
// (eager and rendezvous), and the request pool backing inflight sends.
type SendComm struct {
	mu sync.Mutex

	ep       *endpoint.Endpoint
	dom      fabric.Domain
	id       int
	remoteID int
	numRails int
	addrs    []fabric.Addr

	connected atomic.Bool
	state     sendState
	hio       *handshakeIO
	hsReq     request.Request

	msgbuf  *msgbuf.Buffer
	nextSeq uint32
	reqs    *request.Pool
	cfg     Config

	closed bool
}

func newSendComm(ep *endpoint.Endpoint, cfg Config) (*SendComm, error) {
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

	sc := &SendComm{
		ep:       ep,
		dom:      dom,
		id:       id,
		numRails: ep.NumRails(),
		addrs:    make([]fabric.Addr, ep.NumRails()),
		hio:      hio,
		msgbuf:   newMsgbuf(cfg),
		reqs:     request.NewPool(cfg.NumRequests),
		cfg:      cfg,
	}
	ep.RegisterComm(sc)
	return sc, nil
}

// LocalCommID implements endpoint.Registrant.
func (sc *SendComm) LocalCommID() int { return sc.id }

// Connect drives the connecting side of the handshake. On first call
// (sc == nil) it opens a new SendComm and resolves the listener's rail
//0 address from h; on every call it progresses the endpoint and
// reports whether the handshake has reached CONNECTED. Non-blocking;
// drivable by repeated calls with the same sc until connected is true
// (spec.md §4.7).
func Connect(ep *endpoint.Endpoint, h Handle, cfg Config, sc *SendComm) (*SendComm, bool, error) {
	if sc == nil {
		created, err := newSendComm(ep, cfg)
		if err != nil {
			return nil, false, err
		}
		rail0, err := ep.Rail(0)
		if err != nil {
			return created, false, err
		}
		addr0, err := rail0.InsertAddr(h.LeaderEpName)
		if err != nil {
			return created, false, fmt.Errorf("comm: insert listener addr: %w", err)
		}
		created.mu.Lock()
		created.addrs[0] = addr0
		created.remoteID = h.CommID
		created.mu.Unlock()
		sc = created
	}

	if sc.connected.Load() {
		return sc, true, nil
	}
	if err := Progress(ep); err != nil {
		return sc, false, err
	}
	if err := sc.progressHandshake(); err != nil {
		return sc, false, err
	}
	return sc, sc.connected.Load(), nil
}

// progressHandshake posts the CONN message once; subsequent progress
// toward CONNECTED happens entirely through dispatch reacting to the
// SEND completion and the eventual CONN_RESP arrival.
func (sc *SendComm) progressHandshake() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.state != sendStart {
		return nil
	}

	rail0, err := sc.ep.Rail(0)
	if err != nil {
		return err
	}

	msg := wire.ConnMsg{
		Type:         wire.MsgConn,
		LocalCommID:  uint32(sc.id),
		RemoteCommID: uint32(sc.remoteID),
		NumRails:     uint16(sc.numRails),
	}
	for i := 0; i < sc.numRails; i++ {
		rail, err := sc.ep.Rail(i)
		if err != nil {
			return err
		}
		msg.SetEpName(i, rail.Name())
	}
	copy(sc.hio.buf, msg.Encode())

	sc.hsReq.Reset(request.KindSendConn, sc.ep.Device().ID(), 1)
	if err := rail0.PostSend(sc.hio.buf, sc.hio.mr, sc.addrs[0], &sc.hsReq); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			return nil
		}
		return fmt.Errorf("comm: post CONN: %w", err)
	}
	sc.hsReq.Start()
	sc.state = sendConnSent
	sc.cfg.Metrics.RecordHandshake("conn_sent")
	return nil
}

// handleConnResp is invoked by dispatch when the CONN_RESP matching
// this send comm arrives: it resolves the listener's remaining rail
// addresses and flips the comm to CONNECTED.
func (sc *SendComm) handleConnResp(msg wire.ConnMsg) error {
	sc.mu.Lock()
	sc.remoteID = int(msg.LocalCommID)
	for i := 1; i < int(msg.NumRails) && i < sc.numRails; i++ {
		rail, err := sc.ep.Rail(i)
		if err != nil {
			sc.mu.Unlock()
			return err
		}
		addr, err := rail.InsertAddr(msg.EpName(i))
		if err != nil {
			sc.mu.Unlock()
			return fmt.Errorf("comm: insert peer addr for rail %d: %w", i, err)
		}
		sc.addrs[i] = addr
	}
	sc.state = sendConnected
	sc.mu.Unlock()

	// connected is read without holding sc.mu by Send/Connect/Accept;
	// Store provides the release this needs against the rail address
	// writes above.
	sc.connected.Store(true)
	sc.cfg.Metrics.RecordHandshake("connected")
	return nil
}

// Send posts message seq (the comm's own next-sequence counter) of
// data, registering it against every rail's domain itself. It never
// blocks: a rendezvous message whose CTRL has not yet arrived is
// parked and returned as a not-yet-started request that dispatch
// completes later (spec.md §4.8).
func (sc *SendComm) Send(data []byte) (*request.Request, error) {
	if !sc.connected.Load() {
		// The handshake may still be in flight (spec.md §4.8 step 2):
		// poll completions once and, if CONN_RESP still hasn't landed,
		// tell the caller to retry rather than failing the send.
		if err := Progress(sc.ep); err != nil {
			return nil, err
		}
		if !sc.connected.Load() {
			return nil, nil
		}
	}

	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil, fmt.Errorf("comm: send on closed comm")
	}
	seq := sc.nextSeq
	if alias, err := sc.msgbuf.WouldAlias(seq); alias {
		sc.mu.Unlock()
		return nil, fmt.Errorf("comm: send window exhausted: %w", err)
	}
	sc.nextSeq = (sc.nextSeq + 1) & sc.msgbuf.SeqMask()
	sc.mu.Unlock()

	mrs, _, err := registerAcrossRails(sc.ep, data)
	if err != nil {
		return nil, err
	}

	req, err := allocReq(sc.reqs, request.KindSend, sc.ep.Device().ID(), 1)
	if err != nil {
		deregisterAcrossRails(sc.ep, mrs)
		return nil, err
	}
	req.Seq = seq
	eager := len(data) <= sc.cfg.EagerMaxSize
	req.Send = &request.SendPayload{Src: data, RailMRs: mrs, Eager: eager}

	// Every send, eager or rendezvous, occupies this seq's slot in the
	// comm's own msgbuf: a CTRL always arrives eventually (recv() sends
	// one unconditionally, since it cannot know ahead of time whether
	// the matching send will turn out to be eager), and the slot must
	// be freed by whichever side sees it second or the sequence ring
	// would alias on wraparound.
	ptr, tag, _, found := sc.msgbuf.Retrieve(seq)
	if found && tag == msgbuf.TagBuffer {
		ctrl := ptr.(*wire.CtrlMsg)
		sc.msgbuf.Complete(seq)
		if eager {
			return req, sc.postEager(req, data)
		}
		return req, sc.beginRendezvous(req, data, *ctrl)
	}
	if found {
		return nil, fmt.Errorf("%w: send seq %d already has an outstanding entry", ErrProtocol, seq)
	}
	if outcome, _ := sc.msgbuf.Insert(seq, req, msgbuf.TagRequest); outcome != msgbuf.Success {
		return nil, fmt.Errorf("%w: insert send request for seq %d", ErrProtocol, seq)
	}
	if eager {
		// Post immediately; the slot stays parked until the CTRL that
		// will eventually arrive for it is discarded by handleCtrl.
		return req, sc.postEager(req, data)
	}
	// Parked: no CTRL yet. req stays CREATED until dispatch's CTRL
	// handler calls beginRendezvous on it.
	return req, nil
}

func (sc *SendComm) postEager(req *request.Request, data []byte) error {
	plan := sc.ep.Device().Scheduler().Schedule(len(data))
	if plan.NumSegments != 1 {
		err := fmt.Errorf("comm: eager message of %d bytes does not fit one segment (check eager max vs round-robin threshold)", len(data))
		req.Fail(err)
		deregisterAcrossRails(sc.ep, req.Send.RailMRs)
		return err
	}
	seg := plan.Segments[0]
	rail, err := sc.ep.Rail(seg.Rail)
	if err != nil {
		req.Fail(err)
		deregisterAcrossRails(sc.ep, req.Send.RailMRs)
		return err
	}
	imm := wire.EncodeImmediate(uint32(sc.remoteID), req.Seq, 1)
	req.Send.Plan = plan
	req.Start()
	mr := req.Send.RailMRs[seg.Rail]

	if err := rail.PostSendImm(data, mr, sc.addrs[seg.Rail], uint32(imm), req); err != nil {
		if errors.Is(err, fabric.ErrTryAgain) {
			item := &retryItem{}
			item.resume = func() error {
				return rail.PostSendImm(data, mr, sc.addrs[seg.Rail], uint32(imm), req)
			}
			sc.ep.Pending().InsertBack(item)
			return nil
		}
		req.Fail(err)
		deregisterAcrossRails(sc.ep, req.Send.RailMRs)
		return err
	}
	return nil
}

// beginRendezvous is called once a CTRL for req's sequence number is
// known, whether it arrived before Send (the TagBuffer case above) or
// after (dispatch's CTRL handler, for a parked request).
func (sc *SendComm) beginRendezvous(req *request.Request, data []byte, ctrl wire.CtrlMsg) error {
	if uint64(len(data)) > ctrl.BuffLen {
		err := fmt.Errorf("%w: message of %d bytes exceeds advertised buffer of %d bytes", ErrProtocol, len(data), ctrl.BuffLen)
		req.Start()
		req.Fail(err)
		deregisterAcrossRails(sc.ep, req.Send.RailMRs)
		return err
	}

	plan := sc.ep.Device().Scheduler().Schedule(len(data))
	req.SetTotal(plan.NumSegments)
	req.Send.Plan = plan
	req.Send.RemoteAddr = ctrl.BuffAddr
	req.Send.RemoteLen = ctrl.BuffLen
	req.Send.RemoteKeys = ctrl.BuffMRKeys
	req.Send.NextDispatch = 0
	req.Start()

	return sc.postSendSegments(req, data)
}

func (sc *SendComm) postSendSegments(req *request.Request, data []byte) error {
	plan := req.Send.Plan
	imm := wire.EncodeImmediate(uint32(sc.remoteID), req.Seq, uint32(plan.NumSegments))

	for req.Send.NextDispatch < len(plan.Segments) {
		seg := plan.Segments[req.Send.NextDispatch]
		rail, err := sc.ep.Rail(seg.Rail)
		if err != nil {
			req.Fail(err)
			deregisterAcrossRails(sc.ep, req.Send.RailMRs)
			return err
		}
		dstOff := req.Send.RemoteAddr + uint64(seg.Offset)
		key := req.Send.RemoteKeys[seg.Rail]
		mr := req.Send.RailMRs[seg.Rail]

		err = rail.PostWriteImm(data[seg.Offset:seg.Offset+seg.Size], mr, sc.addrs[seg.Rail], key, dstOff, uint32(imm), req)
		if err != nil {
			if errors.Is(err, fabric.ErrTryAgain) {
				item := &retryItem{}
				item.resume = func() error { return sc.postSendSegments(req, data) }
				sc.ep.Pending().InsertBack(item)
				return nil
			}
			req.Fail(err)
			deregisterAcrossRails(sc.ep, req.Send.RailMRs)
			return err
		}
		req.Send.NextDispatch++
	}
	return nil
}

// handleCtrl is invoked by dispatch when a CTRL message addressed to
// this send comm arrives. If the matching send() call already parked
// a request waiting for this exact CTRL, it resumes it as a
// rendezvous send; otherwise it parks the CTRL itself for a send()
// that has not been called yet (spec.md §4.8's ctrl-before-send race).
func (sc *SendComm) handleCtrl(msg wire.CtrlMsg) error {
	seq := uint32(msg.MsgSeqNum)
	ptr, tag, _, found := sc.msgbuf.Retrieve(seq)
	if found && tag == msgbuf.TagRequest {
		req := ptr.(*request.Request)
		sc.msgbuf.Complete(seq)
		if req.Send.Eager {
			// send() already posted this one eagerly before the CTRL
			// showed up; the CTRL has nothing left to trigger.
			return nil
		}
		return sc.beginRendezvous(req, req.Send.Src, msg)
	}
	if found {
		return fmt.Errorf("%w: CTRL for seq %d arrived twice", ErrProtocol, seq)
	}
	ctrl := msg
	if outcome, _ := sc.msgbuf.Insert(seq, &ctrl, msgbuf.TagBuffer); outcome != msgbuf.Success {
		return fmt.Errorf("%w: insert CTRL for seq %d", ErrProtocol, seq)
	}
	return nil
}

// CloseSend releases the send comm once every posted request has
// completed (spec.md §4.13). Callers must stop calling Send first.
func (sc *SendComm) CloseSend() error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	if sc.reqs.InUse() > 0 {
		sc.mu.Unlock()
		return fmt.Errorf("comm: close send comm %d with %d requests still inflight", sc.id, sc.reqs.InUse())
	}
	sc.closed = true
	sc.mu.Unlock()

	sc.hio.close()
	sc.ep.UnregisterComm(sc.id)
	return sc.ep.Device().ReleaseCommID(sc.id)
}

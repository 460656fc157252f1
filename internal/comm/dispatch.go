package comm

import (
	"log/slog"

	"github.com/railfabric/ofi-rail/internal/endpoint"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/freelist"
	"github.com/railfabric/ofi-rail/internal/request"
	"github.com/railfabric/ofi-rail/internal/wire"
)

// defaultCQReadCount bounds how many completions a single Progress
// call drains from one rail's CQ when no Config is in scope (Progress
// is shared by every comm kind and several callers, e.g. ListenComm.Accept,
// reach it before any comm-specific Config would apply).
const defaultCQReadCount = 64

// Progress is the engine's single completion-dispatch entry point
// (spec.md §4.10): it drains every rail's CQ, routes each completion
// to the comm it belongs to, tops up bounce buffers, and retries
// anything parked on the endpoint's pending-retry deque. Every comm
// operation (Connect, Accept, Send, Recv, Flush, test) calls this
// before inspecting its own state, so the caller never needs a
// separate background poller.
func Progress(ep *endpoint.Endpoint) error {
	for rail := 0; rail < ep.NumRails(); rail++ {
		if err := progressRail(ep, rail); err != nil {
			return err
		}
	}
	drainPending(ep)
	return nil
}

func progressRail(ep *endpoint.Endpoint, rail int) error {
	fep, err := ep.Rail(rail)
	if err != nil {
		return err
	}
	entries, err := fep.CQ().Read(defaultCQReadCount)
	if err != nil {
		return err
	}
	for _, e := range entries {
		dispatchOne(ep, rail, e)
	}

	pump, err := ep.BouncePump(rail)
	if err != nil {
		return err
	}
	if _, err := pump.Refill(bounceCtxBuilder(ep, rail)); err != nil {
		slog.Default().Warn("comm: bounce refill failed", "rail", rail, "err", err)
	}
	return nil
}

// bounceCtxBuilder returns the constructor bounce.Rail.Refill uses to
// build each posted receive's request context: a pool-owned BOUNCE
// request remembering which rail and freelist entry it came from.
func bounceCtxBuilder(ep *endpoint.Endpoint, rail int) func([]byte, *freelist.Entry) any {
	return func(buf []byte, entry *freelist.Entry) any {
		req, err := ep.BounceRequests().Alloc()
		if err != nil {
			slog.Default().Warn("comm: bounce request pool exhausted", "rail", rail)
			return nil
		}
		req.Reset(request.KindBounce, ep.Device().ID(), 1)
		req.Bounce = &request.BouncePayload{Buf: buf, Rail: rail, Entry: entry}
		return req
	}
}

func dispatchOne(ep *endpoint.Endpoint, rail int, e fabric.CompletionEntry) {
	if e.Err != nil {
		dispatchError(ep, e)
		return
	}
	switch e.Kind {
	case fabric.KindSend:
		dispatchSend(ep, e)
	case fabric.KindRecv:
		dispatchRecv(ep, rail, e)
	case fabric.KindRemoteWrite:
		dispatchRemoteWrite(ep, e)
	case fabric.KindWrite:
		dispatchWrite(ep, e)
	case fabric.KindRead:
		dispatchRead(ep, e)
	}
}

func dispatchError(ep *endpoint.Endpoint, e fabric.CompletionEntry) {
	if req, ok := e.Context.(*request.Request); ok && req != nil {
		req.Fail(e.Err)
		return
	}
	slog.Default().Error("comm: fabric completion error with no request context", "err", e.Err)
}

func dispatchSend(ep *endpoint.Endpoint, e fabric.CompletionEntry) {
	req, ok := e.Context.(*request.Request)
	if !ok || req == nil {
		return
	}
	switch req.Kind {
	case request.KindSendConn, request.KindSendConnResp:
		// Nothing further to do: the active side waits for CONN_RESP,
		// the passive side is already marked connected.
	case request.KindSend:
		req.IncCompletion(e.Len)
		if req.Done() {
			deregisterAcrossRails(ep, req.Send.RailMRs)
		}
	case request.KindSendCtrl:
		req.IncCompletion(e.Len)
		if req.Done() && req.SendCtrl != nil {
			if req.SendCtrl.Dom != nil && req.SendCtrl.MR != nil {
				req.SendCtrl.Dom.DeregisterMR(req.SendCtrl.MR)
			}
			if req.SendCtrl.Pool != nil {
				req.SendCtrl.Pool.Release(req)
			}
		}
	}
}

func dispatchRecv(ep *endpoint.Endpoint, rail int, e fabric.CompletionEntry) {
	bounceReq, ok := e.Context.(*request.Request)
	if !ok || bounceReq == nil || bounceReq.Bounce == nil {
		return
	}
	bounceReq.Bounce.Buf = bounceReq.Bounce.Buf[:e.Len]

	if e.HasImm {
		dispatchEagerArrival(ep, bounceReq, wire.Immediate(e.Immediate))
		return
	}
	dispatchUnsolicited(ep, rail, bounceReq)
}

func dispatchEagerArrival(ep *endpoint.Endpoint, bounceReq *request.Request, imm wire.Immediate) {
	reg, ok := ep.Comm(int(imm.CommID()))
	if !ok {
		slog.Default().Warn("comm: eager arrival for unknown comm id", "comm_id", imm.CommID())
		return
	}
	rc, ok := reg.(*RecvComm)
	if !ok {
		slog.Default().Warn("comm: eager arrival addressed to non-recv comm", "comm_id", imm.CommID())
		return
	}
	if err := rc.handleEagerArrival(imm.Seq(), bounceReq); err != nil {
		slog.Default().Warn("comm: eager arrival protocol error", "err", err)
	}
}

func dispatchUnsolicited(ep *endpoint.Endpoint, rail int, bounceReq *request.Request) {
	defer releaseBounce(ep, rail, bounceReq)

	typ, err := wire.PeekType(bounceReq.Bounce.Buf)
	if err != nil {
		slog.Default().Warn("comm: unsolicited message too short to carry a type", "err", err)
		return
	}

	switch typ {
	case wire.MsgConn:
		msg, err := wire.DecodeConnMsg(bounceReq.Bounce.Buf)
		if err != nil {
			slog.Default().Warn("comm: decode CONN", "err", err)
			return
		}
		reg, ok := ep.Comm(int(msg.RemoteCommID))
		if !ok {
			slog.Default().Warn("comm: CONN for unknown listen comm", "comm_id", msg.RemoteCommID)
			return
		}
		lc, ok := reg.(*ListenComm)
		if !ok {
			slog.Default().Warn("comm: CONN addressed to non-listen comm", "comm_id", msg.RemoteCommID)
			return
		}
		if err := lc.handleConn(msg); err != nil {
			slog.Default().Warn("comm: handle CONN", "err", err)
		}
	case wire.MsgConnResp:
		msg, err := wire.DecodeConnMsg(bounceReq.Bounce.Buf)
		if err != nil {
			slog.Default().Warn("comm: decode CONN_RESP", "err", err)
			return
		}
		reg, ok := ep.Comm(int(msg.RemoteCommID))
		if !ok {
			slog.Default().Warn("comm: CONN_RESP for unknown send comm", "comm_id", msg.RemoteCommID)
			return
		}
		sc, ok := reg.(*SendComm)
		if !ok {
			slog.Default().Warn("comm: CONN_RESP addressed to non-send comm", "comm_id", msg.RemoteCommID)
			return
		}
		if err := sc.handleConnResp(msg); err != nil {
			slog.Default().Warn("comm: handle CONN_RESP", "err", err)
		}
	case wire.MsgCtrl:
		msg, err := wire.DecodeCtrlMsg(bounceReq.Bounce.Buf)
		if err != nil {
			slog.Default().Warn("comm: decode CTRL", "err", err)
			return
		}
		reg, ok := ep.Comm(int(msg.RemoteCommID))
		if !ok {
			slog.Default().Warn("comm: CTRL for unknown send comm", "comm_id", msg.RemoteCommID)
			return
		}
		sc, ok := reg.(*SendComm)
		if !ok {
			slog.Default().Warn("comm: CTRL addressed to non-send comm", "comm_id", msg.RemoteCommID)
			return
		}
		if err := sc.handleCtrl(msg); err != nil {
			slog.Default().Warn("comm: handle CTRL", "err", err)
		}
	default:
		slog.Default().Warn("comm: unsolicited message of unknown type", "type", typ)
	}
}

// releaseBounce returns a fully-consumed unsolicited bounce buffer
// (handshake or CTRL — never an eager payload, which stays parked
// until recv() reads it) to its rail's pump and request pool.
func releaseBounce(ep *endpoint.Endpoint, rail int, bounceReq *request.Request) {
	if pump, err := ep.BouncePump(rail); err == nil {
		pump.Consumed()
		pump.FreeEntry(bounceReq.Bounce.Entry)
	}
	ep.BounceRequests().Release(bounceReq)
}

func dispatchRemoteWrite(ep *endpoint.Endpoint, e fabric.CompletionEntry) {
	imm := wire.Immediate(e.Immediate)
	reg, ok := ep.Comm(int(imm.CommID()))
	if !ok {
		slog.Default().Warn("comm: REMOTE_WRITE for unknown comm id", "comm_id", imm.CommID())
		return
	}
	rc, ok := reg.(*RecvComm)
	if !ok {
		slog.Default().Warn("comm: REMOTE_WRITE addressed to non-recv comm", "comm_id", imm.CommID())
		return
	}
	if err := rc.handleRemoteWrite(imm.Seq(), int(imm.Segments()), e.Len); err != nil {
		slog.Default().Warn("comm: handle REMOTE_WRITE", "err", err)
	}
}

func dispatchWrite(ep *endpoint.Endpoint, e fabric.CompletionEntry) {
	req, ok := e.Context.(*request.Request)
	if !ok || req == nil {
		return
	}
	req.IncCompletion(e.Len)
	if req.Done() && req.Send != nil {
		deregisterAcrossRails(ep, req.Send.RailMRs)
	}
}

func dispatchRead(ep *endpoint.Endpoint, e fabric.CompletionEntry) {
	req, ok := e.Context.(*request.Request)
	if !ok || req == nil {
		return
	}
	switch req.Kind {
	case request.KindFlush:
		req.IncCompletion(e.Len)
	case request.KindEagerCopy:
		req.IncCompletion(e.Len)
		if req.EagerCopy == nil {
			return
		}
		if parent := req.EagerCopy.RecvReq; parent != nil {
			parent.IncCompletion(e.Len)
			if parent.Done() && parent.Recv != nil {
				deregisterAcrossRails(ep, parent.Recv.RailMRs)
			}
		}
		if bounceReq := req.EagerCopy.BounceReq; bounceReq != nil && bounceReq.Bounce != nil {
			rail := bounceReq.Bounce.Rail
			if pump, err := ep.BouncePump(rail); err == nil {
				pump.Consumed()
				pump.FreeEntry(bounceReq.Bounce.Entry)
			}
			ep.BounceRequests().Release(bounceReq)
		}
		if req.Done() && req.EagerCopy.Pool != nil {
			req.EagerCopy.Pool.Release(req)
		}
	}
}

// drainPending resumes every action parked on the endpoint's
// pending-retry deque, bounded to one pass over however many entries
// were queued when this call started: a resume that re-parks itself
// (another fabric.ErrTryAgain) must not be retried again within the
// same Progress call.
func drainPending(ep *endpoint.Endpoint) {
	n := ep.Pending().Len()
	for i := 0; i < n; i++ {
		elem := ep.Pending().RemoveFront()
		if elem == nil {
			return
		}
		item, ok := elem.(*retryItem)
		if !ok || item.resume == nil {
			continue
		}
		if err := item.resume(); err != nil {
			slog.Default().Warn("comm: retry failed", "err", err)
		}
	}
}

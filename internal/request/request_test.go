package request

import (
	"errors"
	"testing"
)

func TestResetStartCompleteLifecycle(t *testing.T) {
	t.Parallel()

	var r Request
	r.Reset(KindSend, 0, 2)
	if r.State() != Created {
		t.Fatalf("State() = %v, want Created", r.State())
	}

	r.Start()
	if r.State() != Pending {
		t.Fatalf("State() = %v, want Pending", r.State())
	}

	r.IncCompletion(100)
	if r.Done() {
		t.Fatalf("Done() = true after 1/2 completions")
	}
	r.IncCompletion(50)
	if !r.Done() {
		t.Fatalf("Done() = false after 2/2 completions")
	}
	if r.State() != Completed {
		t.Fatalf("State() = %v, want Completed", r.State())
	}
	if r.Size() != 150 {
		t.Fatalf("Size() = %d, want 150", r.Size())
	}
}

func TestFailIsStickyAgainstLateCompletion(t *testing.T) {
	t.Parallel()

	var r Request
	r.Reset(KindSend, 0, 2)
	r.Start()

	wantErr := errors.New("fabric remote error")
	r.Fail(wantErr)
	if r.State() != Error {
		t.Fatalf("State() = %v, want Error", r.State())
	}

	// A completion that arrives after the failure must not resurrect
	// the request into COMPLETED.
	r.IncCompletion(10)
	r.IncCompletion(10)
	if r.State() != Error {
		t.Fatalf("State() = %v after late completions, want Error to stick", r.State())
	}
	if !errors.Is(r.Err(), wantErr) {
		t.Fatalf("Err() = %v, want %v", r.Err(), wantErr)
	}
}

func TestFailPropagatesToRecvParentFromSubrequests(t *testing.T) {
	t.Parallel()

	var recvReq Request
	recvReq.Reset(KindRecv, 0, 2)
	recvReq.Start()

	var ctrlReq Request
	ctrlReq.Reset(KindSendCtrl, 0, 1)
	ctrlReq.SendCtrl = &SendCtrlPayload{RecvReq: &recvReq}
	ctrlReq.Start()

	ctrlReq.Fail(errors.New("ctrl send failed"))

	if ctrlReq.State() != Error {
		t.Fatalf("ctrlReq.State() = %v, want Error", ctrlReq.State())
	}
	if recvReq.State() != Error {
		t.Fatalf("recvReq.State() = %v, want Error (propagated from SEND_CTRL subrequest)", recvReq.State())
	}
}

func TestPoolAllocReleaseConservesCapacity(t *testing.T) {
	t.Parallel()

	p := NewPool(2)
	a, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := p.Alloc(); !errors.Is(err, ErrExhausted) {
		t.Fatalf("Alloc() on exhausted pool = %v, want ErrExhausted", err)
	}

	p.Release(a)
	if p.InUse() != 1 {
		t.Fatalf("InUse() = %d, want 1", p.InUse())
	}
	c, err := p.Alloc()
	if err != nil {
		t.Fatalf("Alloc after release: %v", err)
	}
	if c != a {
		t.Fatalf("Alloc did not reuse released request")
	}
	p.Release(b)
	p.Release(c)
	if p.InUse() != 0 {
		t.Fatalf("InUse() = %d, want 0", p.InUse())
	}
}

func TestResetClearsPreviousPayload(t *testing.T) {
	t.Parallel()

	var r Request
	r.Reset(KindRecv, 0, 1)
	r.Recv = &RecvPayload{Dst: []byte("stale")}

	r.Reset(KindSend, 1, 1)
	if r.Recv != nil {
		t.Fatalf("Recv payload not cleared after Reset to a different kind")
	}
	if r.Kind != KindSend || r.DevID != 1 {
		t.Fatalf("Reset did not apply new kind/devID: %+v", r)
	}
}

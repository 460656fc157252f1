package msgbuf

import "testing"

func TestInsertRetrieveComplete(t *testing.T) {
	t.Parallel()

	b := New(10, 10)
	const seq = 42

	outcome, _ := b.Insert(seq, "req-ptr", TagRequest)
	if outcome != Success {
		t.Fatalf("Insert() = %v, want Success", outcome)
	}

	ptr, tag, status, found := b.Retrieve(seq)
	if !found || status != InProgress || tag != TagRequest || ptr != "req-ptr" {
		t.Fatalf("Retrieve() = (%v,%v,%v,%v)", ptr, tag, status, found)
	}

	if outcome, status := b.Complete(seq); outcome != Success || status != Completed {
		t.Fatalf("Complete() = (%v,%v), want (Success,Completed)", outcome, status)
	}

	_, _, status, found = b.Retrieve(seq)
	if found {
		t.Fatalf("Retrieve() after Complete reported found=true (want not-found sentinel)")
	}
	_ = status
}

func TestDoubleInsertIsInvalid(t *testing.T) {
	t.Parallel()

	b := New(10, 10)
	if outcome, _ := b.Insert(1, "a", TagRequest); outcome != Success {
		t.Fatalf("first Insert() = %v, want Success", outcome)
	}
	outcome, status := b.Insert(1, "b", TagBuffer)
	if outcome != InvalidIdx {
		t.Fatalf("second Insert() = %v, want InvalidIdx", outcome)
	}
	if status != InProgress {
		t.Fatalf("second Insert() reported status %v, want InProgress", status)
	}
}

func TestRaceBetweenCtrlAndSend(t *testing.T) {
	t.Parallel()

	// Scenario E: a CTRL (BUF) arrives before the local send call,
	// which must then Replace it with the outgoing SEND request.
	b := New(10, 10)
	const seq = 7

	if outcome, _ := b.Insert(seq, "ctrl-payload", TagBuffer); outcome != Success {
		t.Fatalf("Insert(BUF) = %v, want Success", outcome)
	}

	ptr, tag, _, found := b.Retrieve(seq)
	if !found || tag != TagBuffer || ptr != "ctrl-payload" {
		t.Fatalf("Retrieve() = (%v,%v,%v)", ptr, tag, found)
	}

	if outcome, _ := b.Replace(seq, "send-req", TagRequest); outcome != Success {
		t.Fatalf("Replace() = %v, want Success", outcome)
	}
	ptr, tag, _, _ = b.Retrieve(seq)
	if tag != TagRequest || ptr != "send-req" {
		t.Fatalf("Retrieve() after Replace = (%v,%v)", ptr, tag)
	}
}

func TestReplaceRequiresInProgress(t *testing.T) {
	t.Parallel()

	b := New(10, 10)
	if outcome, _ := b.Replace(3, "x", TagRequest); outcome != InvalidIdx {
		t.Fatalf("Replace() on NotStarted slot = %v, want InvalidIdx", outcome)
	}
}

func TestSequenceWraps(t *testing.T) {
	t.Parallel()

	b := New(2, 2) // 4-slot ring, sequence space [0,4)
	const wrapped = 4 + 1 // aliases slot 1

	if outcome, _ := b.Insert(1, "first", TagRequest); outcome != Success {
		t.Fatalf("Insert(1) = %v", outcome)
	}
	if outcome, status := b.Insert(wrapped, "second", TagRequest); outcome != InvalidIdx || status != InProgress {
		t.Fatalf("Insert(wrapped) while slot 1 still in flight = (%v,%v), want (InvalidIdx,InProgress)", outcome, status)
	}
	if _, err := b.WouldAlias(1); err == nil {
		t.Fatalf("WouldAlias(1) = nil error while slot is InProgress, want error")
	}

	if outcome, _ := b.Complete(1); outcome != Success {
		t.Fatalf("Complete(1) = %v", outcome)
	}
	if outcome, _ := b.Insert(wrapped, "second", TagRequest); outcome != Success {
		t.Fatalf("Insert(wrapped) after Complete(1) = %v, want Success", outcome)
	}
}

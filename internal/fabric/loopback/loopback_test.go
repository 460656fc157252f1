package loopback

import (
	"testing"
	"time"

	"github.com/railfabric/ofi-rail/internal/fabric"
)

func waitForCompletion(t *testing.T, cq fabric.CQ, want int) []fabric.CompletionEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var got []fabric.CompletionEntry
	for time.Now().Before(deadline) {
		entries, err := cq.Read(16)
		if err != nil {
			t.Fatalf("CQ.Read: %v", err)
		}
		got = append(got, entries...)
		if len(got) >= want {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completions, got %d", want, len(got))
	return nil
}

func TestSendRecvRoundTrip(t *testing.T) {
	t.Parallel()

	domA := NewDomain()
	domB := NewDomain()
	epA, err := domA.NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint A: %v", err)
	}
	defer epA.Close()
	epB, err := domB.NewEndpoint()
	if err != nil {
		t.Fatalf("NewEndpoint B: %v", err)
	}
	defer epB.Close()

	addrA, err := epB.InsertAddr(epA.Name())
	if err != nil {
		t.Fatalf("InsertAddr: %v", err)
	}

	recvBuf := make([]byte, 32)
	if err := epA.PostRecv(recvBuf, nil, "recv-ctx"); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	payload := []byte("hello-rail")
	if err := epB.PostSend(payload, nil, addrA, nil); err != nil {
		t.Fatalf("PostSend: %v", err)
	}

	recvEntries := waitForCompletion(t, epA.CQ(), 1)
	if recvEntries[0].Kind != fabric.KindRecv {
		t.Fatalf("completion kind = %v, want KindRecv", recvEntries[0].Kind)
	}
	if string(recvBuf[:recvEntries[0].Len]) != "hello-rail" {
		t.Fatalf("recv buf = %q, want %q", recvBuf[:recvEntries[0].Len], "hello-rail")
	}

	sendEntries := waitForCompletion(t, epB.CQ(), 1)
	if sendEntries[0].Kind != fabric.KindSend {
		t.Fatalf("completion kind = %v, want KindSend", sendEntries[0].Kind)
	}
}

func TestSendArrivesBeforeRecvIsBacklogged(t *testing.T) {
	t.Parallel()

	domA := NewDomain()
	domB := NewDomain()
	epA, _ := domA.NewEndpoint()
	defer epA.Close()
	epB, _ := domB.NewEndpoint()
	defer epB.Close()

	addrA, _ := epB.InsertAddr(epA.Name())

	if err := epB.PostSendImm([]byte("early"), nil, addrA, 0xABCD, nil); err != nil {
		t.Fatalf("PostSendImm: %v", err)
	}
	// Give the datagram time to land in the backlog before a recv is posted.
	time.Sleep(20 * time.Millisecond)

	recvBuf := make([]byte, 16)
	if err := epA.PostRecv(recvBuf, nil, nil); err != nil {
		t.Fatalf("PostRecv: %v", err)
	}

	entries := waitForCompletion(t, epA.CQ(), 1)
	if !entries[0].HasImm || entries[0].Immediate != 0xABCD {
		t.Fatalf("entry = %+v, want immediate 0xABCD", entries[0])
	}
	if string(recvBuf[:entries[0].Len]) != "early" {
		t.Fatalf("recv buf = %q, want %q", recvBuf[:entries[0].Len], "early")
	}
}

func TestWriteImmPlacesIntoRegisteredBuffer(t *testing.T) {
	t.Parallel()

	domA := NewDomain()
	domB := NewDomain()
	epA, _ := domA.NewEndpoint()
	defer epA.Close()
	epB, _ := domB.NewEndpoint()
	defer epB.Close()

	addrA, _ := epB.InsertAddr(epA.Name())

	target := make([]byte, 64)
	mr, err := domA.RegisterMR(target)
	if err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	epA.(*endpoint).RegisterLocal(mr, target)

	payload := []byte("striped-segment")
	if err := epB.PostWriteImm(payload, nil, addrA, mr.Key, 8, 0x1, nil); err != nil {
		t.Fatalf("PostWriteImm: %v", err)
	}

	entries := waitForCompletion(t, epA.CQ(), 1)
	if entries[0].Kind != fabric.KindRemoteWrite {
		t.Fatalf("completion kind = %v, want KindRemoteWrite", entries[0].Kind)
	}
	if string(target[8:8+len(payload)]) != "striped-segment" {
		t.Fatalf("target buffer = %q, want payload placed at offset 8", target[8:8+len(payload)])
	}
}

func TestWriteImmUnknownKeyProducesErrorCompletion(t *testing.T) {
	t.Parallel()

	domA := NewDomain()
	domB := NewDomain()
	epA, _ := domA.NewEndpoint()
	defer epA.Close()
	epB, _ := domB.NewEndpoint()
	defer epB.Close()

	addrA, _ := epB.InsertAddr(epA.Name())

	if err := epB.PostWriteImm([]byte("x"), nil, addrA, 0xFFFFFF, 0, 0, nil); err != nil {
		t.Fatalf("PostWriteImm: %v", err)
	}

	entries := waitForCompletion(t, epA.CQ(), 1)
	if entries[0].Err == nil {
		t.Fatalf("entry = %+v, want non-nil Err for unknown key", entries[0])
	}
}

func TestPostReadIsLocalCopy(t *testing.T) {
	t.Parallel()

	dom := NewDomain()
	ep, _ := dom.NewEndpoint()
	defer ep.Close()

	src := []byte("local-only-data")
	dst := make([]byte, len(src))
	if err := ep.PostRead(dst, nil, src, nil, "read-ctx"); err != nil {
		t.Fatalf("PostRead: %v", err)
	}

	entries := waitForCompletion(t, ep.CQ(), 1)
	if entries[0].Kind != fabric.KindRead {
		t.Fatalf("completion kind = %v, want KindRead", entries[0].Kind)
	}
	if string(dst) != "local-only-data" {
		t.Fatalf("dst = %q, want copy of src", dst)
	}
}

func TestCloseStopsRecvLoop(t *testing.T) {
	t.Parallel()

	dom := NewDomain()
	ep, _ := dom.NewEndpoint()
	if err := ep.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ep.PostSend([]byte("x"), nil, addr{}, nil); err != fabric.ErrClosed {
		t.Fatalf("PostSend after close = %v, want ErrClosed", err)
	}
}

package plugin

import (
	"testing"
	"time"

	"github.com/railfabric/ofi-rail/internal/comm"
	"github.com/railfabric/ofi-rail/internal/config"
	"github.com/railfabric/ofi-rail/internal/device"
	"github.com/railfabric/ofi-rail/internal/fabric/loopback"
	"github.com/railfabric/ofi-rail/internal/metrics"
	"github.com/railfabric/ofi-rail/internal/request"
	"github.com/railfabric/ofi-rail/internal/topology"
)

func testPluginConfig() config.Config {
	return config.Config{
		EagerMaxSize:        4096,
		RoundRobinThreshold: 128 << 10,
		MinPostedBuffers:    2,
		MaxPostedBuffers:    4,
		MRKeyBits:           8,
		CQReadCount:         64,
		NICDuplicateCount:   1,
		MaxInflightRequests: 16,
		Protocol:            config.ProtocolRDMA,
	}
}

// newTestPlugin builds a single-device Plugin backed by loopback rails,
// mirroring internal/comm's newTestPeer but wrapped at the vtable layer.
func newTestPlugin(t *testing.T, numRails int) (*Plugin, *Endpoint) {
	t.Helper()

	rails := make([]device.Rail, numRails)
	for i := range rails {
		rails[i] = device.Rail{
			Descriptor: topology.RailDescriptor{Name: "rail"},
			Domain:     loopback.NewDomain(),
		}
	}
	dev, err := device.New(device.Config{ID: 0, Rails: rails, RoundRobinThresh: 1 << 17, MRKeyBits: 8})
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}

	props := []topology.DeviceProperties{{}}
	p, err := New(nil, testPluginConfig(), metrics.NewRecorder(), []*device.Device{dev}, props)
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}

	ep, err := p.OpenEndpoint(0)
	if err != nil {
		t.Fatalf("OpenEndpoint: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return p, ep
}

func pumpPluginUntil(t *testing.T, a, b *Endpoint, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := a.Progress(); err != nil {
			t.Fatalf("Progress(a): %v", err)
		}
		if err := b.Progress(); err != nil {
			t.Fatalf("Progress(b): %v", err)
		}
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never became true before deadline")
}

// connectPluginPair drives Listen/Connect/Accept to completion through
// the Plugin wrapper types.
func connectPluginPair(t *testing.T, p *Plugin, sender, receiver *Endpoint) (*comm.SendComm, *comm.RecvComm) {
	t.Helper()

	handle, lc, code, err := p.Listen(receiver)
	if err != nil || code != Success {
		t.Fatalf("Listen: code=%v err=%v", code, err)
	}

	var sc *comm.SendComm
	var rc *comm.RecvComm
	var connected bool

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := sender.Progress(); err != nil {
			t.Fatalf("Progress(sender): %v", err)
		}
		if err := receiver.Progress(); err != nil {
			t.Fatalf("Progress(receiver): %v", err)
		}

		var code ExitCode
		sc, connected, code, err = p.Connect(sender, handle[:], sc)
		if err != nil {
			t.Fatalf("Connect: code=%v err=%v", code, err)
		}
		if rc == nil {
			rc, code, err = p.Accept(lc)
			if err != nil {
				t.Fatalf("Accept: code=%v err=%v", code, err)
			}
		}
		if connected && rc != nil {
			return sc, rc
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("handshake never completed (connected=%v rc=%v)", connected, rc != nil)
	return nil, nil
}

func TestPluginHandshakeAndEagerRoundTrip(t *testing.T) {
	t.Parallel()

	p, sender := newTestPlugin(t, 2)
	_, receiver := newTestPlugin(t, 2)

	sc, rc := connectPluginPair(t, p, sender, receiver)

	payload := []byte("hello from the vtable")
	dst := make([]byte, len(payload))

	sendReq, code, err := p.ISend(sc, payload, nil)
	if err != nil || code != Success {
		t.Fatalf("ISend: code=%v err=%v", code, err)
	}
	group, code, err := p.IRecv(rc, [][]byte{dst}, nil)
	if err != nil || code != Success {
		t.Fatalf("IRecv: code=%v err=%v", code, err)
	}

	pumpPluginUntil(t, sender, receiver, func() bool {
		done, _, _, _ := Test(sendReq)
		if !done {
			return false
		}
		done, _, _, _ = Test(group)
		return done
	})

	if done, _, code, err := Test(sendReq); !done || code != Success || err != nil {
		t.Fatalf("Test(sendReq): done=%v code=%v err=%v", done, code, err)
	}
	if done, size, code, err := Test(group); !done || code != Success || err != nil {
		t.Fatalf("Test(group): done=%v code=%v err=%v", done, code, err)
	} else if size != len(payload) {
		t.Fatalf("group size = %d, want %d", size, len(payload))
	}
	if string(dst) != string(payload) {
		t.Fatalf("dst = %q, want %q", dst, payload)
	}

	if code, err := p.CloseSend(sc); err != nil || code != Success {
		t.Fatalf("CloseSend: code=%v err=%v", code, err)
	}
	if code, err := p.CloseRecv(rc); err != nil || code != Success {
		t.Fatalf("CloseRecv: code=%v err=%v", code, err)
	}
}

func TestPluginGroupedRecvAggregatesMultipleBuffers(t *testing.T) {
	t.Parallel()

	p, sender := newTestPlugin(t, 1)
	_, receiver := newTestPlugin(t, 1)

	sc, rc := connectPluginPair(t, p, sender, receiver)

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	dsts := make([][]byte, len(payloads))
	for i, payload := range payloads {
		dsts[i] = make([]byte, len(payload))
	}

	group, code, err := p.IRecv(rc, dsts, nil)
	if err != nil || code != Success {
		t.Fatalf("IRecv: code=%v err=%v", code, err)
	}

	sendReqs := make([]*request.Request, len(payloads))
	for i, payload := range payloads {
		req, code, err := p.ISend(sc, payload, nil)
		if err != nil || code != Success {
			t.Fatalf("ISend: code=%v err=%v", code, err)
		}
		sendReqs[i] = req
	}

	pumpPluginUntil(t, sender, receiver, func() bool {
		for _, r := range sendReqs {
			if !r.Done() {
				return false
			}
		}
		done, _, _, _ := Test(group)
		return done
	})

	if done, size, code, err := Test(group); !done || code != Success || err != nil {
		t.Fatalf("Test(group): done=%v code=%v err=%v", done, code, err)
	} else {
		want := 0
		for _, payload := range payloads {
			want += len(payload)
		}
		if size != want {
			t.Fatalf("group size = %d, want %d", size, want)
		}
	}
	for i, payload := range payloads {
		if string(dsts[i]) != string(payload) {
			t.Fatalf("dst[%d] = %q, want %q", i, dsts[i], payload)
		}
	}
}

func TestPluginRegMrDeregMrRoundTrip(t *testing.T) {
	t.Parallel()

	p, ep := newTestPlugin(t, 2)

	buf := make([]byte, 256)
	h, code, err := p.RegMr(ep, buf)
	if err != nil || code != Success {
		t.Fatalf("RegMr: code=%v err=%v", code, err)
	}
	if h == nil {
		t.Fatalf("RegMr returned a nil handle on success")
	}

	if code, err := p.DeregMr(ep, h); err != nil || code != Success {
		t.Fatalf("DeregMr: code=%v err=%v", code, err)
	}

	// A second RegMr must be able to reuse the released key rather than
	// exhausting the (deliberately tiny, MRKeyBits: 8) id pool.
	h2, code, err := p.RegMr(ep, buf)
	if err != nil || code != Success {
		t.Fatalf("second RegMr: code=%v err=%v", code, err)
	}
	if code, err := p.DeregMr(ep, h2); err != nil || code != Success {
		t.Fatalf("second DeregMr: code=%v err=%v", code, err)
	}
}

func TestConnectLegacyV4ReleasesOnFatalError(t *testing.T) {
	t.Parallel()

	p, sender := newTestPlugin(t, 1)

	badHandle, err := EncodeHandleLegacy(comm.Handle{LeaderEpName: []byte("not-a-valid-address"), CommID: 0})
	if err != nil {
		t.Fatalf("EncodeHandleLegacy: %v", err)
	}

	sc, code, err := p.ConnectLegacyV4(sender, badHandle[:], 4)
	if err == nil {
		t.Fatalf("ConnectLegacyV4 succeeded against an unresolvable address, want error")
	}
	if code != MapError(err) {
		t.Fatalf("code = %v, want %v", code, MapError(err))
	}
	if sc != nil {
		t.Fatalf("ConnectLegacyV4 returned a non-nil comm on fatal failure")
	}

	// The SendComm created internally before the fatal InsertAddr
	// failure must have been released (CloseSend called on it) rather
	// than left registered on the endpoint: a fresh connect attempt on
	// the same endpoint against a real peer must still be able to
	// complete.
	_, receiver := newTestPlugin(t, 1)
	connectPluginPair(t, p, sender, receiver)
}

func TestHandleEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	h := comm.Handle{LeaderEpName: []byte("127.0.0.1:4791"), CommID: 42}

	full, err := EncodeHandle(h)
	if err != nil {
		t.Fatalf("EncodeHandle: %v", err)
	}
	got, err := DecodeHandle(full[:])
	if err != nil {
		t.Fatalf("DecodeHandle: %v", err)
	}
	if string(got.LeaderEpName) != string(h.LeaderEpName) || got.CommID != h.CommID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}

	legacy, err := EncodeHandleLegacy(h)
	if err != nil {
		t.Fatalf("EncodeHandleLegacy: %v", err)
	}
	got, err = DecodeHandle(legacy[:])
	if err != nil {
		t.Fatalf("DecodeHandle(legacy): %v", err)
	}
	if string(got.LeaderEpName) != string(h.LeaderEpName) || got.CommID != h.CommID {
		t.Fatalf("legacy round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestDecodeHandleRejectsTruncatedBuffer(t *testing.T) {
	t.Parallel()

	if _, err := DecodeHandle(make([]byte, 4)); err == nil {
		t.Fatalf("expected error decoding a too-short handle buffer")
	}
}

func TestMapErrorClassifiesKnownSentinels(t *testing.T) {
	t.Parallel()

	if got := MapError(nil); got != Success {
		t.Fatalf("MapError(nil) = %v, want Success", got)
	}
	if got := MapError(ErrMessageTooLarge); got != InvalidArgument {
		t.Fatalf("MapError(ErrMessageTooLarge) = %v, want InvalidArgument", got)
	}
	if got := MapError(ErrHandleTooSmall); got != InvalidArgument {
		t.Fatalf("MapError(ErrHandleTooSmall) = %v, want InvalidArgument", got)
	}
	if got := MapError(comm.ErrNotConnected); got != RemoteError {
		t.Fatalf("MapError(comm.ErrNotConnected) = %v, want RemoteError", got)
	}
}

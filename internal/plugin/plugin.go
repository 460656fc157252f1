// Package plugin implements the narrow vtable the host collective
// library calls into (spec.md §6): init/devices/get_properties,
// listen/connect/accept, regMr/deregMr, isend/irecv/iflush, test, and
// closeSend/closeRecv/closeListen. Every call either forwards
// directly to internal/comm's communicator operations or adapts this
// package's own bookkeeping (memory-registration key allocation,
// opaque-handle encode/decode, exit-code classification) around them.
// This package owns none of the RDMA engine's hard state — it is the
// ABI shim spec.md §1 calls "an external collaborator" — but Go has
// no vtable of its own, so this is where the library's entry points
// get a concrete home.
package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/railfabric/ofi-rail/internal/comm"
	"github.com/railfabric/ofi-rail/internal/config"
	"github.com/railfabric/ofi-rail/internal/device"
	"github.com/railfabric/ofi-rail/internal/endpoint"
	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/metrics"
	"github.com/railfabric/ofi-rail/internal/request"
	"github.com/railfabric/ofi-rail/internal/topology"
	"github.com/railfabric/ofi-rail/internal/wire"
)

// seqBits/windowBits are fixed by spec.md §3's wire format (a 10-bit
// message sequence number packed into the immediate-data word) and
// are not configuration knobs: changing them would break wire
// compatibility with any peer running this engine, unlike the tunable
// knobs in internal/config.
const (
	seqBits    = 10
	windowBits = 10
)

// ErrMessageTooLarge is returned by ISend/IRecv when a buffer exceeds
// what the immediate-data word or control message can describe.
var ErrMessageTooLarge = errors.New("plugin: message size exceeds what this engine can address")

// ErrUnknownDevice is returned when a device id is out of range.
var ErrUnknownDevice = errors.New("plugin: unknown device id")

// deviceEntry bundles one logical device with the descriptive
// properties derived from its topology at construction time.
type deviceEntry struct {
	dev   *device.Device
	props topology.DeviceProperties
}

// Plugin is the engine's single process-global instance (spec.md §9
// "Global plugin state... exposed as an explicitly-initialized object
// owned by an init call"). Callers construct exactly one via New and
// hold onto it for the process lifetime.
type Plugin struct {
	logger  *slog.Logger
	cfg     config.Config
	metrics *metrics.Recorder

	mu      sync.Mutex
	devices []*deviceEntry
}

// New builds a Plugin over already-constructed devices (device
// discovery and fabric-domain construction are environment-specific
// and out of scope per spec.md §1's Non-goals; callers assemble
// devices via internal/device and internal/topology and hand them to
// New the way a real provider's init() would after probing hardware).
// props must be parallel to devices; New fills in the flags driven by
// cfg (GPU-direct support) that internal/topology itself cannot know.
func New(logger *slog.Logger, cfg config.Config, recorder *metrics.Recorder, devices []*device.Device, props []topology.DeviceProperties) (*Plugin, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("plugin: init requires at least one device (fabric/NICs unusable)")
	}
	if len(props) != len(devices) {
		return nil, fmt.Errorf("plugin: %d device(s) but %d properties entries", len(devices), len(props))
	}

	entries := make([]*deviceEntry, len(devices))
	for i, dev := range devices {
		p := props[i]
		p.HmemSupported = cfg.CudaFlushEnable || !cfg.GDRFlushDisable
		p.MRScopeGlobal = true
		p.MaxCommunicators = topology.MaxCommunicators
		if p.MaxGroupedRecvs == 0 {
			p.MaxGroupedRecvs = 1
		}
		entries[i] = &deviceEntry{dev: dev, props: p}
	}

	return &Plugin{logger: logger, cfg: cfg, metrics: recorder, devices: entries}, nil
}

// Devices reports the number of logical devices (spec.md §6
// devices(&n)).
func (p *Plugin) Devices() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// GetProperties fills in device properties for devID (spec.md §6
// get_properties).
func (p *Plugin) GetProperties(devID int) (topology.DeviceProperties, error) {
	entry, err := p.deviceEntry(devID)
	if err != nil {
		return topology.DeviceProperties{}, err
	}
	return entry.props, nil
}

func (p *Plugin) deviceEntry(devID int) (*deviceEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if devID < 0 || devID >= len(p.devices) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDevice, devID)
	}
	return p.devices[devID], nil
}

// commConfig builds the internal/comm.Config shared by every
// communicator opened on an endpoint against devID.
func (p *Plugin) commConfig() comm.Config {
	return comm.Config{
		NumRequests:  p.cfg.MaxInflightRequests,
		EagerMaxSize: p.cfg.EagerMaxSize,
		SeqBits:      seqBits,
		WindowBits:   windowBits,
		Metrics:      p.metrics,
	}
}

// bounceEntrySize sizes a bounce slot to hold the largest of {connect
// message, control message, eager-threshold payload} (spec.md §3
// "Bounce buffer").
func (p *Plugin) bounceEntrySize() int {
	size := wire.ConnMsgSize
	if wire.CtrlMsgSize > size {
		size = wire.CtrlMsgSize
	}
	if p.cfg.EagerMaxSize > size {
		size = p.cfg.EagerMaxSize
	}
	return size
}

// Endpoint is the library's per-thread handle onto one device (spec.md
// §2 "Endpoint"). The host library is expected to open one per worker
// thread/goroutine that drives it and pass the same *Endpoint into
// every subsequent call for communicators opened against it — this
// engine expresses spec.md's "thread-local slot on the device" as an
// explicit handle rather than goroutine-local storage, since Go has
// no first-class TLS and an explicit handle is the idiomatic
// alternative (spec.md §9's "arena + index instead of embedded
// back-pointers" note applies equally here).
type Endpoint struct {
	p     *Plugin
	devID int
	ep    *endpoint.Endpoint
}

// OpenEndpoint opens a new Endpoint against devID.
func (p *Plugin) OpenEndpoint(devID int) (*Endpoint, error) {
	entry, err := p.deviceEntry(devID)
	if err != nil {
		return nil, err
	}
	ep, err := endpoint.New(endpoint.Config{
		Device:          entry.dev,
		BounceEntrySize: p.bounceEntrySize(),
		MinPosted:       p.cfg.MinPostedBuffers,
		MaxPosted:       p.cfg.MaxPostedBuffers,
	})
	if err != nil {
		return nil, err
	}
	return &Endpoint{p: p, devID: devID, ep: ep}, nil
}

// Close releases the endpoint's rails and device reference. Every
// communicator opened against it must already be closed (spec.md
// §4.13).
func (e *Endpoint) Close() error { return e.ep.Close() }

// Raw exposes the underlying *endpoint.Endpoint for callers that need
// to hand it to a package outside this vtable shim, such as
// internal/metrics.NewEngineCollector, which reads endpoint state
// directly rather than through a vtable call.
func (e *Endpoint) Raw() *endpoint.Endpoint { return e.ep }

// Listen opens a new ListenComm on ep and returns the opaque handle a
// peer needs to Connect to it (spec.md §6 listen(dev, &handle,
// &lComm)).
func (p *Plugin) Listen(ep *Endpoint) ([HandleSize]byte, *comm.ListenComm, ExitCode, error) {
	lc, h, err := comm.Listen(ep.ep, p.commConfig())
	if err != nil {
		return [HandleSize]byte{}, nil, MapError(err), err
	}
	buf, err := EncodeHandle(h)
	if err != nil {
		lc.Close()
		return [HandleSize]byte{}, nil, MapError(err), err
	}
	return buf, lc, Success, nil
}

// Connect drives the connecting side of the three-way handshake
// (spec.md §6 connect(dev, handle, &sComm)). Pass sc == nil on the
// first call for a given attempt; pass back the returned *SendComm on
// every subsequent call until connected is true.
func (p *Plugin) Connect(ep *Endpoint, handleBuf []byte, sc *comm.SendComm) (*comm.SendComm, bool, ExitCode, error) {
	h, err := DecodeHandle(handleBuf)
	if err != nil {
		return nil, false, MapError(err), err
	}
	sc, connected, err := comm.Connect(ep.ep, h, p.commConfig(), sc)
	if err != nil {
		return sc, false, MapError(err), err
	}
	return sc, connected, Success, nil
}

// Accept returns the next fully-handshaked RecvComm on lc, or
// (nil, Success, nil) if none has completed yet — "success with comm
// still null" per spec.md §6's connect/accept contract.
func (p *Plugin) Accept(lc *comm.ListenComm) (*comm.RecvComm, ExitCode, error) {
	rc, err := lc.Accept()
	if err != nil {
		return nil, MapError(err), err
	}
	return rc, Success, nil
}

// MRHandle is the opaque memory-registration handle regMr/deregMr
// exchange with the library (spec.md §6 regMr/deregMr). It wires
// internal/device's memory-key id pool (spec.md §4.1 "used for
// memory-registration keys"), which nothing below this package
// touches: internal/comm registers each send/recv buffer per call
// against every rail directly (see DESIGN.md), so MRHandle's id is
// purely the library-visible bookkeeping handle a real application
// holds across repeated sends from the same buffer.
type MRHandle struct {
	key int
	mrs []*fabric.MR
}

// RegMr registers buf against every rail of ep's device and returns an
// opaque handle the library can pass to isend/irecv and must later
// pass to DeregMr.
func (p *Plugin) RegMr(ep *Endpoint, buf []byte) (*MRHandle, ExitCode, error) {
	key, err := ep.ep.Device().AllocateMRKey()
	if err != nil {
		return nil, MapError(err), err
	}

	mrs := make([]*fabric.MR, ep.ep.NumRails())
	for i := 0; i < ep.ep.NumRails(); i++ {
		rail, err := ep.ep.Device().Rail(i)
		if err != nil {
			unwindMRs(ep, mrs[:i])
			ep.ep.Device().ReleaseMRKey(key)
			return nil, MapError(err), err
		}
		mr, err := rail.Domain.RegisterMR(buf)
		if err != nil {
			unwindMRs(ep, mrs[:i])
			ep.ep.Device().ReleaseMRKey(key)
			return nil, MapError(err), fmt.Errorf("plugin: register rail %d: %w", i, err)
		}
		mrs[i] = mr
	}
	return &MRHandle{key: key, mrs: mrs}, Success, nil
}

// DeregMr releases an MRHandle obtained from RegMr.
func (p *Plugin) DeregMr(ep *Endpoint, h *MRHandle) (ExitCode, error) {
	if h == nil {
		return Success, nil
	}
	unwindMRs(ep, h.mrs)
	if err := ep.ep.Device().ReleaseMRKey(h.key); err != nil {
		return MapError(err), err
	}
	return Success, nil
}

func unwindMRs(ep *Endpoint, mrs []*fabric.MR) {
	for i, mr := range mrs {
		if mr == nil {
			continue
		}
		if rail, err := ep.ep.Device().Rail(i); err == nil {
			rail.Domain.DeregisterMR(mr)
		}
	}
}

// ISend posts one application send (spec.md §6 isend). mr is accepted
// for ABI fidelity with the library's "register once, reuse across
// sends" contract but is not required by this engine's send path,
// which registers data itself per call.
func (p *Plugin) ISend(sc *comm.SendComm, data []byte, _ *MRHandle) (*request.Request, ExitCode, error) {
	req, err := sc.Send(data)
	if err != nil {
		return nil, MapError(err), err
	}
	return req, Success, nil
}

// GroupRequest aggregates the per-buffer requests of one grouped
// irecv call (spec.md §6 irecv's n/bufs/sizes/tags) into a single
// handle test() can poll, since internal/comm.RecvComm.Recv tracks one
// destination buffer per call (spec.md §3's RECV payload is
// single-buffer) — a grouped receive of n>1 buffers is implemented as
// n independent RecvComm.Recv calls whose completions are reported
// together.
type GroupRequest struct {
	reqs []*request.Request
}

// Done reports whether every member request has reached a terminal
// state.
func (g *GroupRequest) Done() bool {
	for _, r := range g.reqs {
		if !r.Done() {
			return false
		}
	}
	return true
}

// Err returns the first member error encountered, if any.
func (g *GroupRequest) Err() error {
	for _, r := range g.reqs {
		if err := r.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the sum of every member request's completed byte count.
func (g *GroupRequest) Size() int {
	total := 0
	for _, r := range g.reqs {
		total += r.Size()
	}
	return total
}

// IRecv posts one or more receive buffers as a single grouped request
// (spec.md §6 irecv). mrs is accepted per buffer for the same ABI
// fidelity reason as ISend.
func (p *Plugin) IRecv(rc *comm.RecvComm, bufs [][]byte, _ []*MRHandle) (*GroupRequest, ExitCode, error) {
	if len(bufs) == 0 {
		return nil, InvalidArgument, fmt.Errorf("%w: irecv requires at least one buffer", ErrMessageTooLarge)
	}
	g := &GroupRequest{reqs: make([]*request.Request, 0, len(bufs))}
	for _, buf := range bufs {
		req, err := rc.Recv(buf)
		if err != nil {
			return nil, MapError(err), err
		}
		g.reqs = append(g.reqs, req)
	}
	return g, Success, nil
}

// IFlush posts a flush request unless GPU-direct is unsupported or
// disabled, or every size is zero (spec.md §4.12). It returns
// (nil, Success, nil) in either skip case, matching "skipped" rather
// than an error.
func (p *Plugin) IFlush(rc *comm.RecvComm, sizes []int) (*request.Request, ExitCode, error) {
	if p.cfg.GDRFlushDisable {
		return nil, Success, nil
	}
	anyNonZero := false
	for _, s := range sizes {
		if s > 0 {
			anyNonZero = true
			break
		}
	}
	if !anyNonZero {
		return nil, Success, nil
	}
	req, err := rc.Flush()
	if err != nil {
		return nil, MapError(err), err
	}
	return req, Success, nil
}

// doneReq is satisfied by both *request.Request and *GroupRequest.
type doneReq interface {
	Done() bool
	Err() error
	Size() int
}

// Test polls req (spec.md §6 test(req, &done, &size)). It does not
// drive progress itself: it only inspects state that dispatch already
// updated. Connect and Accept drain completions on every call, and
// Send only while its comm is still connecting; Recv never does, so
// callers call Endpoint.Progress for completions of in-flight sends
// and receives to be drained.
func Test(req any) (done bool, size int, code ExitCode, err error) {
	if req == nil {
		return true, 0, Success, nil
	}
	dr, ok := req.(doneReq)
	if !ok {
		return false, 0, InternalError, fmt.Errorf("plugin: test() called on unrecognized request type %T", req)
	}
	if !dr.Done() {
		return false, 0, Success, nil
	}
	if rerr := dr.Err(); rerr != nil {
		return true, dr.Size(), MapError(rerr), rerr
	}
	return true, dr.Size(), Success, nil
}

// Progress drains completions on ep, the same entry point Connect,
// Accept and a not-yet-connected Send call internally. Exposed so a
// caller can progress an endpoint between application calls (e.g. from
// a dedicated polling loop).
func (e *Endpoint) Progress() error { return comm.Progress(e.ep) }

// CloseSend tears down sc (spec.md §6 closeSend; §4.13).
func (p *Plugin) CloseSend(sc *comm.SendComm) (ExitCode, error) {
	if err := sc.CloseSend(); err != nil {
		return MapError(err), err
	}
	return Success, nil
}

// CloseRecv tears down rc (spec.md §6 closeRecv; §4.13).
func (p *Plugin) CloseRecv(rc *comm.RecvComm) (ExitCode, error) {
	if err := rc.CloseRecv(); err != nil {
		return MapError(err), err
	}
	return Success, nil
}

// CloseListen tears down lc (spec.md §6 closeListen; §4.13).
func (p *Plugin) CloseListen(lc *comm.ListenComm) (ExitCode, error) {
	if err := lc.Close(); err != nil {
		return MapError(err), err
	}
	return Success, nil
}

// Package loopback implements internal/fabric.Domain/Endpoint over
// UDP sockets bound to the loopback interface. It exists so the
// engine's request/completion state machine, handshake, and multi-rail
// striping can be exercised end to end without real RDMA hardware:
// sends and eager payloads travel as UDP datagrams; RDMA writes carry
// the receiver's remote key and offset so the receiving domain can
// place them directly into the target memory registration, the way a
// real RDMA NIC places a write using the advertised rkey. Local reads
// (flush, eager-copy) never touch the network — they are always
// within one process in this engine — and are implemented as a direct
// copy.
package loopback

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/railfabric/ofi-rail/internal/fabric"
)

const (
	opSend     byte = 1
	opSendImm  byte = 2
	opWriteImm byte = 3

	backlogCap = 256
)

// Domain is a loopback fabric.Domain: one UDP "NIC" with its own
// memory-registration key space.
type Domain struct {
	mu      sync.RWMutex
	nextKey uint64
	mrByKey map[uint64]*fabric.MR
	closed  bool
}

// NewDomain constructs an empty loopback Domain.
func NewDomain() *Domain {
	return &Domain{mrByKey: make(map[uint64]*fabric.MR)}
}

// RegisterMR assigns buf a fresh key within this domain.
func (d *Domain) RegisterMR(buf []byte) (*fabric.MR, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fabric.ErrClosed
	}
	d.nextKey++
	mr := newMR(d.nextKey, buf)
	d.mrByKey[mr.Key] = mr
	return mr, nil
}

// DeregisterMR removes mr from the domain's key space.
func (d *Domain) DeregisterMR(mr *fabric.MR) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mrByKey, mr.Key)
	return nil
}

func (d *Domain) lookup(key uint64) (*fabric.MR, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	mr, ok := d.mrByKey[key]
	return mr, ok
}

// NewEndpoint opens a new UDP socket on loopback for this domain.
func (d *Domain) NewEndpoint() (fabric.Endpoint, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, fabric.ErrClosed
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("loopback: listen: %w", err)
	}

	ep := &endpoint{
		domain: d,
		conn:   conn,
		cq:     &cq{ch: make(chan fabric.CompletionEntry, 1024)},
	}
	ep.wg.Add(1)
	go ep.recvLoop()
	return ep, nil
}

// Close marks the domain closed. In-flight endpoints are unaffected;
// callers close endpoints individually via Endpoint.Close.
func (d *Domain) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.mrByKey = nil
	return nil
}

func newMR(key uint64, buf []byte) *fabric.MR {
	// fabric.MR's buf field is unexported; construct via the zero
	// value and a same-package helper since loopback lives outside
	// the fabric package. We keep our own parallel mapping instead.
	return &fabric.MR{Key: key}
}

// addr wraps the peer's resolved UDP address.
type addr struct{ udp *net.UDPAddr }

type endpoint struct {
	domain *Domain
	conn   *net.UDPConn
	cq     *cq

	wg     sync.WaitGroup
	closed atomic.Bool

	backlogMu sync.Mutex
	backlog   [][]byte

	pendingMu sync.Mutex
	pending   []pendingRecv

	bufByKey sync.Map // uint64 -> []byte, local mirror so we can place writes without fabric.MR exposing buf
}

type pendingRecv struct {
	buf []byte
	ctx any
}

// Name returns the UDP address this endpoint listens on, serialized
// as "ip:port".
func (e *endpoint) Name() []byte {
	return []byte(e.conn.LocalAddr().String())
}

func (e *endpoint) InsertAddr(peerName []byte) (fabric.Addr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", string(peerName))
	if err != nil {
		return nil, fmt.Errorf("loopback: resolve peer address %q: %w", peerName, err)
	}
	return addr{udp: udpAddr}, nil
}

// RegisterLocal mirrors a fabric.MR's backing bytes into this
// endpoint's local lookup so that inbound RDMA writes targeting that
// key can be placed directly. Domains that register memory must call
// this once per MR; it is the loopback-specific half of
// fabric.Domain.RegisterMR (the fabric.MR type itself stays opaque to
// callers outside this package).
func (e *endpoint) RegisterLocal(mr *fabric.MR, buf []byte) {
	e.bufByKey.Store(mr.Key, buf)
}

func (e *endpoint) destAddr(dest fabric.Addr) (*net.UDPAddr, error) {
	a, ok := dest.(addr)
	if !ok {
		return nil, fmt.Errorf("loopback: dest is not a loopback address: %#v", dest)
	}
	return a.udp, nil
}

func (e *endpoint) PostSend(buf []byte, mr *fabric.MR, dest fabric.Addr, ctx any) error {
	return e.send(opSend, buf, dest, 0, ctx, fabric.KindSend)
}

func (e *endpoint) PostSendImm(buf []byte, mr *fabric.MR, dest fabric.Addr, imm uint32, ctx any) error {
	return e.send(opSendImm, buf, dest, imm, ctx, fabric.KindSend)
}

func (e *endpoint) send(op byte, payload []byte, dest fabric.Addr, imm uint32, ctx any, completeKind fabric.Kind) error {
	if e.closed.Load() {
		return fabric.ErrClosed
	}
	udpAddr, err := e.destAddr(dest)
	if err != nil {
		return err
	}

	frame := make([]byte, 0, 1+4+len(payload))
	frame = append(frame, op)
	if op == opSendImm {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], imm)
		frame = append(frame, b[:]...)
	}
	frame = append(frame, payload...)

	if _, err := e.conn.WriteToUDP(frame, udpAddr); err != nil {
		return fmt.Errorf("loopback: send: %w", err)
	}
	e.cq.push(fabric.CompletionEntry{Kind: completeKind, Len: len(payload), Context: ctx})
	return nil
}

func (e *endpoint) PostRecv(buf []byte, mr *fabric.MR, ctx any) error {
	if e.closed.Load() {
		return fabric.ErrClosed
	}

	// Serve from backlog first, preserving FIFO arrival order.
	e.backlogMu.Lock()
	if len(e.backlog) > 0 {
		frame := e.backlog[0]
		e.backlog = e.backlog[1:]
		e.backlogMu.Unlock()
		e.deliverRecv(frame, buf, ctx)
		return nil
	}
	e.backlogMu.Unlock()

	e.pendingMu.Lock()
	e.pending = append(e.pending, pendingRecv{buf: buf, ctx: ctx})
	e.pendingMu.Unlock()
	return nil
}

func (e *endpoint) deliverRecv(frame []byte, buf []byte, ctx any) {
	op := frame[0]
	rest := frame[1:]
	entry := fabric.CompletionEntry{Kind: fabric.KindRecv, Context: ctx}
	if op == opSendImm {
		entry.HasImm = true
		entry.Immediate = binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
	}
	n := copy(buf, rest)
	entry.Len = n
	e.cq.push(entry)
}

func (e *endpoint) PostWriteImm(local []byte, mr *fabric.MR, dest fabric.Addr, remoteKey, remoteOffset uint64, imm uint32, ctx any) error {
	if e.closed.Load() {
		return fabric.ErrClosed
	}
	udpAddr, err := e.destAddr(dest)
	if err != nil {
		return err
	}

	frame := make([]byte, 0, 1+8+8+4+len(local))
	frame = append(frame, opWriteImm)
	var keyB, offB [8]byte
	binary.LittleEndian.PutUint64(keyB[:], remoteKey)
	binary.LittleEndian.PutUint64(offB[:], remoteOffset)
	frame = append(frame, keyB[:]...)
	frame = append(frame, offB[:]...)
	var immBytes [4]byte
	binary.LittleEndian.PutUint32(immBytes[:], imm)
	frame = append(frame, immBytes[:]...)
	frame = append(frame, local...)

	if _, err := e.conn.WriteToUDP(frame, udpAddr); err != nil {
		return fmt.Errorf("loopback: write: %w", err)
	}
	e.cq.push(fabric.CompletionEntry{Kind: fabric.KindWrite, Len: len(local), Context: ctx})
	return nil
}

func (e *endpoint) PostRead(dst []byte, dstMR *fabric.MR, src []byte, srcMR *fabric.MR, ctx any) error {
	if e.closed.Load() {
		return fabric.ErrClosed
	}
	n := copy(dst, src)
	e.cq.push(fabric.CompletionEntry{Kind: fabric.KindRead, Len: n, Context: ctx})
	return nil
}

func (e *endpoint) CQ() fabric.CQ { return e.cq }

func (e *endpoint) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	err := e.conn.Close()
	e.wg.Wait()
	return err
}

func (e *endpoint) recvLoop() {
	defer e.wg.Done()
	buf := make([]byte, 1<<20)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		frame := append([]byte(nil), buf[:n]...)
		e.handleInbound(frame)
	}
}

func (e *endpoint) handleInbound(frame []byte) {
	if len(frame) == 0 {
		return
	}
	op := frame[0]

	if op == opWriteImm {
		rest := frame[1:]
		key := binary.LittleEndian.Uint64(rest[0:8])
		offset := binary.LittleEndian.Uint64(rest[8:16])
		imm := binary.LittleEndian.Uint32(rest[16:20])
		payload := rest[20:]

		if raw, ok := e.bufByKey.Load(key); ok {
			dst := raw.([]byte)
			n := copy(dst[offset:], payload)
			e.cq.push(fabric.CompletionEntry{Kind: fabric.KindRemoteWrite, Len: n, HasImm: true, Immediate: imm})
			return
		}
		// Unknown key: surface as an error completion rather than
		// silently dropping the write.
		e.cq.push(fabric.CompletionEntry{Kind: fabric.KindRemoteWrite, Err: fmt.Errorf("loopback: unknown remote key %d", key)})
		return
	}

	// SEND / SEND_IMM: match against a pending recv, or backlog it.
	e.pendingMu.Lock()
	if len(e.pending) > 0 {
		p := e.pending[0]
		e.pending = e.pending[1:]
		e.pendingMu.Unlock()
		e.deliverRecv(frame, p.buf, p.ctx)
		return
	}
	e.pendingMu.Unlock()

	e.backlogMu.Lock()
	if len(e.backlog) < backlogCap {
		e.backlog = append(e.backlog, frame)
	}
	e.backlogMu.Unlock()
}

// cq is a channel-backed fabric.CQ.
type cq struct {
	ch chan fabric.CompletionEntry
}

func (c *cq) push(e fabric.CompletionEntry) {
	select {
	case c.ch <- e:
	default:
		// Completion queue overrun: drop the oldest to make room
		// rather than block the network goroutine.
		select {
		case <-c.ch:
		default:
		}
		c.ch <- e
	}
}

func (c *cq) Read(max int) ([]fabric.CompletionEntry, error) {
	out := make([]fabric.CompletionEntry, 0, max)
	for i := 0; i < max; i++ {
		select {
		case e := <-c.ch:
			out = append(out, e)
		default:
			return out, nil
		}
	}
	return out, nil
}

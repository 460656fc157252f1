// Package wire encodes and decodes the handful of fixed-layout
// messages the engine exchanges out of band from application data:
// the connect / connect-response handshake message, the control
// message that advertises a receive buffer, and the 32-bit immediate
// data word piggy-backed on every RDMA write.
//
// All multi-byte fields are native host little-endian; the engine
// does not support heterogeneous-endianness deployments (see
// SPEC_FULL.md §13).
package wire

import (
	"encoding/binary"
	"fmt"
)

// MaxRails bounds the number of per-rail endpoint names or keys a
// single handshake/control message can carry.
const MaxRails = 16

// EpNameLen is the fixed width of one rail's serialized fabric
// endpoint name.
const EpNameLen = 64

// MsgType identifies the payload of an unsolicited bounce-buffer
// message (one that arrived without RDMA immediate data).
type MsgType uint16

const (
	MsgConn     MsgType = 1
	MsgConnResp MsgType = 2
	MsgCtrl     MsgType = 3
	// MsgEager is never placed on the wire: an eager payload is
	// identified implicitly, because only eager writes carry
	// immediate data on an otherwise-unsolicited receive.
	MsgEager MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgConn:
		return "CONN"
	case MsgConnResp:
		return "CONN_RESP"
	case MsgCtrl:
		return "CTRL"
	case MsgEager:
		return "EAGER"
	default:
		return fmt.Sprintf("MsgType(%d)", t)
	}
}

// ConnMsg is the wire layout shared by the connect and connect-response
// messages (§6): only Type distinguishes them.
type ConnMsg struct {
	Type          MsgType
	LocalCommID   uint32
	RemoteCommID  uint32
	NumRails      uint16
	EpNames       [MaxRails][EpNameLen]byte
}

// ConnMsgSize is the encoded size of a ConnMsg: 2(type)+2(pad)+4+4+2 +
// MaxRails*EpNameLen.
const ConnMsgSize = 2 + 2 + 4 + 4 + 2 + MaxRails*EpNameLen

// Encode serializes m into a ConnMsgSize-byte buffer.
func (m *ConnMsg) Encode() []byte {
	buf := make([]byte, ConnMsgSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(m.Type))
	// bytes 2:4 are padding, left zero.
	binary.LittleEndian.PutUint32(buf[4:8], m.LocalCommID)
	binary.LittleEndian.PutUint32(buf[8:12], m.RemoteCommID)
	binary.LittleEndian.PutUint16(buf[12:14], m.NumRails)
	off := 14
	for i := 0; i < MaxRails; i++ {
		copy(buf[off:off+EpNameLen], m.EpNames[i][:])
		off += EpNameLen
	}
	return buf
}

// DecodeConnMsg parses a ConnMsg from buf, which must be at least
// ConnMsgSize bytes.
func DecodeConnMsg(buf []byte) (ConnMsg, error) {
	var m ConnMsg
	if len(buf) < ConnMsgSize {
		return m, fmt.Errorf("wire: connect message too short: %d < %d", len(buf), ConnMsgSize)
	}
	m.Type = MsgType(binary.LittleEndian.Uint16(buf[0:2]))
	m.LocalCommID = binary.LittleEndian.Uint32(buf[4:8])
	m.RemoteCommID = binary.LittleEndian.Uint32(buf[8:12])
	m.NumRails = binary.LittleEndian.Uint16(buf[12:14])
	off := 14
	for i := 0; i < MaxRails; i++ {
		copy(m.EpNames[i][:], buf[off:off+EpNameLen])
		off += EpNameLen
	}
	return m, nil
}

// SetEpName stores name (truncated/zero-padded to EpNameLen) as rail
// i's endpoint name.
func (m *ConnMsg) SetEpName(i int, name []byte) {
	n := copy(m.EpNames[i][:], name)
	for j := n; j < EpNameLen; j++ {
		m.EpNames[i][j] = 0
	}
}

// EpName returns rail i's endpoint name with trailing zero bytes
// trimmed.
func (m *ConnMsg) EpName(i int) []byte {
	b := m.EpNames[i][:]
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// CtrlMsg advertises a receive buffer and its per-rail remote keys to
// the peer that will RDMA-write into it.
type CtrlMsg struct {
	RemoteCommID uint32
	MsgSeqNum    uint16
	BuffAddr     uint64
	BuffLen      uint64
	BuffMRKeys   [MaxRails]uint64
}

// CtrlMsgSize is 2(type)+2(pad)+4+2+8+8+MaxRails*8.
const CtrlMsgSize = 2 + 2 + 4 + 2 + 8 + 8 + MaxRails*8

// Encode serializes a CtrlMsg into a CtrlMsgSize-byte buffer.
func (m *CtrlMsg) Encode() []byte {
	buf := make([]byte, CtrlMsgSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(MsgCtrl))
	binary.LittleEndian.PutUint32(buf[4:8], m.RemoteCommID)
	binary.LittleEndian.PutUint16(buf[8:10], m.MsgSeqNum)
	binary.LittleEndian.PutUint64(buf[10:18], m.BuffAddr)
	binary.LittleEndian.PutUint64(buf[18:26], m.BuffLen)
	off := 26
	for i := 0; i < MaxRails; i++ {
		binary.LittleEndian.PutUint64(buf[off:off+8], m.BuffMRKeys[i])
		off += 8
	}
	return buf
}

// DecodeCtrlMsg parses a CtrlMsg from buf.
func DecodeCtrlMsg(buf []byte) (CtrlMsg, error) {
	var m CtrlMsg
	if len(buf) < CtrlMsgSize {
		return m, fmt.Errorf("wire: control message too short: %d < %d", len(buf), CtrlMsgSize)
	}
	if got := MsgType(binary.LittleEndian.Uint16(buf[0:2])); got != MsgCtrl {
		return m, fmt.Errorf("wire: expected CTRL message, got %s", got)
	}
	m.RemoteCommID = binary.LittleEndian.Uint32(buf[4:8])
	m.MsgSeqNum = binary.LittleEndian.Uint16(buf[8:10])
	m.BuffAddr = binary.LittleEndian.Uint64(buf[10:18])
	m.BuffLen = binary.LittleEndian.Uint64(buf[18:26])
	off := 26
	for i := 0; i < MaxRails; i++ {
		m.BuffMRKeys[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}
	return m, nil
}

// PeekType reads just the leading type field of an unsolicited bounce
// buffer payload, without requiring the caller to know which full
// message it is yet.
func PeekType(buf []byte) (MsgType, error) {
	if len(buf) < 2 {
		return 0, fmt.Errorf("wire: buffer too short to hold a type field")
	}
	return MsgType(binary.LittleEndian.Uint16(buf[0:2])), nil
}

// Immediate is the 32-bit word piggy-backed on every RDMA write that
// completes a message segment: [4 bits segment count | 18 bits
// communicator id | 10 bits sequence number].
type Immediate uint32

const (
	seqBits  = 10
	commBits = 18
	segBits  = 4

	seqMask  = (1 << seqBits) - 1
	commMask = (1 << commBits) - 1
	segMask  = (1 << segBits) - 1

	commShift = seqBits
	segShift  = seqBits + commBits
)

// MaxCommID is the largest communicator id the immediate-data word
// can carry (2^18 - 1), matching §3's `[0, 2^18)` range.
const MaxCommID = commMask

// MaxSeq is the largest sequence number (2^10 - 1).
const MaxSeq = seqMask

// MaxSegments is the largest encodable segment count (2^4 - 1).
const MaxSegments = segMask

// EncodeImmediate packs a communicator id, sequence number and segment
// count into one Immediate word. Each field is masked to its width
// rather than erroring, since callers already validate ranges against
// MaxCommID/MaxSeq/MaxSegments at allocation time.
func EncodeImmediate(commID uint32, seq uint32, segments uint32) Immediate {
	return Immediate((segments&segMask)<<segShift | (commID&commMask)<<commShift | (seq & seqMask))
}

// Seq returns the sequence-number field.
func (imm Immediate) Seq() uint32 { return uint32(imm) & seqMask }

// CommID returns the communicator-id field.
func (imm Immediate) CommID() uint32 { return (uint32(imm) >> commShift) & commMask }

// Segments returns the segment-count field.
func (imm Immediate) Segments() uint32 { return (uint32(imm) >> segShift) & segMask }

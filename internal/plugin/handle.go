package plugin

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/railfabric/ofi-rail/internal/comm"
)

// epNameMaxLen bounds a leader rail's serialized fabric endpoint name
// within the opaque handle, matching wire.EpNameLen so any endpoint
// name the handshake itself can carry also fits the out-of-band
// handle (spec.md §3 "Connection handle... sized to fit within a
// fixed opaque buffer").
const epNameMaxLen = 64

// HandleSize is the opaque connection-handle buffer size the current
// ABI version exchanges out of band: a 2-byte name length, the name
// itself, a 4-byte communicator id, and reserved staging bytes for a
// future non-blocking-connect protocol extension.
const HandleSize = 2 + epNameMaxLen + 4 + stagingReserved

// stagingReserved is headroom for a future staged-connect extension;
// it is never read or written by this version, only preserved so a
// later version can grow into it without changing HandleSize again.
const stagingReserved = 16

// HandleSizeLegacy is the smaller opaque buffer older ABI versions
// used: it drops the staging reservation entirely (spec.md §3 "older
// wire versions truncate the staging state").
const HandleSizeLegacy = 2 + epNameMaxLen + 4

// ErrHandleTooSmall is returned when a caller-supplied handle buffer
// cannot hold the leader endpoint name Listen produced.
var ErrHandleTooSmall = errors.New("plugin: handle buffer too small for leader endpoint name")

// ErrHandleCorrupt is returned when DecodeHandle is given a buffer
// that is too short or carries an internally inconsistent name
// length.
var ErrHandleCorrupt = errors.New("plugin: handle buffer is corrupt or truncated")

// EncodeHandle serializes h into a HandleSize-byte opaque buffer
// suitable for the library to pass to a peer process out of band.
func EncodeHandle(h comm.Handle) ([HandleSize]byte, error) {
	var buf [HandleSize]byte
	if len(h.LeaderEpName) > epNameMaxLen {
		return buf, fmt.Errorf("%w: name is %d bytes, max %d", ErrHandleTooSmall, len(h.LeaderEpName), epNameMaxLen)
	}
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(h.LeaderEpName)))
	copy(buf[2:2+epNameMaxLen], h.LeaderEpName)
	binary.LittleEndian.PutUint32(buf[2+epNameMaxLen:2+epNameMaxLen+4], uint32(h.CommID))
	return buf, nil
}

// EncodeHandleLegacy serializes h into the smaller legacy buffer
// shape, truncating the reserved staging bytes the current version
// carries (spec.md §3).
func EncodeHandleLegacy(h comm.Handle) ([HandleSizeLegacy]byte, error) {
	full, err := EncodeHandle(h)
	if err != nil {
		return [HandleSizeLegacy]byte{}, err
	}
	var buf [HandleSizeLegacy]byte
	copy(buf[:], full[:HandleSizeLegacy])
	return buf, nil
}

// DecodeHandle parses an opaque handle buffer produced by either
// EncodeHandle or EncodeHandleLegacy: both share the same leading
// layout, and a legacy buffer is simply shorter (spec.md §3).
func DecodeHandle(buf []byte) (comm.Handle, error) {
	if len(buf) < HandleSizeLegacy {
		return comm.Handle{}, fmt.Errorf("%w: got %d bytes, want at least %d", ErrHandleCorrupt, len(buf), HandleSizeLegacy)
	}
	nameLen := int(binary.LittleEndian.Uint16(buf[0:2]))
	if nameLen < 0 || nameLen > epNameMaxLen {
		return comm.Handle{}, fmt.Errorf("%w: embedded name length %d out of range", ErrHandleCorrupt, nameLen)
	}
	name := append([]byte(nil), buf[2:2+nameLen]...)
	commID := int(binary.LittleEndian.Uint32(buf[2+epNameMaxLen : 2+epNameMaxLen+4]))
	return comm.Handle{LeaderEpName: name, CommID: commID}, nil
}

package plugin

import (
	"errors"
	"fmt"

	"github.com/railfabric/ofi-rail/internal/comm"
	"github.com/railfabric/ofi-rail/internal/fabric"
)

// ListenLegacyV4 is the older listen() ABI, which hands back the
// smaller HandleSizeLegacy buffer (spec.md §3 "older wire versions
// truncate the staging state"). It adapts directly onto Listen.
func (p *Plugin) ListenLegacyV4(ep *Endpoint) ([HandleSizeLegacy]byte, *comm.ListenComm, ExitCode, error) {
	lc, h, err := comm.Listen(ep.ep, p.commConfig())
	if err != nil {
		return [HandleSizeLegacy]byte{}, nil, MapError(err), err
	}
	buf, err := EncodeHandleLegacy(h)
	if err != nil {
		lc.Close()
		return [HandleSizeLegacy]byte{}, nil, MapError(err), err
	}
	return buf, lc, Success, nil
}

// ConnectLegacyV4 adapts the legacy v4 connect() ABI, which the host
// library drives as a busy loop calling connect() repeatedly until it
// returns a non-null comm (spec.md §9 Open Questions). This
// implementation resolves that question as: release (close) the
// partially-built send comm on any non-transient failure, and never
// release it on a bare "still connecting" return — a transient
// ErrTryAgain-shaped failure surfaces from comm.Connect as connected
// == false with err == nil, exactly like the main ABI's retry
// contract, so only a genuine error ends the loop early.
//
// Grounded in original_source/src/nccl_ofi_rdma.c's v4 connect retry
// loop, which distinguishes a transient retry (keep looping, keep the
// endpoint) from a hard failure (tear down and propagate).
func (p *Plugin) ConnectLegacyV4(ep *Endpoint, handleBuf []byte, maxAttempts int) (*comm.SendComm, ExitCode, error) {
	h, err := DecodeHandle(handleBuf)
	if err != nil {
		return nil, MapError(err), err
	}

	var sc *comm.SendComm
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var connected bool
		sc, connected, err = comm.Connect(ep.ep, h, p.commConfig(), sc)
		if err != nil {
			if sc != nil {
				if closeErr := sc.CloseSend(); closeErr != nil && !errors.Is(closeErr, fabric.ErrClosed) {
					p.logger.Warn("plugin: legacy v4 connect cleanup failed", "err", closeErr)
				}
			}
			return nil, MapError(err), err
		}
		if connected {
			return sc, Success, nil
		}
	}
	return nil, SystemError, fmt.Errorf("plugin: legacy v4 connect did not complete after %d attempts", maxAttempts)
}

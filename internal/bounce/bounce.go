// Package bounce implements the per-rail bounce-buffer pump: it keeps
// each rail's posted-unsolicited-receive count between min_posted and
// max_posted, refilling from a freelist and rolling back its counter
// when a post could not be completed (spec.md §4.6).
package bounce

import (
	"fmt"
	"sync"

	"github.com/railfabric/ofi-rail/internal/fabric"
	"github.com/railfabric/ofi-rail/internal/freelist"
)

// Rail pumps one rail's posted bounce-buffer count.
type Rail struct {
	mu sync.Mutex

	ep  fabric.Endpoint
	fl  *freelist.Freelist
	min int
	max int
	num int
}

// NewRail builds a pump for one rail's endpoint, drawing bounce slots
// from fl. min/max mirror spec.md's min_posted/max_posted.
func NewRail(ep fabric.Endpoint, fl *freelist.Freelist, min, max int) (*Rail, error) {
	if min < 0 || max < min {
		return nil, fmt.Errorf("bounce: require 0 <= min(%d) <= max(%d)", min, max)
	}
	return &Rail{ep: ep, fl: fl, min: min, max: max}, nil
}

// Posted returns the current num_posted count.
func (r *Rail) Posted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.num
}

// Refill posts bounce receives until num_posted reaches max_posted,
// but only when it has fallen below min_posted — matching spec.md's
// "whenever num_posted < min_posted, post max_posted - num_posted"
// rule rather than topping up on every call. newCtx builds the
// BOUNCE request context object each posted receive should carry;
// callers pass the owning request type's constructor. entry is handed
// back so the context can stash it (as BouncePayload.Entry) for the
// later FreeEntry call.
func (r *Rail) Refill(newCtx func(buf []byte, entry *freelist.Entry) any) ([]any, error) {
	r.mu.Lock()
	if r.num >= r.min {
		r.mu.Unlock()
		return nil, nil
	}
	toPost := r.max - r.num
	r.mu.Unlock()

	var posted []any
	var firstErr error
	postedCount := 0
	for i := 0; i < toPost; i++ {
		entry := r.fl.Alloc()
		if entry == nil {
			break
		}
		mr, _ := entry.MR.(*fabric.MR)
		ctx := newCtx(entry.Data, entry)
		if err := r.ep.PostRecv(entry.Data, mr, ctx); err != nil {
			r.fl.Free(entry)
			if err == fabric.ErrTryAgain {
				break
			}
			firstErr = err
			break
		}
		posted = append(posted, ctx)
		postedCount++
	}

	r.mu.Lock()
	r.num += postedCount
	r.mu.Unlock()

	return posted, firstErr
}

// Consumed records that one posted bounce buffer completed and was
// consumed (decrements num_posted). The caller is responsible for
// deciding whether to immediately repost (the common case) or defer
// reposting until an eager payload has been fully read out (spec.md
// §4.6's eager exception) — both paths call Consumed exactly once per
// completion, and reposting (if any) happens via a later Refill.
func (r *Rail) Consumed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.num > 0 {
		r.num--
	}
}

// FreeEntry returns a freelist entry obtained from this rail's pool
// (the e.(BouncePayload).Entry value stashed at Refill time) once its
// parked eager payload has been fully copied out by recv().
func (r *Rail) FreeEntry(e any) {
	entry, ok := e.(*freelist.Entry)
	if !ok || entry == nil {
		return
	}
	r.fl.Free(entry)
}

// Bounds returns the configured min/max posted counts.
func (r *Rail) Bounds() (min, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.min, r.max
}

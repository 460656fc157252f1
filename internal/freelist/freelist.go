// Package freelist implements a slab allocator of fixed-size records,
// with optional bulk memory registration of each arena against a
// fabric so that every entry's MR handle is recoverable in O(1) from
// the entry's back-pointer.
package freelist

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MRHandle is an opaque, fabric-assigned memory-registration handle.
type MRHandle any

// RegisterFunc registers a contiguous byte range with the fabric.
// cookie is the value passed to New, letting the caller thread domain
// handles through without a closure per arena.
type RegisterFunc func(cookie any, buf []byte) (MRHandle, error)

// DeregisterFunc undoes a prior RegisterFunc call.
type DeregisterFunc func(cookie any, h MRHandle) error

// Entry is the handle returned by Alloc. Data is the usable buffer;
// MR is nil unless the Freelist was built with a RegisterFunc.
type Entry struct {
	Data []byte
	MR   MRHandle

	arena *arena
	index int
}

type arena struct {
	buf     []byte
	mr      MRHandle
	entries []Entry
	free    []int // stack of free indices into entries
}

// Freelist is a growable pool of fixed-size entries, safe for
// concurrent Alloc/Free.
type Freelist struct {
	mu sync.Mutex

	entrySize int
	growth    int
	cap       int
	alignment int

	register   RegisterFunc
	deregister DeregisterFunc
	cookie     any

	arenas []*arena
	count  int // total entries ever created across arenas
}

// Option configures optional Freelist behavior.
type Option func(*Freelist)

// WithRegistration supplies fabric MR register/deregister callbacks
// and the cookie passed to both. Every arena is registered as one
// contiguous unit when it is created.
func WithRegistration(register RegisterFunc, deregister DeregisterFunc, cookie any) Option {
	return func(f *Freelist) {
		f.register = register
		f.deregister = deregister
		f.cookie = cookie
	}
}

// WithAlignment rounds each arena's allocation up to a multiple of
// align bytes. A zero or negative value means "use the host page
// size", matching the engine's requirement that internal MRs cover
// whole pages.
func WithAlignment(align int) Option {
	return func(f *Freelist) {
		if align <= 0 {
			align = unix.Getpagesize()
		}
		f.alignment = align
	}
}

// New builds a Freelist of entrySize-byte records. initial entries are
// allocated immediately; further arenas are allocated growth entries
// at a time, up to cap total entries (cap<=0 means unbounded).
func New(entrySize, initial, growth, cap int, opts ...Option) (*Freelist, error) {
	if entrySize <= 0 {
		return nil, fmt.Errorf("freelist: entrySize must be positive, got %d", entrySize)
	}
	if growth <= 0 {
		growth = 1
	}
	f := &Freelist{
		entrySize: entrySize,
		growth:    growth,
		cap:       cap,
		alignment: unix.Getpagesize(),
	}
	for _, opt := range opts {
		opt(f)
	}

	for f.count < initial {
		if err := f.growLocked(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Freelist) growLocked() error {
	if f.cap > 0 && f.count >= f.cap {
		return fmt.Errorf("freelist: at capacity (%d entries)", f.cap)
	}
	n := f.growth
	if f.cap > 0 && f.count+n > f.cap {
		n = f.cap - f.count
	}

	arenaBytes := n * f.entrySize
	if f.alignment > 0 {
		rem := arenaBytes % f.alignment
		if rem != 0 {
			arenaBytes += f.alignment - rem
		}
	}

	a := &arena{
		buf:     make([]byte, arenaBytes),
		entries: make([]Entry, n),
		free:    make([]int, n),
	}

	if f.register != nil {
		mr, err := f.register(f.cookie, a.buf)
		if err != nil {
			return fmt.Errorf("freelist: register arena: %w", err)
		}
		a.mr = mr
	}

	for i := 0; i < n; i++ {
		a.entries[i] = Entry{
			Data:  a.buf[i*f.entrySize : (i+1)*f.entrySize : (i+1)*f.entrySize],
			MR:    a.mr,
			arena: a,
			index: i,
		}
		a.free[i] = n - 1 - i // pop from the end, hand out ascending order
	}

	f.arenas = append(f.arenas, a)
	f.count += n
	return nil
}

// Alloc returns a free entry, growing the backing storage if needed
// and permitted by cap. Returns nil if the freelist is at capacity.
func (f *Freelist) Alloc() *Entry {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, a := range f.arenas {
		if len(a.free) > 0 {
			idx := a.free[len(a.free)-1]
			a.free = a.free[:len(a.free)-1]
			return &a.entries[idx]
		}
	}
	if err := f.growLocked(); err != nil {
		return nil
	}
	a := f.arenas[len(f.arenas)-1]
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	return &a.entries[idx]
}

// Free returns e to its owning arena's free list.
func (f *Freelist) Free(e *Entry) {
	if e == nil || e.arena == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e.arena.free = append(e.arena.free, e.index)
}

// Len returns the total number of entries (free and allocated) the
// freelist currently holds.
func (f *Freelist) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Finalize deregisters every arena's MR (if registered) and releases
// backing storage.
func (f *Freelist) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, a := range f.arenas {
		if f.deregister != nil && a.mr != nil {
			if err := f.deregister(f.cookie, a.mr); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	f.arenas = nil
	f.count = 0
	return firstErr
}

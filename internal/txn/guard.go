// Package txn implements a reentrant shared/exclusive transaction guard.
//
// Holders are identified by an explicit Owner instead of a thread. An owner
// already holding exclusive may re-enter in either mode without blocking, and
// an owner holding shared may promote to exclusive as long as it is the only
// shared holder. Waiters are woken on every release and re-check their
// eligibility; there is no fairness between readers and writers.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrInterrupted is returned by End when the owner's context was canceled
// while it was blocked waiting for the guard.
var ErrInterrupted = errors.New("transaction wait interrupted")

var ownerSeq atomic.Uint64

// Owner identifies a transaction participant. The zero value is not usable,
// call NewOwner.
type Owner struct {
	id uint64
}

func NewOwner() *Owner {
	return &Owner{id: ownerSeq.Add(1)}
}

func (o *Owner) ID() uint64 {
	return o.id
}

type holder struct {
	// modes is the stack of held acquisitions, true for exclusive.
	modes  []bool
	shared int
	// interrupted holds the cancellation cause seen while blocked, re-raised
	// by the End that empties modes.
	interrupted error
}

type (
	Guard struct {
		mu        sync.Mutex
		holders   map[*Owner]*holder
		exclusive *Owner
		depth     int
		readers   int
		waiting   int
		wake      chan struct{}
	}

	Stats struct {
		Readers        int `json:"readers"`
		ExclusiveDepth int `json:"exclusive_depth"`
		Waiting        int `json:"waiting"`
	}
)

func New() *Guard {
	return &Guard{holders: make(map[*Owner]*holder)}
}

// Begin opens a transaction for o, blocking until it is compatible with the
// other holders. Canceling ctx does not abort the wait: the cancellation is
// recorded and reported by the End that completes o's transaction.
func (g *Guard) Begin(ctx context.Context, o *Owner, mutable bool) {
	g.mu.Lock()
	h, ok := g.holders[o]
	if !ok {
		h = &holder{}
		g.holders[o] = h
	}
	done := ctx.Done()
	for !g.eligible(o, h, mutable) {
		if g.wake == nil {
			g.wake = make(chan struct{})
		}
		wake := g.wake
		g.waiting++
		g.mu.Unlock()
		select {
		case <-wake:
			g.mu.Lock()
		case <-done:
			g.mu.Lock()
			if h.interrupted == nil {
				h.interrupted = context.Cause(ctx)
			}
			done = nil
		}
		g.waiting--
	}
	if mutable {
		g.exclusive = o
		g.depth++
	} else {
		if h.shared == 0 {
			g.readers++
		}
		h.shared++
	}
	h.modes = append(h.modes, mutable)
	g.mu.Unlock()
}

// End releases the most recent acquisition of o. Calling End without a
// matching Begin is undefined.
func (g *Guard) End(o *Owner) error {
	g.mu.Lock()
	h := g.holders[o]
	last := len(h.modes) - 1
	mutable := h.modes[last]
	h.modes = h.modes[:last]
	if mutable {
		g.depth--
		if g.depth == 0 {
			g.exclusive = nil
		}
	} else {
		h.shared--
		if h.shared == 0 {
			g.readers--
		}
	}
	var interrupted error
	if len(h.modes) == 0 {
		interrupted = h.interrupted
		delete(g.holders, o)
	}
	if g.wake != nil {
		close(g.wake)
		g.wake = nil
	}
	g.mu.Unlock()
	if interrupted != nil {
		return fmt.Errorf("%w: %w", ErrInterrupted, interrupted)
	}
	return nil
}

func (g *Guard) eligible(o *Owner, h *holder, mutable bool) bool {
	if g.exclusive != nil && g.exclusive != o {
		return false
	}
	if !mutable {
		return true
	}
	others := g.readers
	if h.shared > 0 {
		others--
	}
	return others == 0
}

// Holds reports whether o currently holds the guard, and in which mode.
func (g *Guard) Holds(o *Owner) (held bool, exclusive bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.holders[o]
	if !ok || len(h.modes) == 0 {
		return false, false
	}
	return true, g.exclusive == o
}

func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Readers:        g.readers,
		ExclusiveDepth: g.depth,
		Waiting:        g.waiting,
	}
}

// Do runs fn inside a transaction owned by the owner carried in ctx, or a
// fresh one if ctx has none.
func (g *Guard) Do(ctx context.Context, mutable bool, fn func() error) (err error) {
	ctx, o := Ensure(ctx)
	g.Begin(ctx, o, mutable)
	defer func() {
		err = errors.Join(err, g.End(o))
	}()
	return fn()
}

// Package cct builds per-thread calling-context trees from call-site entry
// and exit events.
//
// Every mutation runs in an exclusive transaction of the builder's guard, every
// inspection in a shared one. A batch of events maps onto a single exclusive
// transaction: callers must pass a context carrying the same txn.Owner to
// BatchStart, the batch's events and BatchStop. Contexts without an owner get
// a fresh one per call.
package cct

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/stacktree"
	"github.com/getsentry/cctprof/internal/txn"
)

type (
	Config struct {
		// Logger defaults to the global logger.
		Logger  *zerolog.Logger
		Labeler callsite.Labeler
		Filter  *callsite.Filter
		// CollectTwoTimestamps enables time base 1. When false, time1 values
		// are ignored and net time1 stays 0.
		CollectTwoTimestamps bool
	}

	Builder struct {
		guard  *txn.Guard
		logger zerolog.Logger

		registry    *callsite.Registry
		tracker     *tracker
		stacks      []*stacktree.Node
		methodNames map[int32]string
		batches     []*txn.Owner

		events  int64
		dropped int64
	}

	Stats struct {
		Threads      int   `json:"threads"`
		Nodes        int   `json:"nodes"`
		CallSites    int   `json:"call_sites"`
		Events       int64 `json:"events"`
		Dropped      int64 `json:"dropped"`
		Clamped      int64 `json:"clamped"`
		IgnoredExits int64 `json:"ignored_exits"`
	}
)

var _ event.Sink = (*Builder)(nil)

func NewBuilder(cfg Config) *Builder {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Builder{
		guard:       txn.New(),
		logger:      logger.With().Str("component", "cct").Logger(),
		registry:    callsite.NewRegistry(cfg.Labeler, cfg.Filter),
		tracker:     newTracker(cfg.CollectTwoTimestamps),
		methodNames: make(map[int32]string),
	}
}

// Guard exposes the guard so callers can group several inspections in one
// shared transaction.
func (b *Builder) Guard() *txn.Guard {
	return b.guard
}

func (b *Builder) write(ctx context.Context, fn func()) error {
	ctx, o := txn.Ensure(ctx)
	b.guard.Begin(ctx, o, true)
	b.events++
	fn()
	return b.guard.End(o)
}

func (b *Builder) read(ctx context.Context, fn func()) error {
	ctx, o := txn.Ensure(ctx)
	b.guard.Begin(ctx, o, false)
	fn()
	return b.guard.End(o)
}

// BatchStart opens the exclusive transaction covering the following events
// up to the matching BatchStop.
func (b *Builder) BatchStart(ctx context.Context) error {
	ctx, o := txn.Ensure(ctx)
	b.guard.Begin(ctx, o, true)
	b.batches = append(b.batches, o)
	return nil
}

// BatchStop closes the batch opened by the owner carried in ctx. It is
// ignored unless that owner holds the guard exclusively with a batch open.
func (b *Builder) BatchStop(ctx context.Context) error {
	o, ok := txn.OwnerFrom(ctx)
	if !ok {
		b.logger.Warn().Msg("batch stop without an owner")
		return nil
	}
	if _, exclusive := b.guard.Holds(o); !exclusive {
		b.logger.Warn().Uint64("owner", o.ID()).Msg("batch stop without a batch start")
		return nil
	}
	last := len(b.batches) - 1
	if last < 0 || b.batches[last] != o {
		b.logger.Warn().Uint64("owner", o.ID()).Msg("batch stop without a batch start")
		return nil
	}
	b.batches = b.batches[:last]
	return b.guard.End(o)
}

func (b *Builder) NewThread(ctx context.Context, thread int32, name, typeName string) error {
	return b.write(ctx, func() {
		ts := b.tracker.thread(thread)
		ts.name = name
		ts.typeName = typeName
	})
}

// RegisterCallSite returns the id of label and kind, or
// callsite.Unregistered if the configured filter rejects the label.
func (b *Builder) RegisterCallSite(ctx context.Context, label string, kind callsite.Kind) (int32, error) {
	var id int32
	err := b.write(ctx, func() {
		var ok bool
		id, ok = b.registry.Register(label, kind)
		if !ok {
			b.logger.Debug().Str("label", label).Msg("call site filtered out")
			return
		}
		for len(b.stacks) < b.registry.Len() {
			b.stacks = append(b.stacks, nil)
		}
	})
	return id, err
}

func (b *Builder) MethodName(ctx context.Context, id int32, name string) error {
	return b.write(ctx, func() {
		b.methodNames[id] = name
	})
}

func (b *Builder) known(callSiteID int32) bool {
	if b.registry.Valid(callSiteID) {
		return true
	}
	b.dropped++
	b.logger.Debug().Int32("call_site_id", callSiteID).Msg("event for unknown call site dropped")
	return false
}

// CallSiteEntry records a timestamped entry. A non-nil stack, outermost frame
// first, is merged into the stack tree of the call site.
func (b *Builder) CallSiteEntry(ctx context.Context, callSiteID, thread int32, kind callsite.Kind, t0, t1 int64, args []string, stack []int32) error {
	return b.write(ctx, func() {
		b.entry(callSiteID, thread, true, t0, t1, stack)
	})
}

func (b *Builder) CallSiteEntryUnstamped(ctx context.Context, callSiteID, thread int32, kind callsite.Kind, args []string, stack []int32) error {
	return b.write(ctx, func() {
		b.entry(callSiteID, thread, false, 0, 0, stack)
	})
}

func (b *Builder) entry(callSiteID, thread int32, stamped bool, t0, t1 int64, stack []int32) {
	if !b.known(callSiteID) {
		return
	}
	clamped := b.tracker.clamped
	b.tracker.enter(thread, callSiteID, stamped, t0, t1)
	if b.tracker.clamped != clamped {
		b.logger.Debug().Int32("thread_id", thread).Int32("call_site_id", callSiteID).Msg("entry timestamp before caller baseline, clamped")
	}
	if stack == nil {
		return
	}
	tree := b.stacks[callSiteID]
	if tree == nil {
		tree = stacktree.NewTree()
		b.stacks[callSiteID] = tree
	}
	tree.Merge(stack).Calls++
}

func (b *Builder) CallSiteExit(ctx context.Context, callSiteID, thread int32, kind callsite.Kind, t0, t1 int64, ret string) error {
	return b.write(ctx, func() {
		b.exit(callSiteID, thread, true, t0, t1)
	})
}

func (b *Builder) CallSiteExitUnstamped(ctx context.Context, callSiteID, thread int32, kind callsite.Kind) error {
	return b.write(ctx, func() {
		b.exit(callSiteID, thread, false, 0, 0)
	})
}

func (b *Builder) exit(callSiteID, thread int32, stamped bool, t0, t1 int64) {
	if !b.known(callSiteID) {
		return
	}
	clamped := b.tracker.clamped
	switch b.tracker.exit(thread, callSiteID, stamped, t0, t1) {
	case exitUnknownThread:
		b.logger.Warn().Int32("thread_id", thread).Int32("call_site_id", callSiteID).Msg("exit on a thread without entries, ignored")
	case exitEmptyStack:
		b.logger.Warn().Int32("thread_id", thread).Int32("call_site_id", callSiteID).Msg("exit with an empty stack, ignored")
	case exitMismatch:
		b.logger.Warn().Int32("thread_id", thread).Int32("call_site_id", callSiteID).Msg("exit does not match the current frame, ignored")
	}
	if b.tracker.clamped != clamped {
		b.logger.Debug().Int32("thread_id", thread).Int32("call_site_id", callSiteID).Msg("exit timestamp before frame baseline, clamped")
	}
}

// TimeAdjust shifts the baselines of thread, compensating for a period the
// instrumented process spent suspended.
func (b *Builder) TimeAdjust(ctx context.Context, thread int32, d0, d1 int64) error {
	return b.write(ctx, func() {
		if !b.tracker.adjust(thread, d0, d1) {
			b.logger.Debug().Int32("thread_id", thread).Msg("time adjustment for an unknown thread")
		}
	})
}

// Reset drops every thread, tree, stack tree and call site.
func (b *Builder) Reset(ctx context.Context) error {
	return b.write(ctx, func() {
		b.tracker.reset()
		b.registry.Reset()
		b.stacks = nil
		b.methodNames = make(map[int32]string)
		b.events = 0
		b.dropped = 0
	})
}

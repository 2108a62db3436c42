// Package android replays Android method traces onto a call context tree
// builder. Every traced method becomes a method call site, the wall clock
// feeds time base 0 and the thread CPU clock feeds time base 1.
package android

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/errorutil"
	"github.com/getsentry/cctprof/internal/event"
)

type (
	Thread struct {
		ID   uint64 `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	}

	Method struct {
		ClassName    string   `json:"class_name,omitempty"`
		ID           uint64   `json:"id,omitempty"`
		InlineFrames []Method `json:"inline_frames,omitempty"`
		Name         string   `json:"name,omitempty"`
		Signature    string   `json:"signature,omitempty"`
		SourceFile   string   `json:"source_file,omitempty"`
		SourceLine   uint32   `json:"source_line,omitempty"`
	}

	EventMonotonic struct {
		Wall Duration `json:"wall,omitempty"`
		CPU  Duration `json:"cpu,omitempty"`
	}

	EventTime struct {
		Global    Duration       `json:"global,omitempty"`
		Monotonic EventMonotonic `json:"Monotonic,omitempty"`
	}

	Duration struct {
		Secs  uint64 `json:"secs,omitempty"`
		Nanos uint64 `json:"nanos,omitempty"`
	}

	Action string

	Event struct {
		Action   Action    `json:"action,omitempty"`
		ThreadID uint64    `json:"thread_id,omitempty"`
		MethodID uint64    `json:"method_id,omitempty"`
		Time     EventTime `json:"time,omitempty"`
	}

	Trace struct {
		Clock     Clock    `json:"clock"`
		Events    []Event  `json:"events,omitempty"`
		Methods   []Method `json:"methods,omitempty"`
		StartTime uint64   `json:"start_time,omitempty"`
		Threads   []Thread `json:"threads,omitempty"`
	}

	Clock string
)

const (
	EnterAction  Action = "Enter"
	ExitAction   Action = "Exit"
	UnwindAction Action = "Unwind"

	DualClock   Clock = "Dual"
	CPUClock    Clock = "Cpu"
	WallClock   Clock = "Wall"
	GlobalClock Clock = "Global"

	mainThread = "main"
	threadType = "android"
)

func (d Duration) Nanoseconds() uint64 {
	return d.Secs*uint64(time.Second) + d.Nanos
}

func (d *Duration) set(ns uint64) {
	d.Secs = ns / uint64(time.Second)
	d.Nanos = ns % uint64(time.Second)
}

// TimestampGetter returns the readers of both time bases. Only dual clock
// traces carry a CPU time next to the wall time, time base 1 reads 0 for the
// others.
func (t Trace) TimestampGetter() (time0, time1 func(EventTime) uint64) {
	zero := func(EventTime) uint64 { return 0 }
	switch t.Clock {
	case GlobalClock:
		return func(e EventTime) uint64 {
			ns := e.Global.Nanoseconds()
			if ns < t.StartTime {
				return 0
			}
			return ns - t.StartTime
		}, zero
	case CPUClock:
		return func(e EventTime) uint64 { return e.Monotonic.CPU.Nanoseconds() }, zero
	case DualClock:
		return func(e EventTime) uint64 { return e.Monotonic.Wall.Nanoseconds() },
			func(e EventTime) uint64 { return e.Monotonic.CPU.Nanoseconds() }
	default:
		return func(e EventTime) uint64 { return e.Monotonic.Wall.Nanoseconds() }, zero
	}
}

// MainThreadID returns the id of the thread named main, or 0.
func (t Trace) MainThreadID() uint64 {
	for _, thread := range t.Threads {
		if thread.Name == mainThread {
			return thread.ID
		}
	}
	return 0
}

// maxTimeNs: the highest time (in nanoseconds) in the sequence so far
// latestNs: the latest time value in ns (at time t-1) before it was updated
// currentNs: current value in ns (at time t) before it's updated.
func adjustedTime(maxTimeNs, latestNs, currentNs uint64) uint64 {
	if currentNs < maxTimeNs && currentNs < latestNs {
		return maxTimeNs + 1e9
	}
	return maxTimeNs + (currentNs - latestNs)
}

// FixSamplesTime makes the wall clock of every thread non-decreasing again.
// Some embedded profilers overflow client side and the sequence goes back in
// time at some point: from the first regression on, every event is shifted
// so the thread keeps moving forward.
func (t *Trace) FixSamplesTime() {
	if t.Clock == GlobalClock || t.Clock == CPUClock {
		return
	}
	threadMaxTimeNs := make(map[uint64]uint64)
	threadLatestTimeNs := make(map[uint64]uint64)
	regressionIndex := -1

	for i, e := range t.Events {
		current := e.Time.Monotonic.Wall.Nanoseconds()
		if current < threadLatestTimeNs[e.ThreadID] {
			regressionIndex = i
			break
		}
		threadLatestTimeNs[e.ThreadID] = current
		threadMaxTimeNs[e.ThreadID] = max(threadMaxTimeNs[e.ThreadID], current)
	}
	if regressionIndex <= 0 {
		return
	}
	for i := regressionIndex; i < len(t.Events); i++ {
		e := t.Events[i]
		current := e.Time.Monotonic.Wall.Nanoseconds()
		newTime := adjustedTime(threadMaxTimeNs[e.ThreadID], threadLatestTimeNs[e.ThreadID], current)
		threadMaxTimeNs[e.ThreadID] = max(threadMaxTimeNs[e.ThreadID], newTime)
		threadLatestTimeNs[e.ThreadID] = current
		t.Events[i].Time.Monotonic.Wall.set(newTime)
	}
}

func toInt32(kind string, id uint64) (int32, error) {
	if id > math.MaxInt32 {
		return 0, fmt.Errorf("android: %w: %s id %d out of range", errorutil.ErrDataIntegrity, kind, id)
	}
	return int32(id), nil
}

func toInt64(ns uint64) int64 {
	if ns > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(ns)
}

// Batch converts the trace into a batch of instrumentation events. Threads
// and methods are declared first, then the enters and exits follow in time
// order. An exit or unwind with nothing entered on its thread is dropped and
// frames still open at the end of the trace stay open.
func (t Trace) Batch() ([]event.Event, error) {
	t.Events = append([]Event(nil), t.Events...)
	t.FixSamplesTime()
	time0, time1 := t.TimestampGetter()
	sort.SliceStable(t.Events, func(i, j int) bool {
		return time0(t.Events[i].Time) < time0(t.Events[j].Time)
	})

	batch := make([]event.Event, 0, len(t.Threads)+2*len(t.Methods)+len(t.Events))
	for _, thread := range t.Threads {
		id, err := toInt32("thread", thread.ID)
		if err != nil {
			return nil, err
		}
		batch = append(batch, event.Event{
			Type:     event.TypeNewThread,
			ThreadID: id,
			Name:     thread.Name,
			TypeName: threadType,
		})
	}

	labels := make(map[uint64]string, len(t.Methods))
	for _, m := range t.Methods {
		id, err := toInt32("method", m.ID)
		if err != nil {
			return nil, err
		}
		label := m.Label()
		labels[m.ID] = label
		batch = append(batch,
			event.Event{Type: event.TypeRegister, Label: label, Kind: callsite.KindMethod},
			event.Event{Type: event.TypeMethodName, MethodID: id, Name: label},
		)
	}

	stacks := make(map[uint64][]int32)
	for _, e := range t.Events {
		thread, err := toInt32("thread", e.ThreadID)
		if err != nil {
			return nil, err
		}
		switch e.Action {
		case EnterAction:
			label, ok := labels[e.MethodID]
			if !ok {
				return nil, fmt.Errorf("android: %w: unknown method id %d", errorutil.ErrDataIntegrity, e.MethodID)
			}
			var stack []int32
			if current := stacks[e.ThreadID]; len(current) > 0 {
				stack = append([]int32(nil), current...)
			}
			batch = append(batch, event.Event{
				Type:     event.TypeEntry,
				Label:    label,
				Kind:     callsite.KindMethod,
				ThreadID: thread,
				Time0:    toInt64(time0(e.Time)),
				Time1:    toInt64(time1(e.Time)),
				Stack:    stack,
			})
			stacks[e.ThreadID] = append(stacks[e.ThreadID], int32(e.MethodID))
		case ExitAction, UnwindAction:
			current := stacks[e.ThreadID]
			if len(current) == 0 {
				continue
			}
			entered := current[len(current)-1]
			stacks[e.ThreadID] = current[:len(current)-1]
			batch = append(batch, event.Event{
				Type:     event.TypeExit,
				Label:    labels[uint64(entered)],
				Kind:     callsite.KindMethod,
				ThreadID: thread,
				Time0:    toInt64(time0(e.Time)),
				Time1:    toInt64(time1(e.Time)),
			})
		}
	}
	return batch, nil
}

// Replay converts the trace and dispatches it onto sink as one batch.
func Replay(ctx context.Context, sink event.Sink, t Trace) (event.Result, error) {
	batch, err := t.Batch()
	if err != nil {
		return event.Result{}, err
	}
	return event.Dispatch(ctx, sink, batch)
}

package cct

// frame is an active call on a thread stack. baseline0 and baseline1 are the
// timestamps from which the next net time segment of the frame is measured.
type frame struct {
	node      nodeIndex
	baseline0 int64
	baseline1 int64
	stamped   bool
}

type threadState struct {
	id       int32
	name     string
	typeName string
	root     nodeIndex
	stack    []frame
	nodes    int
}

func (ts *threadState) top() *frame {
	return &ts.stack[len(ts.stack)-1]
}

// depth is the number of active frames, the root excluded.
func (ts *threadState) depth() int {
	return len(ts.stack) - 1
}

// tracker owns the per-thread stacks and trees. All methods expect the
// caller to hold the builder's guard exclusively.
type tracker struct {
	arena   arena
	threads map[int32]*threadState
	order   []int32
	// twoTimestamps disables time base 1 when false.
	twoTimestamps bool

	clamped      int64
	ignoredExits int64
}

func newTracker(twoTimestamps bool) *tracker {
	return &tracker{
		threads:       make(map[int32]*threadState),
		twoTimestamps: twoTimestamps,
	}
}

func (t *tracker) thread(id int32) *threadState {
	ts, ok := t.threads[id]
	if ok {
		return ts
	}
	ts = &threadState{
		id:   id,
		root: t.arena.alloc(RootCallSite),
	}
	ts.stack = append(ts.stack, frame{node: ts.root})
	ts.nodes = 1
	t.threads[id] = ts
	t.order = append(t.order, id)
	return ts
}

func (t *tracker) clampTime1(t1 int64) int64 {
	if !t.twoTimestamps {
		return 0
	}
	return t1
}

// enter pushes a frame for callSiteID on thread. When stamped, the time since
// the caller's baseline is charged to the caller and the new frame starts
// measuring at the entry time.
func (t *tracker) enter(thread, callSiteID int32, stamped bool, t0, t1 int64) nodeIndex {
	ts := t.thread(thread)
	t1 = t.clampTime1(t1)
	if stamped {
		top := ts.top()
		if top.stamped {
			t0 = t.charge(top, t0, true)
			t1 = t.charge(top, t1, false)
		}
	}
	child, created := t.arena.child(ts.top().node, callSiteID)
	if created {
		ts.nodes++
	}
	t.arena.at(child).invocations++
	ts.stack = append(ts.stack, frame{
		node:      child,
		baseline0: t0,
		baseline1: t1,
		stamped:   stamped,
	})
	return child
}

// charge adds the time elapsed since f's baseline to its node and returns
// the timestamp to continue from. A timestamp before the baseline is clamped
// to it, the baseline is kept and nothing is charged.
func (t *tracker) charge(f *frame, ts int64, base0 bool) int64 {
	baseline := &f.baseline1
	if base0 {
		baseline = &f.baseline0
	}
	delta := ts - *baseline
	if delta < 0 {
		t.clamped++
		return *baseline
	}
	if f.node != noNode {
		n := t.arena.at(f.node)
		if n.callSiteID != RootCallSite {
			if base0 {
				n.netTime0 += delta
			} else {
				n.netTime1 += delta
			}
		}
	}
	*baseline = ts
	return ts
}

type exitResult uint8

const (
	exitOK exitResult = iota
	exitUnknownThread
	exitEmptyStack
	exitMismatch
)

// exit pops the top frame of thread if it belongs to callSiteID. The stack
// never drops below the root.
func (t *tracker) exit(thread, callSiteID int32, stamped bool, t0, t1 int64) exitResult {
	ts, ok := t.threads[thread]
	if !ok {
		t.ignoredExits++
		return exitUnknownThread
	}
	if ts.depth() == 0 {
		t.ignoredExits++
		return exitEmptyStack
	}
	top := ts.top()
	if t.arena.at(top.node).callSiteID != callSiteID {
		t.ignoredExits++
		return exitMismatch
	}
	t1 = t.clampTime1(t1)
	if stamped && top.stamped {
		t0 = t.charge(top, t0, true)
		t1 = t.charge(top, t1, false)
	}
	ts.stack = ts.stack[:len(ts.stack)-1]
	if stamped {
		caller := ts.top()
		caller.baseline0 = t0
		caller.baseline1 = t1
		caller.stamped = true
	}
	return exitOK
}

// adjust shifts every baseline of thread, leaving net times untouched.
func (t *tracker) adjust(thread int32, d0, d1 int64) bool {
	ts, ok := t.threads[thread]
	if !ok {
		return false
	}
	d1 = t.clampTime1(d1)
	for i := range ts.stack {
		ts.stack[i].baseline0 += d0
		ts.stack[i].baseline1 += d1
	}
	return true
}

func (t *tracker) reset() {
	t.arena.reset()
	t.threads = make(map[int32]*threadState)
	t.order = nil
	t.clamped = 0
	t.ignoredExits = 0
}

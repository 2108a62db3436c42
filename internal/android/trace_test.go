package android

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/cct"
	"github.com/getsentry/cctprof/internal/errorutil"
	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/stacktree"
	"github.com/getsentry/cctprof/internal/testutil"
)

func wallEvent(action Action, methodID uint64, secs, nanos uint64) Event {
	return Event{
		Action:   action,
		ThreadID: 1,
		MethodID: methodID,
		Time: EventTime{
			Monotonic: EventMonotonic{Wall: Duration{Secs: secs, Nanos: nanos}},
		},
	}
}

func dualEvent(action Action, methodID uint64, wall, cpu uint64) Event {
	return Event{
		Action:   action,
		ThreadID: 1,
		MethodID: methodID,
		Time: EventTime{
			Monotonic: EventMonotonic{
				Wall: Duration{Nanos: wall},
				CPU:  Duration{Nanos: cpu},
			},
		},
	}
}

var queryTrace = Trace{
	Clock: DualClock,
	Methods: []Method{
		{ID: 1, ClassName: "com.example.Main", Name: "run", Signature: "()V"},
		{ID: 2, ClassName: "com.example.Dao", Name: "query", Signature: "(Ljava/lang/String;)I"},
	},
	Threads: []Thread{{ID: 1, Name: "main"}},
	Events: []Event{
		dualEvent(EnterAction, 1, 0, 0),
		dualEvent(EnterAction, 2, 10, 5),
		dualEvent(ExitAction, 2, 30, 15),
		dualEvent(UnwindAction, 1, 40, 20),
	},
}

func TestFixSamplesTime(t *testing.T) {
	trace := Trace{
		Clock: DualClock,
		Events: []Event{
			wallEvent(EnterAction, 1, 1, 0),
			wallEvent(EnterAction, 2, 2, 0),
			wallEvent(EnterAction, 3, 7, 0),
			wallEvent(ExitAction, 3, 6, 0),
			wallEvent(ExitAction, 2, 9, 0),
		},
	}
	want := []Event{
		wallEvent(EnterAction, 1, 1, 0),
		wallEvent(EnterAction, 2, 2, 0),
		wallEvent(EnterAction, 3, 7, 0),
		wallEvent(ExitAction, 3, 8, 0),
		wallEvent(ExitAction, 2, 11, 0),
	}
	trace.FixSamplesTime()
	if diff := testutil.Diff(trace.Events, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFixSamplesTimeIgnoresCPUClock(t *testing.T) {
	trace := Trace{
		Clock: CPUClock,
		Events: []Event{
			wallEvent(EnterAction, 1, 7, 0),
			wallEvent(ExitAction, 1, 6, 0),
		},
	}
	want := append([]Event(nil), trace.Events...)
	trace.FixSamplesTime()
	if diff := testutil.Diff(trace.Events, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestMethodLabel(t *testing.T) {
	tests := []struct {
		name   string
		method Method
		want   string
	}{
		{
			name:   "void method",
			method: Method{ClassName: "com.example.Main", Name: "run", Signature: "()V"},
			want:   "com.example.Main.run()",
		},
		{
			name:   "with parameters and return",
			method: Method{ClassName: "com.example.Dao", Name: "query", Signature: "(Ljava/lang/String;J)[I"},
			want:   "com.example.Dao.query(String, long): int[]",
		},
		{
			name:   "no signature",
			method: Method{ClassName: "com.example.Main", Name: "run"},
			want:   "com.example.Main.run",
		},
		{
			name:   "invalid signature",
			method: Method{Name: "run", Signature: "V"},
			want:   "runV",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assertEquals(t, test.want, test.method.Label())
		})
	}
}

func TestBatch(t *testing.T) {
	batch, err := queryTrace.Batch()
	if err != nil {
		t.Fatal(err)
	}
	const (
		run   = "com.example.Main.run()"
		query = "com.example.Dao.query(String): int"
	)
	want := []event.Event{
		{Type: event.TypeNewThread, ThreadID: 1, Name: "main", TypeName: "android"},
		{Type: event.TypeRegister, Label: run, Kind: callsite.KindMethod},
		{Type: event.TypeMethodName, MethodID: 1, Name: run},
		{Type: event.TypeRegister, Label: query, Kind: callsite.KindMethod},
		{Type: event.TypeMethodName, MethodID: 2, Name: query},
		{Type: event.TypeEntry, Label: run, Kind: callsite.KindMethod, ThreadID: 1},
		{Type: event.TypeEntry, Label: query, Kind: callsite.KindMethod, ThreadID: 1, Time0: 10, Time1: 5, Stack: []int32{1}},
		{Type: event.TypeExit, Label: query, Kind: callsite.KindMethod, ThreadID: 1, Time0: 30, Time1: 15},
		{Type: event.TypeExit, Label: run, Kind: callsite.KindMethod, ThreadID: 1, Time0: 40, Time1: 20},
	}
	if diff := testutil.Diff(batch, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestBatchUnknownMethod(t *testing.T) {
	trace := Trace{Events: []Event{dualEvent(EnterAction, 3, 0, 0)}}
	if _, err := trace.Batch(); !errors.Is(err, errorutil.ErrDataIntegrity) {
		t.Fatalf("expected a data integrity error, got %v", err)
	}
}

func TestBatchDropsUnmatchedExits(t *testing.T) {
	trace := Trace{
		Methods: []Method{{ID: 1, Name: "run"}},
		Events: []Event{
			dualEvent(ExitAction, 1, 0, 0),
			dualEvent(EnterAction, 1, 5, 0),
		},
	}
	batch, err := trace.Batch()
	if err != nil {
		t.Fatal(err)
	}
	want := []event.Event{
		{Type: event.TypeRegister, Label: "run", Kind: callsite.KindMethod},
		{Type: event.TypeMethodName, MethodID: 1, Name: "run"},
		{Type: event.TypeEntry, Label: "run", Kind: callsite.KindMethod, ThreadID: 1, Time0: 5},
	}
	if diff := testutil.Diff(batch, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestReplayOntoBuilder(t *testing.T) {
	logger := zerolog.Nop()
	b := cct.NewBuilder(cct.Config{Logger: &logger, CollectTwoTimestamps: true})
	ctx := context.Background()

	r, err := Replay(ctx, b, queryTrace)
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(r, event.Result{Applied: 9}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	tree, err := b.ThreadTree(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := &cct.ThreadTree{
		ThreadInfo: cct.ThreadInfo{ID: 1, Name: "main", TypeName: "android", Nodes: 3},
		Root: &cct.TreeNode{
			CallSiteID: cct.RootCallSite,
			Children: []*cct.TreeNode{
				{
					CallSiteID:  0,
					Invocations: 1,
					NetTime0:    20,
					NetTime1:    10,
					Children: []*cct.TreeNode{
						{CallSiteID: 1, Invocations: 1, NetTime0: 20, NetTime1: 10},
					},
				},
			},
		},
	}
	if diff := testutil.Diff(tree, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	stacks, err := b.StackTree(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if stacks == nil {
		t.Fatal("expected a stack tree for the query call site")
	}
	n := stacks.Find(1)
	if n == nil || n.Kind != stacktree.KindTerminal || n.Calls != 1 {
		t.Fatalf("unexpected stack tree node %+v", n)
	}
}

package cct

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/flatprofile"
	"github.com/getsentry/cctprof/internal/stacktree"
	"github.com/getsentry/cctprof/internal/testutil"
	"github.com/getsentry/cctprof/internal/txn"
)

func newTestBuilder(t *testing.T, twoTimestamps bool, labels ...string) *Builder {
	t.Helper()
	logger := zerolog.Nop()
	b := NewBuilder(Config{Logger: &logger, CollectTwoTimestamps: twoTimestamps})
	for _, l := range labels {
		if _, err := b.RegisterCallSite(context.Background(), l, callsite.KindStatement); err != nil {
			t.Fatal(err)
		}
	}
	return b
}

func mustTree(t *testing.T, b *Builder, thread int32) *ThreadTree {
	t.Helper()
	tree, err := b.ThreadTree(context.Background(), thread)
	if err != nil {
		t.Fatal(err)
	}
	if tree == nil {
		t.Fatalf("expected a tree for thread %d", thread)
	}
	return tree
}

func TestThreadTreeFromNestedCalls(t *testing.T) {
	b := newTestBuilder(t, true, "zero", "one", "two")
	ctx := context.Background()

	_ = b.CallSiteEntry(ctx, 1, 7, callsite.KindStatement, 0, 0, nil, nil)
	_ = b.CallSiteEntry(ctx, 2, 7, callsite.KindStatement, 1, 1, nil, nil)
	_ = b.CallSiteExit(ctx, 2, 7, callsite.KindStatement, 5, 4, "")
	_ = b.CallSiteExit(ctx, 1, 7, callsite.KindStatement, 9, 7, "")

	want := &ThreadTree{
		ThreadInfo: ThreadInfo{ID: 7, Depth: 0, Nodes: 3},
		Root: &TreeNode{
			CallSiteID: RootCallSite,
			Children: []*TreeNode{
				{
					CallSiteID:  1,
					Invocations: 1,
					NetTime0:    5,
					NetTime1:    4,
					Children: []*TreeNode{
						{CallSiteID: 2, Invocations: 1, NetTime0: 4, NetTime1: 3},
					},
				},
			},
		},
	}
	if diff := testutil.Diff(mustTree(t, b, 7), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	p, err := b.CreateFlatProfile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantRows := []flatprofile.Row{
		{CallSiteID: 0},
		{CallSiteID: 1, Invocations: 1, Time0: 5, Time1: 4, TotalTime0: 9, TotalTime1: 7},
		{CallSiteID: 2, Invocations: 1, Time0: 4, Time1: 3, TotalTime0: 4, TotalTime1: 3},
	}
	if diff := testutil.Diff(p.Rows, wantRows); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestSingleTimestampIgnoresTime1(t *testing.T) {
	b := newTestBuilder(t, false, "a")
	ctx := context.Background()
	_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, 10, 10, nil, nil)
	_ = b.CallSiteExit(ctx, 0, 1, callsite.KindStatement, 25, 99, "")

	got := mustTree(t, b, 1).Root.Children[0]
	if got.NetTime0 != 15 || got.NetTime1 != 0 {
		t.Fatalf("expected net times 15/0, got %d/%d", got.NetTime0, got.NetTime1)
	}
}

func TestNonMonotonicTimestampsAreClamped(t *testing.T) {
	b := newTestBuilder(t, true, "outer", "inner")
	ctx := context.Background()

	_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, 100, 100, nil, nil)
	// entry before the caller baseline: nothing charged, inner starts at 100
	_ = b.CallSiteEntry(ctx, 1, 1, callsite.KindStatement, 90, 100, nil, nil)
	// exit before the inner baseline: nothing charged, outer restarts at 100
	_ = b.CallSiteExit(ctx, 1, 1, callsite.KindStatement, 95, 110, "")
	_ = b.CallSiteExit(ctx, 0, 1, callsite.KindStatement, 130, 120, "")

	outer := mustTree(t, b, 1).Root.Children[0]
	inner := outer.Children[0]
	want := []int64{30, 10, 0, 10}
	got := []int64{outer.NetTime0, outer.NetTime1, inner.NetTime0, inner.NetTime1}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	s, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Clamped != 2 {
		t.Fatalf("expected 2 clamped timestamps, got %d", s.Clamped)
	}
}

func TestTimeAdjustShiftsBaselines(t *testing.T) {
	b := newTestBuilder(t, true, "a", "b")
	ctx := context.Background()

	_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, 0, 0, nil, nil)
	_ = b.CallSiteEntry(ctx, 1, 1, callsite.KindStatement, 10, 10, nil, nil)
	// the process was suspended for 50/5 units
	_ = b.TimeAdjust(ctx, 1, 50, 5)
	_ = b.CallSiteExit(ctx, 1, 1, callsite.KindStatement, 70, 20, "")
	_ = b.CallSiteExit(ctx, 0, 1, callsite.KindStatement, 75, 25, "")

	a := mustTree(t, b, 1).Root.Children[0]
	got := []int64{a.NetTime0, a.NetTime1, a.Children[0].NetTime0, a.Children[0].NetTime1}
	if diff := testutil.Diff(got, []int64{15, 15, 10, 5}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestUnstampedEventsOnlyCount(t *testing.T) {
	b := newTestBuilder(t, true, "a", "b")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.CallSiteEntryUnstamped(ctx, 0, 1, callsite.KindStatement, nil, nil)
		_ = b.CallSiteEntryUnstamped(ctx, 1, 1, callsite.KindStatement, nil, nil)
		_ = b.CallSiteExitUnstamped(ctx, 1, 1, callsite.KindStatement)
		_ = b.CallSiteExitUnstamped(ctx, 0, 1, callsite.KindStatement)
	}
	want := &TreeNode{
		CallSiteID: RootCallSite,
		Children: []*TreeNode{
			{CallSiteID: 0, Invocations: 3, Children: []*TreeNode{
				{CallSiteID: 1, Invocations: 3},
			}},
		},
	}
	if diff := testutil.Diff(mustTree(t, b, 1).Root, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestStackDepthNeverNegative(t *testing.T) {
	b := newTestBuilder(t, true, "a", "b")
	ctx := context.Background()

	_ = b.CallSiteExit(ctx, 0, 3, callsite.KindStatement, 1, 1, "")
	_ = b.CallSiteEntry(ctx, 0, 3, callsite.KindStatement, 2, 2, nil, nil)
	_ = b.CallSiteExit(ctx, 1, 3, callsite.KindStatement, 3, 3, "")
	if got := mustTree(t, b, 3).Depth; got != 1 {
		t.Fatalf("expected depth 1 after a mismatched exit, got %d", got)
	}
	_ = b.CallSiteExit(ctx, 0, 3, callsite.KindStatement, 4, 4, "")
	_ = b.CallSiteExit(ctx, 0, 3, callsite.KindStatement, 5, 5, "")
	if got := mustTree(t, b, 3).Depth; got != 0 {
		t.Fatalf("expected depth 0, got %d", got)
	}

	s, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.IgnoredExits != 3 {
		t.Fatalf("expected 3 ignored exits, got %d", s.IgnoredExits)
	}
}

func TestRandomEventsKeepInvariants(t *testing.T) {
	b := newTestBuilder(t, true, "a", "b", "c", "d")
	ctx := context.Background()
	r := rand.New(rand.NewSource(42))
	depth := map[int32]int{}
	for i := 0; i < 5000; i++ {
		thread := int32(r.Intn(3))
		cs := int32(r.Intn(4))
		ts := int64(r.Intn(1000))
		if r.Intn(2) == 0 {
			_ = b.CallSiteEntry(ctx, cs, thread, callsite.KindStatement, ts, ts, nil, nil)
			depth[thread]++
			continue
		}
		_ = b.CallSiteExit(ctx, cs, thread, callsite.KindStatement, ts, ts, "")
	}
	threads, err := b.Threads(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, th := range threads {
		if th.Depth < 0 || th.Depth > depth[th.ID] {
			t.Fatalf("thread %d: depth %d out of range [0, %d]", th.ID, th.Depth, depth[th.ID])
		}
		tree := mustTree(t, b, th.ID)
		var check func(n *TreeNode)
		check = func(n *TreeNode) {
			if n.NetTime0 < 0 || n.NetTime1 < 0 {
				t.Fatalf("thread %d: negative net time on call site %d", th.ID, n.CallSiteID)
			}
			seen := map[int32]bool{}
			for _, c := range n.Children {
				if seen[c.CallSiteID] {
					t.Fatalf("thread %d: duplicate child %d", th.ID, c.CallSiteID)
				}
				seen[c.CallSiteID] = true
				check(c)
			}
		}
		check(tree.Root)
	}
}

func TestUnknownCallSiteIsDropped(t *testing.T) {
	b := newTestBuilder(t, true, "a")
	ctx := context.Background()

	_ = b.CallSiteEntry(ctx, 5, 1, callsite.KindStatement, 0, 0, nil, nil)
	_ = b.CallSiteExit(ctx, -2, 1, callsite.KindStatement, 1, 1, "")

	s, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Dropped != 2 || s.Threads != 0 {
		t.Fatalf("expected 2 dropped events and no thread, got %+v", s)
	}
}

func TestStackTrees(t *testing.T) {
	b := newTestBuilder(t, true, "a", "b")
	ctx := context.Background()

	_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, 0, 0, nil, []int32{10, 11})
	_ = b.CallSiteExit(ctx, 0, 1, callsite.KindStatement, 1, 1, "")
	_ = b.CallSiteEntry(ctx, 0, 2, callsite.KindStatement, 0, 0, nil, []int32{10, 11})
	_ = b.CallSiteEntry(ctx, 1, 2, callsite.KindStatement, 0, 0, nil, nil)
	_ = b.MethodName(ctx, 10, "Service.handle")

	want := stacktree.NewTree()
	want.Merge([]int32{10, 11}).Calls = 2

	got, err := b.StackTree(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if got, _ := b.StackTree(ctx, 1); got != nil {
		t.Fatal("expected no stack tree without stacks")
	}

	e, err := b.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Stacks) != 2 || e.Stacks[1] != nil || !e.Stacks[0].Equal(want) {
		t.Fatalf("unexpected exported stacks: %+v", e.Stacks)
	}
	if diff := testutil.Diff(e.MethodNames, map[int32]string{10: "Service.handle"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestReset(t *testing.T) {
	b := newTestBuilder(t, true, "a")
	ctx := context.Background()
	_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, 0, 0, nil, []int32{1})

	if err := b.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	s, err := b.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := testutil.Diff(s, Stats{}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	p, err := b.CreateFlatProfile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Rows) != 0 {
		t.Fatalf("expected an empty profile, got %d rows", len(p.Rows))
	}
	if tree, _ := b.ThreadTree(ctx, 1); tree != nil {
		t.Fatal("expected threads to be dropped")
	}
}

func TestChildSlotUpgrade(t *testing.T) {
	var a arena
	root := a.alloc(RootCallSite)
	first, created := a.child(root, 1)
	if !created || a.at(root).children.state != slotOne {
		t.Fatal("first child should be stored directly")
	}
	if again, created := a.child(root, 1); created || again != first {
		t.Fatal("expected the existing child")
	}
	a.child(root, 2)
	a.child(root, 3)
	slot := a.at(root).children
	if slot.state != slotMany || slot.len() != 3 {
		t.Fatalf("expected 3 children in a list, got state %d len %d", slot.state, slot.len())
	}
	for i := 0; i < bucketSize*2; i++ {
		a.alloc(int32(i))
	}
	if a.at(first).callSiteID != 1 {
		t.Fatal("nodes should stay addressable across buckets")
	}
}

func TestBatchIsOneTransaction(t *testing.T) {
	b := newTestBuilder(t, true, "a")
	ctx := txn.WithOwner(context.Background(), txn.NewOwner())

	if err := b.BatchStart(ctx); err != nil {
		t.Fatal(err)
	}
	_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, 0, 0, nil, nil)

	read := make(chan struct{})
	go func() {
		_, _ = b.CreateFlatProfile(context.Background())
		close(read)
	}()
	select {
	case <-read:
		t.Fatal("reader should wait for the batch")
	default:
	}

	_ = b.CallSiteExit(ctx, 0, 1, callsite.KindStatement, 3, 3, "")
	if err := b.BatchStop(ctx); err != nil {
		t.Fatal(err)
	}
	<-read
}

func TestConcurrentReadersNeverSeeHalfBatches(t *testing.T) {
	b := newTestBuilder(t, true, "a", "b")
	const batches = 200

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx := txn.WithOwner(context.Background(), txn.NewOwner())
		for i := 0; i < batches; i++ {
			ts := int64(i * 10)
			_ = b.BatchStart(ctx)
			_ = b.CallSiteEntry(ctx, 0, 1, callsite.KindStatement, ts, ts, nil, nil)
			_ = b.CallSiteEntry(ctx, 1, 1, callsite.KindStatement, ts+1, ts+1, nil, nil)
			_ = b.CallSiteExit(ctx, 1, 1, callsite.KindStatement, ts+3, ts+3, "")
			_ = b.CallSiteExit(ctx, 0, 1, callsite.KindStatement, ts+4, ts+4, "")
			_ = b.BatchStop(ctx)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < batches; i++ {
				p, err := b.CreateFlatProfile(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				a, c := p.Row(0), p.Row(1)
				if a.Invocations != c.Invocations || a.Time0 != 2*a.Invocations || c.Time0 != 2*c.Invocations {
					t.Errorf("observed a partial batch: %+v %+v", a, c)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDispatchOntoBuilder(t *testing.T) {
	b := newTestBuilder(t, true)
	batch := []event.Event{
		{Type: event.TypeNewThread, ThreadID: 7, Name: "worker-7"},
		{Type: event.TypeRegister, Label: "A", Kind: callsite.KindStatement},
		{Type: event.TypeEntry, Label: "B", Kind: callsite.KindStatement, ThreadID: 7},
		{Type: event.TypeEntry, Label: "C", Kind: callsite.KindStatement, ThreadID: 7, Time0: 1, Time1: 1},
		{Type: event.TypeExit, CallSiteID: 2, ThreadID: 7, Time0: 5, Time1: 4},
		{Type: event.TypeExit, CallSiteID: 1, ThreadID: 7, Time0: 9, Time1: 7},
		{Type: event.TypeRegister, Label: "A", Kind: callsite.KindStatement},
	}
	r, err := event.Dispatch(context.Background(), b, batch)
	if err != nil {
		t.Fatal(err)
	}
	if r.Applied != len(batch) {
		t.Fatalf("expected %d applied events, got %d", len(batch), r.Applied)
	}
	sites, err := b.CallSites(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sites) != 3 || sites[0].Label != "A" || sites[1].Label != "B" {
		t.Fatalf("unexpected call sites: %+v", sites)
	}
	tree := mustTree(t, b, 7)
	if tree.Name != "worker-7" {
		t.Fatalf("expected the thread name to be kept, got %q", tree.Name)
	}
	outer := tree.Root.Children[0]
	got := []int64{outer.NetTime0, outer.NetTime1, outer.Children[0].NetTime0, outer.Children[0].NetTime1}
	if diff := testutil.Diff(got, []int64{5, 4, 4, 3}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestBatchStopFromAnotherOwnerIsIgnored(t *testing.T) {
	b := newTestBuilder(t, true, "a")
	ingest := txn.NewOwner()
	ctx := txn.WithOwner(context.Background(), ingest)

	if err := b.BatchStart(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.BatchStop(txn.WithOwner(context.Background(), txn.NewOwner())); err != nil {
		t.Fatal(err)
	}
	if err := b.BatchStop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, exclusive := b.Guard().Holds(ingest); !exclusive {
		t.Fatal("the batch should still be open")
	}

	if err := b.BatchStop(ctx); err != nil {
		t.Fatal(err)
	}
	if held, _ := b.Guard().Holds(ingest); held {
		t.Fatal("the batch should be closed")
	}
	if got := b.Guard().Stats(); got.ExclusiveDepth != 0 || got.Readers != 0 {
		t.Fatalf("guard should be free, got %+v", got)
	}
}

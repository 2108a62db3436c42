package cct

import (
	"context"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/flatprofile"
	"github.com/getsentry/cctprof/internal/stacktree"
)

type (
	// TreeNode is a detached copy of a tree node, safe to use outside of any
	// transaction.
	TreeNode struct {
		CallSiteID  int32       `json:"call_site_id"`
		Invocations int64       `json:"invocations"`
		NetTime0    int64       `json:"net_time0"`
		NetTime1    int64       `json:"net_time1"`
		Children    []*TreeNode `json:"children,omitempty"`
	}

	ThreadInfo struct {
		ID       int32  `json:"id"`
		Name     string `json:"name,omitempty"`
		TypeName string `json:"type_name,omitempty"`
		Depth    int    `json:"depth"`
		Nodes    int    `json:"nodes"`
	}

	ThreadTree struct {
		ThreadInfo
		Root *TreeNode `json:"root"`
	}

	// Export is everything a snapshot needs, read in one transaction.
	Export struct {
		CallSites []callsite.CallSite
		Profile   *flatprofile.Profile
		// Stacks is indexed by call site id, nil entries have no stacks.
		Stacks      []*stacktree.Node
		MethodNames map[int32]string
	}
)

// Walk implements flatprofile.Tree.
func (n *TreeNode) Walk(enter func(int32, int64, int64, int64), exit func()) {
	enter(n.CallSiteID, n.Invocations, n.NetTime0, n.NetTime1)
	for _, c := range n.Children {
		c.Walk(enter, exit)
	}
	exit()
}

// arenaTree walks a thread tree in place, only valid inside a transaction.
type arenaTree struct {
	arena *arena
	root  nodeIndex
}

func (t arenaTree) Walk(enter func(int32, int64, int64, int64), exit func()) {
	t.arena.walk(t.root, func(n *node) {
		enter(n.callSiteID, n.invocations, n.netTime0, n.netTime1)
	}, exit)
}

func (b *Builder) copyTree(i nodeIndex) *TreeNode {
	n := b.tracker.arena.at(i)
	c := &TreeNode{
		CallSiteID:  n.callSiteID,
		Invocations: n.invocations,
		NetTime0:    n.netTime0,
		NetTime1:    n.netTime1,
	}
	if l := n.children.len(); l > 0 {
		c.Children = make([]*TreeNode, l)
		for j := range c.Children {
			c.Children[j] = b.copyTree(n.children.at(j))
		}
	}
	return c
}

func threadInfo(ts *threadState) ThreadInfo {
	return ThreadInfo{
		ID:       ts.id,
		Name:     ts.name,
		TypeName: ts.typeName,
		Depth:    ts.depth(),
		Nodes:    ts.nodes,
	}
}

// ThreadTree returns a copy of the tree of thread, or nil if the thread has
// not been seen since the last reset.
func (b *Builder) ThreadTree(ctx context.Context, thread int32) (*ThreadTree, error) {
	var tree *ThreadTree
	err := b.read(ctx, func() {
		ts, ok := b.tracker.threads[thread]
		if !ok {
			return
		}
		tree = &ThreadTree{
			ThreadInfo: threadInfo(ts),
			Root:       b.copyTree(ts.root),
		}
	})
	return tree, err
}

// Threads lists the known threads in order of first appearance.
func (b *Builder) Threads(ctx context.Context) ([]ThreadInfo, error) {
	var threads []ThreadInfo
	err := b.read(ctx, func() {
		threads = make([]ThreadInfo, 0, len(b.tracker.order))
		for _, id := range b.tracker.order {
			threads = append(threads, threadInfo(b.tracker.threads[id]))
		}
	})
	return threads, err
}

// StackTree returns a copy of the stack tree of callSiteID, or nil when no
// stacks were recorded for it.
func (b *Builder) StackTree(ctx context.Context, callSiteID int32) (*stacktree.Node, error) {
	var tree *stacktree.Node
	err := b.read(ctx, func() {
		if callSiteID < 0 || int(callSiteID) >= len(b.stacks) || b.stacks[callSiteID] == nil {
			return
		}
		tree = b.stacks[callSiteID].Clone()
	})
	return tree, err
}

func (b *Builder) CallSites(ctx context.Context) ([]callsite.CallSite, error) {
	var sites []callsite.CallSite
	err := b.read(ctx, func() {
		sites = b.registry.All()
	})
	return sites, err
}

func (b *Builder) flatProfile() *flatprofile.Profile {
	forest := make([]flatprofile.Tree, 0, len(b.tracker.order))
	for _, id := range b.tracker.order {
		forest = append(forest, arenaTree{arena: &b.tracker.arena, root: b.tracker.threads[id].root})
	}
	return flatprofile.Accumulate(b.registry.Len(), forest...)
}

// CreateFlatProfile aggregates every thread tree into one row per call site.
func (b *Builder) CreateFlatProfile(ctx context.Context) (*flatprofile.Profile, error) {
	var p *flatprofile.Profile
	err := b.read(ctx, func() {
		p = b.flatProfile()
	})
	return p, err
}

func (b *Builder) Export(ctx context.Context) (*Export, error) {
	var e *Export
	err := b.read(ctx, func() {
		e = &Export{
			CallSites:   b.registry.All(),
			Profile:     b.flatProfile(),
			MethodNames: make(map[int32]string, len(b.methodNames)),
		}
		for id, name := range b.methodNames {
			e.MethodNames[id] = name
		}
		hasStacks := false
		for _, s := range b.stacks {
			if s != nil {
				hasStacks = true
				break
			}
		}
		if !hasStacks {
			return
		}
		e.Stacks = make([]*stacktree.Node, len(e.CallSites))
		for id, s := range b.stacks {
			if s != nil && id < len(e.Stacks) {
				e.Stacks[id] = s.Clone()
			}
		}
	})
	return e, err
}

func (b *Builder) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := b.read(ctx, func() {
		s = Stats{
			Threads:      len(b.tracker.threads),
			Nodes:        b.tracker.arena.len(),
			CallSites:    b.registry.Len(),
			Events:       b.events,
			Dropped:      b.dropped,
			Clamped:      b.tracker.clamped,
			IgnoredExits: b.tracker.ignoredExits,
		}
	})
	return s, err
}

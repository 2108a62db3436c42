package cct

// RootCallSite is the call site id of the synthetic root of a thread tree.
const RootCallSite int32 = -1

const bucketSize = 1024

// nodeIndex addresses a node in the arena. noNode marks an empty slot.
type nodeIndex int32

const noNode nodeIndex = -1

type slotState uint8

const (
	slotNone slotState = iota
	slotOne
	slotMany
)

// childSlot holds the children of a node: none, a single direct index, or a
// growable list once a second child is attached.
type childSlot struct {
	state slotState
	one   nodeIndex
	many  []nodeIndex
}

type node struct {
	callSiteID  int32
	invocations int64
	netTime0    int64
	netTime1    int64
	children    childSlot
}

func (s *childSlot) len() int {
	switch s.state {
	case slotOne:
		return 1
	case slotMany:
		return len(s.many)
	}
	return 0
}

func (s *childSlot) at(i int) nodeIndex {
	if s.state == slotMany {
		return s.many[i]
	}
	return s.one
}

func (s *childSlot) attach(i nodeIndex) {
	switch s.state {
	case slotNone:
		s.state = slotOne
		s.one = i
	case slotOne:
		s.state = slotMany
		s.many = []nodeIndex{s.one, i}
		s.one = noNode
	default:
		s.many = append(s.many, i)
	}
}

// arena stores nodes in fixed size buckets so that indices stay valid and
// existing nodes are never copied while it grows.
type arena struct {
	n       int
	buckets [][]node
}

func (a *arena) alloc(callSiteID int32) nodeIndex {
	b := a.n / bucketSize
	if b >= len(a.buckets) {
		a.buckets = append(a.buckets, make([]node, 0, bucketSize))
	}
	a.buckets[b] = append(a.buckets[b], node{callSiteID: callSiteID, children: childSlot{one: noNode}})
	a.n++
	return nodeIndex(a.n - 1)
}

func (a *arena) at(i nodeIndex) *node {
	return &a.buckets[int(i)/bucketSize][int(i)%bucketSize]
}

func (a *arena) len() int {
	return a.n
}

func (a *arena) reset() {
	a.buckets = nil
	a.n = 0
}

// child returns the child of parent for callSiteID, creating it if needed.
// Fan-out is small, a linear scan is enough.
func (a *arena) child(parent nodeIndex, callSiteID int32) (nodeIndex, bool) {
	p := a.at(parent)
	for i, l := 0, p.children.len(); i < l; i++ {
		c := p.children.at(i)
		if a.at(c).callSiteID == callSiteID {
			return c, false
		}
	}
	c := a.alloc(callSiteID)
	p.children.attach(c)
	return c, true
}

// walk visits the subtree of i in pre-order with matching exit calls.
func (a *arena) walk(i nodeIndex, enter func(*node), exit func()) {
	n := a.at(i)
	enter(n)
	for j, l := 0, n.children.len(); j < l; j++ {
		a.walk(n.children.at(j), enter, exit)
	}
	exit()
}

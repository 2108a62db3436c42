// Package stacktree merges the caller stacks observed for one call site into
// a tree of method ids. Nodes where at least one observed stack ended are
// terminal and carry a call count.
package stacktree

import (
	"github.com/goccy/go-json"
)

// Kind tags a node. The zero value is reserved for "no tree" in encoded form.
type Kind uint8

const (
	KindIntermediate Kind = iota + 1
	KindTerminal
)

// RootMethodID is the method id of the synthetic root of every tree.
const RootMethodID int32 = -1

type (
	Node struct {
		MethodID int32
		Kind     Kind
		Calls    int64
		// Time is only set on captured copies, see Snapshot.
		Time     int64
		children children
	}

	// children holds either nothing, a single child or several of them, so
	// that the common single-caller chain does not allocate a slice.
	children struct {
		one  *Node
		many []*Node
	}
)

func NewTree() *Node {
	return &Node{MethodID: RootMethodID, Kind: KindIntermediate}
}

func (c *children) len() int {
	switch {
	case c.many != nil:
		return len(c.many)
	case c.one != nil:
		return 1
	}
	return 0
}

func (c *children) at(i int) *Node {
	if c.many != nil {
		return c.many[i]
	}
	return c.one
}

func (c *children) add(n *Node) {
	switch {
	case c.many != nil:
		c.many = append(c.many, n)
	case c.one != nil:
		c.many = []*Node{c.one, n}
		c.one = nil
	default:
		c.one = n
	}
}

func (n *Node) ChildCount() int {
	return n.children.len()
}

func (n *Node) Child(i int) *Node {
	return n.children.at(i)
}

// Children returns the children in insertion order.
func (n *Node) Children() []*Node {
	l := n.children.len()
	if l == 0 {
		return nil
	}
	nodes := make([]*Node, l)
	for i := range nodes {
		nodes[i] = n.children.at(i)
	}
	return nodes
}

// AddChild attaches c as the last child of n. It does not check for an
// existing child with the same method id.
func (n *Node) AddChild(c *Node) {
	n.children.add(c)
}

func (n *Node) Find(methodID int32) *Node {
	for i, l := 0, n.children.len(); i < l; i++ {
		if c := n.children.at(i); c.MethodID == methodID {
			return c
		}
	}
	return nil
}

// Merge follows stack from the outermost frame, creating missing nodes, and
// returns the node for the innermost frame after marking it terminal. The
// caller increments its Calls.
func (n *Node) Merge(stack []int32) *Node {
	cur := n
	for _, id := range stack {
		next := cur.Find(id)
		if next == nil {
			next = &Node{MethodID: id, Kind: KindIntermediate}
			cur.AddChild(next)
		}
		cur = next
	}
	// a shorter stack can end in the middle of a chain recorded earlier
	cur.Kind = KindTerminal
	return cur
}

// Walk visits n and its descendants in pre-order, stopping early if fn
// returns false.
func (n *Node) Walk(fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for i, l := 0, n.children.len(); i < l; i++ {
		if !n.children.at(i).Walk(fn) {
			return false
		}
	}
	return true
}

func (n *Node) Clone() *Node {
	c := &Node{
		MethodID: n.MethodID,
		Kind:     n.Kind,
		Calls:    n.Calls,
		Time:     n.Time,
	}
	for i, l := 0, n.children.len(); i < l; i++ {
		c.children.add(n.children.at(i).Clone())
	}
	return c
}

// Equal reports whether both trees have the same shape and values, children
// compared in order.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.MethodID != o.MethodID || n.Kind != o.Kind || n.Calls != o.Calls || n.Time != o.Time {
		return false
	}
	l := n.children.len()
	if l != o.children.len() {
		return false
	}
	for i := 0; i < l; i++ {
		if !n.children.at(i).Equal(o.children.at(i)) {
			return false
		}
	}
	return true
}

// TotalCalls sums the calls of every terminal node.
func (n *Node) TotalCalls() int64 {
	var total int64
	n.Walk(func(c *Node) bool {
		total += c.Calls
		return true
	})
	return total
}

// Len returns the number of nodes, root included.
func (n *Node) Len() int {
	var l int
	n.Walk(func(*Node) bool {
		l++
		return true
	})
	return l
}

type jsonNode struct {
	MethodID int32   `json:"method_id"`
	Terminal bool    `json:"terminal,omitempty"`
	Calls    int64   `json:"calls,omitempty"`
	Time     int64   `json:"time,omitempty"`
	Children []*Node `json:"children,omitempty"`
}

func (n *Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonNode{
		MethodID: n.MethodID,
		Terminal: n.Kind == KindTerminal,
		Calls:    n.Calls,
		Time:     n.Time,
		Children: n.Children(),
	})
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var j jsonNode
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*n = Node{
		MethodID: j.MethodID,
		Kind:     KindIntermediate,
		Calls:    j.Calls,
		Time:     j.Time,
	}
	if j.Terminal {
		n.Kind = KindTerminal
	}
	for _, c := range j.Children {
		n.children.add(c)
	}
	return nil
}

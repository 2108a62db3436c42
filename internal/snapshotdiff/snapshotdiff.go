// Package snapshotdiff compares two snapshots, either as one signed row list
// or as a pair of aligned stack trees.
package snapshotdiff

import (
	"github.com/samber/lo"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/snapshot"
	"github.com/getsentry/cctprof/internal/stacktree"
)

type rowKey struct {
	label string
	kind  callsite.Kind
}

// Diff returns b minus a. Rows of a come first in a's order with negated
// values, b's values are added to the row with the same label and kind, and
// rows only present in b are appended in b's order. Stack trees are not
// carried over, use Trees for them.
func Diff(a, b *snapshot.Snapshot) *snapshot.Snapshot {
	d := &snapshot.Snapshot{
		BeginTime: a.BeginTime,
		Duration:  b.BeginTime.Add(b.Duration).Sub(a.BeginTime),
		Rows:      make([]snapshot.Row, 0, len(a.Rows)+len(b.Rows)),
		IsDiff:    true,
	}
	index := make(map[rowKey]int, len(a.Rows))
	for _, r := range a.Rows {
		k := rowKey{label: r.Label, kind: r.Kind}
		if _, ok := index[k]; !ok {
			index[k] = len(d.Rows)
		}
		r.Invocations = -r.Invocations
		r.Time0 = -r.Time0
		r.Time1 = -r.Time1
		d.Rows = append(d.Rows, r)
	}
	for _, r := range b.Rows {
		k := rowKey{label: r.Label, kind: r.Kind}
		i, ok := index[k]
		if !ok {
			index[k] = len(d.Rows)
			d.Rows = append(d.Rows, r)
			continue
		}
		row := &d.Rows[i]
		row.Invocations += r.Invocations
		row.Time0 += r.Time0
		row.Time1 += r.Time1
		if len(row.Tables) == 0 {
			row.Tables = r.Tables
		}
	}
	names := lo.Assign(a.MethodNames, b.MethodNames)
	if len(names) > 0 {
		d.MethodNames = names
	}
	return d
}

// DualNode pairs a node of the first tree with the node of the second tree
// at the same path. A side missing at that path has zero values.
type DualNode struct {
	MethodID int32       `json:"method_id"`
	Calls    [2]int64    `json:"calls"`
	Time     [2]int64    `json:"time"`
	Present  [2]bool     `json:"present"`
	Children []*DualNode `json:"children,omitempty"`
}

// Trees aligns a and b. Children are paired by method id, a's children
// first in a's order, then children only present in b in b's order. Either
// tree may be nil.
func Trees(a, b *stacktree.Node) *DualNode {
	if a == nil && b == nil {
		return nil
	}
	d := &DualNode{}
	if a != nil {
		d.MethodID = a.MethodID
		d.Calls[0], d.Time[0], d.Present[0] = a.Calls, a.Time, true
	}
	if b != nil {
		d.MethodID = b.MethodID
		d.Calls[1], d.Time[1], d.Present[1] = b.Calls, b.Time, true
	}

	var ac, bc []*stacktree.Node
	if a != nil {
		ac = a.Children()
	}
	if b != nil {
		bc = b.Children()
	}
	paired := make([]bool, len(bc))
	for _, c := range ac {
		var match *stacktree.Node
		for j, o := range bc {
			if !paired[j] && o.MethodID == c.MethodID {
				paired[j] = true
				match = o
				break
			}
		}
		d.Children = append(d.Children, Trees(c, match))
	}
	for j, o := range bc {
		if !paired[j] {
			d.Children = append(d.Children, Trees(nil, o))
		}
	}
	return d
}

// StackTrees aligns the stack trees recorded in a and b for the call site
// identified by label and kind. ok is false if neither snapshot has stacks
// for it.
func StackTrees(a, b *snapshot.Snapshot, label string, kind callsite.Kind) (*DualNode, bool) {
	ta := a.StackTree(a.Find(label, kind))
	tb := b.StackTree(b.Find(label, kind))
	d := Trees(ta, tb)
	return d, d != nil
}

// Delta returns the difference between the two sides of every node.
func (d *DualNode) Delta() (calls, time int64) {
	return d.Calls[1] - d.Calls[0], d.Time[1] - d.Time[0]
}

// Package snapshot captures immutable profiles from a tree builder and
// encodes them in a compact versioned binary form.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/cct"
	"github.com/getsentry/cctprof/internal/stacktree"
)

type (
	// Row is the aggregate of one call site. In a diff, counts and times are
	// signed deltas. Tables is nil when the call site references none, which
	// is also how the codec decodes an empty list.
	Row struct {
		Label       string           `json:"label"`
		Kind        callsite.Kind    `json:"kind"`
		Command     callsite.Command `json:"command"`
		Tables      []string         `json:"tables,omitempty"`
		Invocations int64            `json:"invocations"`
		Time0       int64            `json:"time0"`
		Time1       int64            `json:"time1"`
	}

	Snapshot struct {
		BeginTime time.Time     `json:"begin_time"`
		Duration  time.Duration `json:"duration"`
		Rows      []Row         `json:"rows"`
		// Stacks is nil when no stacks were recorded, otherwise it has one
		// entry per row, nil for rows without stacks.
		Stacks      []*stacktree.Node `json:"stacks,omitempty"`
		MethodNames map[int32]string  `json:"method_names,omitempty"`
		// IsDiff is set on results of a diff. It is not encoded.
		IsDiff bool `json:"is_diff,omitempty"`
	}

	// Source is what Capture reads from, satisfied by *cct.Builder.
	Source interface {
		Export(ctx context.Context) (*cct.Export, error)
	}
)

// Capture reads src in one shared transaction and returns a snapshot of it
// covering the time from begin to now. Terminal stack nodes get the average
// net time per invocation of their call site times their call count.
func Capture(ctx context.Context, src Source, begin time.Time) (*Snapshot, error) {
	e, err := src.Export(ctx)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{
		BeginTime: begin,
		Duration:  time.Since(begin),
		Rows:      make([]Row, len(e.CallSites)),
	}
	for i, cs := range e.CallSites {
		r := e.Profile.Row(cs.ID)
		s.Rows[i] = Row{
			Label:       cs.Label,
			Kind:        cs.Kind,
			Command:     cs.Command,
			Invocations: r.Invocations,
			Time0:       r.Time0,
			Time1:       r.Time1,
		}
		if len(cs.Tables) > 0 {
			s.Rows[i].Tables = append([]string(nil), cs.Tables...)
		}
	}
	if e.Stacks != nil {
		s.Stacks = make([]*stacktree.Node, len(s.Rows))
		for i, tree := range e.Stacks {
			if tree == nil || i >= len(s.Rows) {
				continue
			}
			var avg int64
			if row := s.Rows[i]; row.Invocations > 0 {
				avg = row.Time0 / row.Invocations
			}
			tree.Walk(func(n *stacktree.Node) bool {
				if n.Kind == stacktree.KindTerminal {
					n.Time = avg * n.Calls
				}
				return true
			})
			s.Stacks[i] = tree
		}
	}
	if len(e.MethodNames) > 0 {
		s.MethodNames = e.MethodNames
	}
	return s, nil
}

// Find returns the index of the row matching label and kind, or -1.
func (s *Snapshot) Find(label string, kind callsite.Kind) int {
	for i, r := range s.Rows {
		if r.Label == label && r.Kind == kind {
			return i
		}
	}
	return -1
}

// StackTree returns the stack tree of row i, or nil.
func (s *Snapshot) StackTree(i int) *stacktree.Node {
	if i < 0 || i >= len(s.Stacks) {
		return nil
	}
	return s.Stacks[i]
}

// StoragePath is the object key of a stored snapshot.
func StoragePath(session, id string) string {
	return fmt.Sprintf("snapshots/%s/%s", session, id)
}

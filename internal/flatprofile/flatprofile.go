// Package flatprofile collapses calling-context trees into one row per call
// site.
package flatprofile

import (
	"fmt"

	"golang.org/x/exp/slices"
)

type (
	// Row aggregates every occurrence of a call site. Time0 and Time1 are net
	// times for the two time bases; TotalTime0 and TotalTime1 are inclusive
	// and count recursive occurrences once.
	Row struct {
		CallSiteID  int32 `json:"call_site_id"`
		Invocations int64 `json:"invocations"`
		Time0       int64 `json:"time0"`
		Time1       int64 `json:"time1"`
		TotalTime0  int64 `json:"total_time0"`
		TotalTime1  int64 `json:"total_time1"`
	}

	// Profile holds one row per call site id, indexed by id.
	Profile struct {
		Rows []Row `json:"rows"`
	}

	// Tree is a calling-context tree walked in pre-order: enter is called
	// when a node is reached and exit once all its descendants were visited.
	Tree interface {
		Walk(enter func(callSiteID int32, invocations, time0, time1 int64), exit func())
	}

	SortKey int
)

const (
	ByInvocations SortKey = iota
	ByTime0
	ByTime1
	ByTotalTime0
	ByTotalTime1
)

var sortKeys = map[string]SortKey{
	"invocations": ByInvocations,
	"time0":       ByTime0,
	"time1":       ByTime1,
	"total_time0": ByTotalTime0,
	"total_time1": ByTotalTime1,
}

// ParseSortKey accepts invocations, time0, time1, total_time0 and
// total_time1. An empty string sorts by time0.
func ParseSortKey(s string) (SortKey, error) {
	if s == "" {
		return ByTime0, nil
	}
	k, ok := sortKeys[s]
	if !ok {
		return 0, fmt.Errorf("flatprofile: unknown sort key %q", s)
	}
	return k, nil
}

// Accumulate builds a profile with n rows from forest.
func Accumulate(n int, forest ...Tree) *Profile {
	a := NewAccumulator(n)
	for _, t := range forest {
		t.Walk(a.Enter, a.Exit)
	}
	return a.Profile()
}

type frame struct {
	id           int32
	time0, time1 int64
}

// Accumulator sums nodes fed to it through Enter and Exit. Ids outside of
// [0, n) are walked through but not recorded.
type Accumulator struct {
	rows   []Row
	onPath []int32
	stack  []frame
}

func NewAccumulator(n int) *Accumulator {
	rows := make([]Row, n)
	for i := range rows {
		rows[i].CallSiteID = int32(i)
	}
	return &Accumulator{
		rows:   rows,
		onPath: make([]int32, n),
	}
}

func (a *Accumulator) valid(id int32) bool {
	return id >= 0 && int(id) < len(a.rows)
}

func (a *Accumulator) Enter(id int32, invocations, time0, time1 int64) {
	if a.valid(id) {
		r := &a.rows[id]
		r.Invocations += invocations
		r.Time0 += time0
		r.Time1 += time1
		a.onPath[id]++
	}
	a.stack = append(a.stack, frame{id: id, time0: time0, time1: time1})
}

func (a *Accumulator) Exit() {
	last := len(a.stack) - 1
	f := a.stack[last]
	a.stack = a.stack[:last]
	if a.valid(f.id) {
		a.onPath[f.id]--
		if a.onPath[f.id] == 0 {
			a.rows[f.id].TotalTime0 += f.time0
			a.rows[f.id].TotalTime1 += f.time1
		}
	}
	if last > 0 {
		a.stack[last-1].time0 += f.time0
		a.stack[last-1].time1 += f.time1
	}
}

func (a *Accumulator) Profile() *Profile {
	return &Profile{Rows: a.rows}
}

// Row returns the row of id, or a zero row with that id if the profile has
// none.
func (p *Profile) Row(id int32) Row {
	if id < 0 || int(id) >= len(p.Rows) {
		return Row{CallSiteID: id}
	}
	return p.Rows[id]
}

// Totals sums the net times and invocations of every row. The inclusive
// totals of the result equal its net totals.
func (p *Profile) Totals() Row {
	t := Row{CallSiteID: -1}
	for _, r := range p.Rows {
		t.Invocations += r.Invocations
		t.Time0 += r.Time0
		t.Time1 += r.Time1
	}
	t.TotalTime0 = t.Time0
	t.TotalTime1 = t.Time1
	return t
}

// Active returns the rows of call sites invoked at least once.
func (p *Profile) Active() []Row {
	rows := make([]Row, 0, len(p.Rows))
	for _, r := range p.Rows {
		if r.Invocations > 0 {
			rows = append(rows, r)
		}
	}
	return rows
}

// Sorted returns a copy of the rows ordered by key, largest first. Ties keep
// id order.
func (p *Profile) Sorted(key SortKey) []Row {
	rows := slices.Clone(p.Rows)
	slices.SortStableFunc(rows, func(a, b Row) bool {
		return key.value(a) > key.value(b)
	})
	return rows
}

func (k SortKey) value(r Row) int64 {
	switch k {
	case ByTime0:
		return r.Time0
	case ByTime1:
		return r.Time1
	case ByTotalTime0:
		return r.TotalTime0
	case ByTotalTime1:
		return r.TotalTime1
	default:
		return r.Invocations
	}
}

// Package metrics aggregates the flat rows of several snapshots into
// per call site distributions.
package metrics

import (
	"errors"
	"math"
	"sort"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/snapshot"
)

var ErrDiffSnapshot = errors.New("metrics: diff snapshots cannot be aggregated")

type (
	key struct {
		label string
		kind  callsite.Kind
	}

	samples struct {
		Label       string
		Kind        callsite.Kind
		Command     callsite.Command
		Tables      []string
		TimesNS     []uint64
		SumNS       uint64
		Invocations uint64
	}

	SnapshotsMetadata struct {
		MaxVal   uint64
		WorstID  string
		Examples []string
	}

	Aggregator struct {
		MaxUniqueCallSites uint
		MaxNumOfExamples   uint
		Samples            map[key]*samples
		Metadata           map[key]*SnapshotsMetadata
	}

	CallSiteMetrics struct {
		Label       string           `json:"label"`
		Kind        callsite.Kind    `json:"kind"`
		Command     callsite.Command `json:"command"`
		Tables      []string         `json:"tables,omitempty"`
		P75         uint64           `json:"p75"`
		P95         uint64           `json:"p95"`
		P99         uint64           `json:"p99"`
		Avg         float64          `json:"avg"`
		Sum         uint64           `json:"sum"`
		Count       uint64           `json:"count"`
		Invocations uint64           `json:"invocations"`
		Worst       string           `json:"worst"`
		Examples    []string         `json:"examples"`
	}
)

func NewAggregator(maxUniqueCallSites, maxNumOfExamples uint) Aggregator {
	return Aggregator{
		MaxUniqueCallSites: maxUniqueCallSites,
		MaxNumOfExamples:   maxNumOfExamples,
		Samples:            make(map[key]*samples),
		Metadata:           make(map[key]*SnapshotsMetadata),
	}
}

// AddSnapshot adds one sample per invoked call site of s: its net time in
// time base 0. id identifies the snapshot in worst and example references.
func (ma *Aggregator) AddSnapshot(s *snapshot.Snapshot, id string) error {
	if s.IsDiff {
		return ErrDiffSnapshot
	}
	for _, r := range s.Rows {
		if r.Invocations <= 0 {
			continue
		}
		t := uint64(max(r.Time0, 0))
		k := key{label: r.Label, kind: r.Kind}
		cs, ok := ma.Samples[k]
		if !ok {
			ma.Samples[k] = &samples{
				Label:       r.Label,
				Kind:        r.Kind,
				Command:     r.Command,
				Tables:      r.Tables,
				TimesNS:     []uint64{t},
				SumNS:       t,
				Invocations: uint64(r.Invocations),
			}
			ma.Metadata[k] = &SnapshotsMetadata{
				MaxVal:   t,
				WorstID:  id,
				Examples: []string{id},
			}
			continue
		}
		cs.TimesNS = append(cs.TimesNS, t)
		cs.SumNS += t
		cs.Invocations += uint64(r.Invocations)
		md := ma.Metadata[k]
		if t > md.MaxVal {
			md.MaxVal = t
			md.WorstID = id
		}
		if len(md.Examples) < int(ma.MaxNumOfExamples) {
			md.Examples = append(md.Examples, id)
		}
	}
	return nil
}

// ToMetrics returns the call sites by decreasing total time, at most
// MaxUniqueCallSites of them.
func (ma *Aggregator) ToMetrics() []CallSiteMetrics {
	metrics := make([]CallSiteMetrics, 0, len(ma.Samples))
	for k, cs := range ma.Samples {
		sort.Slice(cs.TimesNS, func(i, j int) bool {
			return cs.TimesNS[i] < cs.TimesNS[j]
		})
		p75, _ := quantile(cs.TimesNS, 0.75)
		p95, _ := quantile(cs.TimesNS, 0.95)
		p99, _ := quantile(cs.TimesNS, 0.99)
		md := ma.Metadata[k]
		metrics = append(metrics, CallSiteMetrics{
			Label:       cs.Label,
			Kind:        cs.Kind,
			Command:     cs.Command,
			Tables:      cs.Tables,
			P75:         p75,
			P95:         p95,
			P99:         p99,
			Avg:         float64(cs.SumNS) / float64(len(cs.TimesNS)),
			Sum:         cs.SumNS,
			Count:       uint64(len(cs.TimesNS)),
			Invocations: cs.Invocations,
			Worst:       md.WorstID,
			Examples:    md.Examples,
		})
	}
	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Sum != metrics[j].Sum {
			return metrics[i].Sum > metrics[j].Sum
		}
		if metrics[i].Label != metrics[j].Label {
			return metrics[i].Label < metrics[j].Label
		}
		return metrics[i].Kind < metrics[j].Kind
	})
	if len(metrics) > int(ma.MaxUniqueCallSites) {
		metrics = metrics[:ma.MaxUniqueCallSites]
	}
	return metrics
}

func quantile(values []uint64, q float64) (uint64, error) {
	if len(values) == 0 {
		return 0, errors.New("cannot compute percentile from empty list")
	}
	if q <= 0 || q > 1 {
		return 0, errors.New("q must be a value between 0 and 1.0")
	}
	index := int(math.Ceil(float64(len(values))*q)) - 1
	return values[index], nil
}

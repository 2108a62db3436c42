// Package speedscope renders call context trees in the speedscope file
// format.
package speedscope

import (
	"fmt"
	"sort"

	"github.com/getsentry/cctprof/internal/callsite"
	"github.com/getsentry/cctprof/internal/cct"
)

const (
	ValueUnitNanoseconds ValueUnit = "nanoseconds"
	ValueUnitCount       ValueUnit = "count"

	ProfileTypeSampled ProfileType = "sampled"

	version = "1"
)

type (
	Frame struct {
		Image         string `json:"image,omitempty"`
		IsApplication bool   `json:"is_application"`
		Name          string `json:"name"`
	}

	SampledProfile struct {
		EndValue     uint64      `json:"endValue"`
		IsMainThread bool        `json:"isMainThread"`
		Name         string      `json:"name"`
		Samples      [][]int     `json:"samples"`
		StartValue   uint64      `json:"startValue"`
		ThreadID     int32       `json:"threadID"`
		Type         ProfileType `json:"type"`
		Unit         ValueUnit   `json:"unit"`
		Weights      []uint64    `json:"weights"`
	}

	SharedData struct {
		Frames []Frame `json:"frames"`
	}

	ProfileType string
	ValueUnit   string

	Output struct {
		ActiveProfileIndex int           `json:"activeProfileIndex"`
		DurationNS         uint64        `json:"durationNS"`
		Name               string        `json:"name"`
		Profiles           []interface{} `json:"profiles"`
		Shared             SharedData    `json:"shared"`
		Version            string        `json:"version"`
	}
)

// FromThreadTree renders tree as a sampled profile: every node with a
// positive net time in the chosen time base becomes one sample whose stack is
// the path from the root and whose weight is that net time. Frames are
// indexed by call site id.
func FromThreadTree(tree *cct.ThreadTree, sites []callsite.CallSite, timeBase int) (Output, error) {
	if timeBase != 0 && timeBase != 1 {
		return Output{}, fmt.Errorf("speedscope: invalid time base %d", timeBase)
	}
	frames := make([]Frame, len(sites))
	for i, s := range sites {
		frames[i] = Frame{
			Name:          s.Label,
			Image:         s.Kind.String(),
			IsApplication: s.Kind == callsite.KindMethod,
		}
	}

	name := tree.Name
	if name == "" {
		name = fmt.Sprintf("thread %d", tree.ID)
	}
	p := &SampledProfile{
		IsMainThread: tree.Name == "main",
		Name:         name,
		Samples:      [][]int{},
		ThreadID:     tree.ID,
		Type:         ProfileTypeSampled,
		Unit:         ValueUnitNanoseconds,
		Weights:      []uint64{},
	}

	var (
		stack []int
		total uint64
		visit func(n *cct.TreeNode) error
	)
	visit = func(n *cct.TreeNode) error {
		if int(n.CallSiteID) >= len(frames) {
			return fmt.Errorf("speedscope: call site %d has no frame", n.CallSiteID)
		}
		stack = append(stack, int(n.CallSiteID))
		net := n.NetTime0
		if timeBase == 1 {
			net = n.NetTime1
		}
		if net > 0 {
			p.Samples = append(p.Samples, append([]int(nil), stack...))
			p.Weights = append(p.Weights, uint64(net))
			total += uint64(net)
		}
		for _, c := range n.Children {
			if err := visit(c); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		return nil
	}
	if tree.Root != nil {
		for _, c := range tree.Root.Children {
			if err := visit(c); err != nil {
				return Output{}, err
			}
		}
	}
	p.EndValue = total

	return Output{
		DurationNS: total,
		Name:       name,
		Profiles:   []interface{}{p},
		Shared:     SharedData{Frames: frames},
		Version:    version,
	}, nil
}

// SortSamplesForFlamegraph orders the samples of every sampled profile by
// frame name and gives them all the same weight.
func (o *Output) SortSamplesForFlamegraph() {
	frames := o.Shared.Frames
	for _, sampledProfile := range o.Profiles {
		profile, ok := sampledProfile.(*SampledProfile)
		if !ok {
			continue
		}
		SortSamplesAlphabetically(profile.Samples, frames)
		profile.Unit = ValueUnitCount
		for i := range profile.Weights {
			profile.Weights[i] = 1
		}
	}
}

func SortSamplesAlphabetically(samples [][]int, frames []Frame) {
	sort.Slice(samples, func(i, j int) bool {
		c := 0
		for {
			if len(samples[i]) == c {
				return true
			} else if len(samples[j]) == c {
				return false
			}
			a, b := frames[samples[i][c]].Name, frames[samples[j][c]].Name
			if a != b {
				return a < b
			}
			c++
		}
	})
}

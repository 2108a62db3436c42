package callsite

import (
	"fmt"

	"github.com/grafana/regexp"
)

// Filter decides which labels get registered. A label passes when it matches
// no exclude pattern and, if include patterns are set, at least one of them.
// The zero value and a nil *Filter pass everything.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
}

func NewFilter(include, exclude []string) (*Filter, error) {
	var f Filter
	for _, p := range include {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("callsite: invalid include pattern: %w", err)
		}
		f.include = append(f.include, re)
	}
	for _, p := range exclude {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("callsite: invalid exclude pattern: %w", err)
		}
		f.exclude = append(f.exclude, re)
	}
	return &f, nil
}

func (f *Filter) Passes(label string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.exclude {
		if re.MatchString(label) {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, re := range f.include {
		if re.MatchString(label) {
			return true
		}
	}
	return false
}

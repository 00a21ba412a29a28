package chunkarray

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a half-open index range [Start, Stop) along one dimension.
type Range struct {
	Start int `json:"start"`
	Stop  int `json:"stop"`
}

// SliceSpec selects a sub-region of an array, one Range per dimension, in
// element coordinates.
type SliceSpec []Range

// ParseSliceSpec parses "0:32,32:64,10:20".
func ParseSliceSpec(s string) (SliceSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty slice spec")
	}
	fields := strings.Split(s, ",")
	spec := make(SliceSpec, 0, len(fields))
	for i, f := range fields {
		lo, hi, ok := strings.Cut(strings.TrimSpace(f), ":")
		if !ok {
			return nil, fmt.Errorf("slice dimension %d: %q is not start:stop", i, f)
		}
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("slice dimension %d: bad start: %w", i, err)
		}
		stop, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("slice dimension %d: bad stop: %w", i, err)
		}
		spec = append(spec, Range{Start: start, Stop: stop})
	}
	return spec, nil
}

// SampleSpec returns the cube [0, min(size, shape[d])) in every dimension.
func SampleSpec(shape []int, size int) SliceSpec {
	spec := make(SliceSpec, len(shape))
	for i, s := range shape {
		spec[i] = Range{Start: 0, Stop: min(size, s)}
	}
	return spec
}

func (s SliceSpec) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = fmt.Sprintf("%d:%d", r.Start, r.Stop)
	}
	return strings.Join(parts, ",")
}

// Shape returns stop-start for every dimension.
func (s SliceSpec) Shape() []int {
	shape := make([]int, len(s))
	for i, r := range s {
		shape[i] = r.Stop - r.Start
	}
	return shape
}

// CheckOrder verifies 0 <= start < stop in every dimension. It needs no
// array metadata.
func (s SliceSpec) CheckOrder() error {
	if len(s) == 0 {
		return &DimensionError{Dim: -1, Reason: "slice has no dimensions"}
	}
	for i, r := range s {
		if r.Start < 0 {
			return &DimensionError{Dim: i, Reason: fmt.Sprintf("start %d is negative", r.Start)}
		}
		if r.Start >= r.Stop {
			return &DimensionError{Dim: i, Reason: fmt.Sprintf("start %d >= stop %d", r.Start, r.Stop)}
		}
	}
	return nil
}

// Validate checks the slice against an array shape. Out-of-range slices are
// rejected, never clamped.
func (s SliceSpec) Validate(shape []int) error {
	if len(s) != len(shape) {
		return &DimensionError{Dim: -1, Reason: fmt.Sprintf("slice has %d dimensions, array has %d", len(s), len(shape))}
	}
	if err := s.CheckOrder(); err != nil {
		return err
	}
	for i, r := range s {
		if r.Stop > shape[i] {
			return &DimensionError{Dim: i, Reason: fmt.Sprintf("stop %d exceeds extent %d", r.Stop, shape[i])}
		}
	}
	return nil
}

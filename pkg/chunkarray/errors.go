package chunkarray

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMetadataUnavailable is matched by every MetadataError.
	ErrMetadataUnavailable = errors.New("metadata unavailable")
	// ErrDimensionMismatch is matched by every DimensionError.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrChunkFetch is matched by every ChunkError.
	ErrChunkFetch = errors.New("chunk fetch failed")
)

// MetadataError reports that the attributes document of an array could not be
// read or parsed.
type MetadataError struct {
	Dataset   string
	ArrayPath string
	Err       error
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("metadata unavailable for %s/%s: %v", e.Dataset, e.ArrayPath, e.Err)
}

func (e *MetadataError) Unwrap() error { return e.Err }

func (e *MetadataError) Is(target error) bool { return target == ErrMetadataUnavailable }

// DimensionError reports a slice that does not fit the array it addresses.
// Dim is -1 when the error concerns the rank rather than one dimension.
type DimensionError struct {
	Dim    int
	Reason string
}

func (e *DimensionError) Error() string {
	if e.Dim < 0 {
		return "dimension mismatch: " + e.Reason
	}
	return fmt.Sprintf("dimension mismatch in dimension %d: %s", e.Dim, e.Reason)
}

func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }

// ChunkError reports a chunk that could not be fetched or decoded.
type ChunkError struct {
	Coord []int
	Key   string
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %s (%s): %v", FormatCoord(e.Coord), e.Key, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

func (e *ChunkError) Is(target error) bool { return target == ErrChunkFetch }

// FormatCoord renders a grid coordinate as "(0, 1, 0)".
func FormatCoord(coord []int) string {
	parts := make([]string, len(coord))
	for i, c := range coord {
		parts[i] = strconv.Itoa(c)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Kind names the error class of err for user-facing output, or "" when err is
// none of the extractor errors.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrMetadataUnavailable):
		return "MetadataUnavailable"
	case errors.Is(err, ErrDimensionMismatch):
		return "DimensionMismatch"
	case errors.Is(err, ErrChunkFetch):
		return "ChunkFetchError"
	default:
		return ""
	}
}

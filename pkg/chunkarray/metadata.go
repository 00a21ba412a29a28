package chunkarray

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format identifies the on-store layout of a chunked array container.
type Format string

const (
	FormatN5   Format = "n5"
	FormatZarr Format = "zarr"
)

// ParseFormat accepts "n5" or "zarr" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatN5, FormatZarr:
		return f, nil
	default:
		return "", fmt.Errorf("unknown container format %q", s)
	}
}

// MetadataObject returns the name of the per-array attributes document.
func (f Format) MetadataObject() string {
	if f == FormatZarr {
		return ".zarray"
	}
	return "attributes.json"
}

// Extension returns the container directory suffix, e.g. ".n5".
func (f Format) Extension() string { return "." + string(f) }

// ArrayMeta is the immutable description of a remote array. Shape and
// ChunkShape are in C order (slowest dimension first) for both formats.
type ArrayMeta struct {
	Format      Format           `json:"format"`
	Shape       []int            `json:"shape"`
	ChunkShape  []int            `json:"chunks"`
	DataType    DataType         `json:"dtype"`
	ByteOrder   binary.ByteOrder `json:"-"`
	Compression Compression      `json:"compression"`
	// Order is 'C' or 'F' and describes element layout inside a stored chunk.
	Order     byte   `json:"-"`
	Separator string `json:"-"`
	// Attributes holds the non-structural keys of an N5 attributes document,
	// such as pixelResolution.
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Rank returns the number of dimensions.
func (m ArrayMeta) Rank() int { return len(m.Shape) }

// GridShape returns the number of chunks along each dimension.
func (m ArrayMeta) GridShape() []int {
	grid := make([]int, len(m.Shape))
	for i := range m.Shape {
		grid[i] = (m.Shape[i] + m.ChunkShape[i] - 1) / m.ChunkShape[i]
	}
	return grid
}

// NumElements returns the element count of the whole array.
func (m ArrayMeta) NumElements() int64 {
	n := int64(1)
	for _, s := range m.Shape {
		n *= int64(s)
	}
	return n
}

// SizeBytes returns the uncompressed size of the whole array.
func (m ArrayMeta) SizeBytes() int64 { return m.NumElements() * int64(m.DataType.Size()) }

// ChunkKey returns the object name of the chunk at the given C-order grid
// coordinate, relative to the array directory.
func (m ArrayMeta) ChunkKey(coord []int) string {
	parts := make([]string, len(coord))
	if m.Format == FormatN5 {
		// N5 block paths list the fastest dimension first
		for i, c := range coord {
			parts[len(coord)-1-i] = strconv.Itoa(c)
		}
		return strings.Join(parts, "/")
	}
	for i, c := range coord {
		parts[i] = strconv.Itoa(c)
	}
	sep := m.Separator
	if sep == "" {
		sep = "."
	}
	return strings.Join(parts, sep)
}

// ChunkExtent returns the number of valid elements along each dimension of the
// chunk at coord. Boundary chunks are smaller than ChunkShape.
func (m ArrayMeta) ChunkExtent(coord []int) []int {
	ext := make([]int, len(coord))
	for i, c := range coord {
		origin := c * m.ChunkShape[i]
		ext[i] = min(m.ChunkShape[i], m.Shape[i]-origin)
	}
	return ext
}

func (m ArrayMeta) validate() error {
	if len(m.Shape) == 0 {
		return errors.New("array has no dimensions")
	}
	if len(m.Shape) != len(m.ChunkShape) {
		return fmt.Errorf("shape has %d dimensions but chunk shape has %d", len(m.Shape), len(m.ChunkShape))
	}
	for i := range m.Shape {
		if m.Shape[i] <= 0 {
			return fmt.Errorf("shape[%d] = %d is not positive", i, m.Shape[i])
		}
		if m.ChunkShape[i] <= 0 {
			return fmt.Errorf("chunk shape[%d] = %d is not positive", i, m.ChunkShape[i])
		}
	}
	if !m.DataType.Valid() {
		return fmt.Errorf("unsupported data type %q", m.DataType)
	}
	return nil
}

// ErrNotArray is returned when an N5 attributes document describes a group.
var ErrNotArray = errors.New("not an array")

type n5Compression struct {
	Type    string `json:"type"`
	Level   int    `json:"level"`
	UseZlib bool   `json:"useZlib"`
}

// n5StructuralKeys are the attributes.json keys that describe the block
// layout rather than the data.
var n5StructuralKeys = []string{"dimensions", "blockSize", "dataType", "compression", "compressionType"}

type n5Attributes struct {
	Dimensions      []int          `json:"dimensions"`
	BlockSize       []int          `json:"blockSize"`
	DataType        string         `json:"dataType"`
	Compression     *n5Compression `json:"compression"`
	CompressionType string         `json:"compressionType"`
}

// ParseN5Attributes parses an N5 attributes.json describing a dataset.
func ParseN5Attributes(data []byte) (ArrayMeta, error) {
	var attrs n5Attributes
	if err := json.Unmarshal(data, &attrs); err != nil {
		return ArrayMeta{}, fmt.Errorf("decode attributes.json: %w", err)
	}
	if attrs.Dimensions == nil {
		return ArrayMeta{}, fmt.Errorf("attributes.json has no dimensions: %w", ErrNotArray)
	}
	dt, err := ParseN5DataType(attrs.DataType)
	if err != nil {
		return ArrayMeta{}, err
	}
	comp := Compression{Type: CodecRaw}
	switch {
	case attrs.Compression != nil:
		comp, err = n5Codec(attrs.Compression.Type, attrs.Compression.UseZlib)
	case attrs.CompressionType != "":
		comp, err = n5Codec(attrs.CompressionType, false)
	}
	if err != nil {
		return ArrayMeta{}, err
	}
	meta := ArrayMeta{
		Format:      FormatN5,
		Shape:       reversed(attrs.Dimensions),
		ChunkShape:  reversed(attrs.BlockSize),
		DataType:    dt,
		ByteOrder:   binary.BigEndian,
		Compression: comp,
		Order:       'C',
		Separator:   "/",
	}
	if err := meta.validate(); err != nil {
		return ArrayMeta{}, err
	}
	var extra map[string]interface{}
	if err := json.Unmarshal(data, &extra); err != nil {
		return ArrayMeta{}, fmt.Errorf("decode attributes.json: %w", err)
	}
	for _, k := range n5StructuralKeys {
		delete(extra, k)
	}
	if len(extra) > 0 {
		meta.Attributes = extra
	}
	return meta, nil
}

func n5Codec(name string, useZlib bool) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "raw":
		return Compression{Type: CodecRaw}, nil
	case "gzip":
		if useZlib {
			return Compression{Type: CodecZlib}, nil
		}
		return Compression{Type: CodecGzip}, nil
	case "bzip2":
		return Compression{Type: CodecBzip2}, nil
	case "lz4":
		return Compression{Type: CodecLZ4Java}, nil
	case "zstd":
		return Compression{Type: CodecZstd}, nil
	case "xz", "blosc":
		return Compression{}, fmt.Errorf("unsupported N5 compression %q", name)
	default:
		return Compression{}, fmt.Errorf("unknown N5 compression %q", name)
	}
}

type zarrCompressor struct {
	ID string `json:"id"`
}

type zarrArray struct {
	ZarrFormat         int                   `json:"zarr_format"`
	Shape              []int                 `json:"shape"`
	Chunks             []int                 `json:"chunks"`
	Dtype              string                `json:"dtype"`
	Compressor         *zarrCompressor       `json:"compressor"`
	Order              string                `json:"order"`
	Filters            []jsoniter.RawMessage `json:"filters"`
	DimensionSeparator string                `json:"dimension_separator"`
}

// ParseZarrArray parses a zarr v2 .zarray document.
func ParseZarrArray(data []byte) (ArrayMeta, error) {
	var arr zarrArray
	if err := json.Unmarshal(data, &arr); err != nil {
		return ArrayMeta{}, fmt.Errorf("decode .zarray: %w", err)
	}
	if arr.ZarrFormat != 0 && arr.ZarrFormat != 2 {
		return ArrayMeta{}, fmt.Errorf("unsupported zarr_format %d", arr.ZarrFormat)
	}
	dt, order, err := ParseNumpyDtype(arr.Dtype)
	if err != nil {
		return ArrayMeta{}, err
	}
	if len(arr.Filters) > 0 {
		return ArrayMeta{}, fmt.Errorf("zarr filters are not supported (%d configured)", len(arr.Filters))
	}
	comp := Compression{Type: CodecRaw}
	if arr.Compressor != nil {
		if comp, err = zarrCodec(arr.Compressor.ID); err != nil {
			return ArrayMeta{}, err
		}
	}
	memOrder := byte('C')
	switch arr.Order {
	case "", "C":
	case "F":
		memOrder = 'F'
	default:
		return ArrayMeta{}, fmt.Errorf("invalid order %q", arr.Order)
	}
	sep := arr.DimensionSeparator
	switch sep {
	case "":
		sep = "."
	case ".", "/":
	default:
		return ArrayMeta{}, fmt.Errorf("invalid dimension_separator %q", sep)
	}
	meta := ArrayMeta{
		Format:      FormatZarr,
		Shape:       arr.Shape,
		ChunkShape:  arr.Chunks,
		DataType:    dt,
		ByteOrder:   order,
		Compression: comp,
		Order:       memOrder,
		Separator:   sep,
	}
	if err := meta.validate(); err != nil {
		return ArrayMeta{}, err
	}
	return meta, nil
}

func zarrCodec(id string) (Compression, error) {
	switch strings.ToLower(id) {
	case "gzip":
		return Compression{Type: CodecGzip}, nil
	case "zlib":
		return Compression{Type: CodecZlib}, nil
	case "bz2":
		return Compression{Type: CodecBzip2}, nil
	case "zstd":
		return Compression{Type: CodecZstd}, nil
	case "lz4":
		return Compression{Type: CodecLZ4}, nil
	default:
		return Compression{}, fmt.Errorf("unsupported zarr compressor %q", id)
	}
}

// ParseMetadata parses the attributes document of the given format.
func ParseMetadata(format Format, data []byte) (ArrayMeta, error) {
	if format == FormatZarr {
		return ParseZarrArray(data)
	}
	return ParseN5Attributes(data)
}

func reversed(in []int) []int {
	if in == nil {
		return nil
	}
	out := make([]int, len(in))
	for i, v := range in {
		out[len(in)-1-i] = v
	}
	return out
}

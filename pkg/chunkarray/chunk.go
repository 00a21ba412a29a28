package chunkarray

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// N5 block header modes.
const (
	n5ModeDefault   = 0
	n5ModeVarLength = 1
	n5ModeObject    = 2
)

// DecodeChunk turns the raw stored bytes of the chunk at grid coordinate coord
// into a C-ordered grid truncated to the array extent. Stored padding beyond
// the array boundary never reaches the returned grid.
func DecodeChunk(meta ArrayMeta, coord []int, raw []byte) (*Grid, error) {
	if len(coord) != meta.Rank() {
		return nil, fmt.Errorf("coordinate %s has rank %d, array rank is %d", FormatCoord(coord), len(coord), meta.Rank())
	}
	valid := meta.ChunkExtent(coord)
	for i, v := range valid {
		if v <= 0 {
			return nil, fmt.Errorf("coordinate %s is outside the chunk grid in dimension %d", FormatCoord(coord), i)
		}
	}

	var (
		block *Grid
		err   error
	)
	if meta.Format == FormatN5 {
		block, err = decodeN5Block(meta, raw)
	} else {
		block, err = decodeZarrChunk(meta, raw)
	}
	if err != nil {
		return nil, err
	}

	truncate := false
	for i := range valid {
		if block.Shape[i] < valid[i] {
			return nil, fmt.Errorf("stored chunk extent %v is smaller than the valid extent %v", block.Shape, valid)
		}
		if block.Shape[i] > valid[i] {
			truncate = true
		}
	}
	if truncate {
		block = block.Sub(make([]int, len(valid)), valid)
	}
	return block, nil
}

// decodeN5Block parses the N5 block header: uint16 mode, uint16 rank, one
// uint32 extent per dimension (fastest first), and for varlength blocks a
// uint32 element count, all big-endian. The payload follows.
func decodeN5Block(meta ArrayMeta, raw []byte) (*Grid, error) {
	if len(raw) < 4 {
		return nil, errors.New("n5 block shorter than its header")
	}
	mode := binary.BigEndian.Uint16(raw[0:2])
	rank := int(binary.BigEndian.Uint16(raw[2:4]))
	if mode == n5ModeObject {
		return nil, errors.New("n5 object blocks are not supported")
	}
	if mode != n5ModeDefault && mode != n5ModeVarLength {
		return nil, fmt.Errorf("unknown n5 block mode %d", mode)
	}
	if rank != meta.Rank() {
		return nil, fmt.Errorf("n5 block has rank %d, array rank is %d", rank, meta.Rank())
	}
	pos := 4
	if len(raw) < pos+4*rank {
		return nil, errors.New("n5 block header truncated")
	}
	shape := make([]int, rank)
	for i := 0; i < rank; i++ {
		shape[rank-1-i] = int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
	}
	for i, ext := range shape {
		if ext <= 0 || ext > meta.ChunkShape[i] {
			return nil, fmt.Errorf("n5 block extent %v does not fit block size %v", shape, meta.ChunkShape)
		}
	}
	n := numElements(shape)
	if mode == n5ModeVarLength {
		if len(raw) < pos+4 {
			return nil, errors.New("n5 block header truncated")
		}
		count := int(binary.BigEndian.Uint32(raw[pos:]))
		pos += 4
		if count != n {
			return nil, fmt.Errorf("n5 varlength block holds %d elements, extent %v needs %d", count, shape, n)
		}
	}
	payload, err := meta.Compression.Decompress(raw[pos:], n*meta.DataType.Size())
	if err != nil {
		return nil, err
	}
	return gridFromPayload(meta, shape, payload)
}

func decodeZarrChunk(meta ArrayMeta, raw []byte) (*Grid, error) {
	n := numElements(meta.ChunkShape)
	payload, err := meta.Compression.Decompress(raw, n*meta.DataType.Size())
	if err != nil {
		return nil, err
	}
	if meta.Order != 'F' {
		return gridFromPayload(meta, meta.ChunkShape, payload)
	}
	// an F-ordered chunk is a C-ordered chunk of the reversed shape
	g, err := gridFromPayload(meta, reversed(meta.ChunkShape), payload)
	if err != nil {
		return nil, err
	}
	return transpose(g), nil
}

// gridFromPayload wraps payload as a grid of the given shape, converting
// stored elements to little-endian.
func gridFromPayload(meta ArrayMeta, shape []int, payload []byte) (*Grid, error) {
	size := meta.DataType.Size()
	want := numElements(shape) * size
	if len(payload) < want {
		return nil, fmt.Errorf("decoded %d bytes, extent %v of %s needs %d", len(payload), shape, meta.DataType, want)
	}
	data := make([]byte, want)
	copy(data, payload[:want])
	if meta.ByteOrder == binary.BigEndian && size > 1 {
		swapBytes(data, size)
	}
	return &Grid{Shape: append([]int(nil), shape...), DataType: meta.DataType, Data: data}, nil
}

func swapBytes(data []byte, size int) {
	for off := 0; off+size <= len(data); off += size {
		el := data[off : off+size]
		for i, j := 0, size-1; i < j; i, j = i+1, j-1 {
			el[i], el[j] = el[j], el[i]
		}
	}
}

// transpose reverses the axis order of g.
func transpose(g *Grid) *Grid {
	rank := len(g.Shape)
	out := NewGrid(g.DataType, reversed(g.Shape))
	size := g.DataType.Size()
	inStrides := g.strides()
	outStrides := out.strides()
	idx := make([]int, rank)
	for n := g.Len(); n > 0; n-- {
		in, o := 0, 0
		for d := 0; d < rank; d++ {
			in += idx[d] * inStrides[d]
			o += idx[d] * outStrides[rank-1-d]
		}
		copy(out.Data[o*size:(o+1)*size], g.Data[in*size:(in+1)*size])
		for d := rank - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < g.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

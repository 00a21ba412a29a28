package chunkarray

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Grid is a dense C-ordered block of elements stored little-endian.
type Grid struct {
	Shape    []int
	DataType DataType
	Data     []byte
}

// NewGrid allocates a zeroed grid.
func NewGrid(dt DataType, shape []int) *Grid {
	return &Grid{
		Shape:    append([]int(nil), shape...),
		DataType: dt,
		Data:     make([]byte, numElements(shape)*dt.Size()),
	}
}

// Len returns the number of elements.
func (g *Grid) Len() int { return numElements(g.Shape) }

// strides returns the element stride of each dimension.
func (g *Grid) strides() []int {
	return stridesOf(g.Shape)
}

func (g *Grid) offset(coord []int) int {
	off := 0
	for i, s := range g.strides() {
		off += coord[i] * s
	}
	return off * g.DataType.Size()
}

// Float64At returns the element at coord converted to float64.
func (g *Grid) Float64At(coord ...int) float64 {
	if len(coord) != len(g.Shape) {
		panic(fmt.Sprintf("chunkarray: %d-d index into %d-d grid", len(coord), len(g.Shape)))
	}
	for i, c := range coord {
		if c < 0 || c >= g.Shape[i] {
			panic(fmt.Sprintf("chunkarray: index %d out of range [0, %d) in dimension %d", c, g.Shape[i], i))
		}
	}
	b := g.Data[g.offset(coord):]
	switch g.DataType {
	case Bool, Uint8:
		return float64(b[0])
	case Int8:
		return float64(int8(b[0]))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(b))
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(b))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case Uint64:
		return float64(binary.LittleEndian.Uint64(b))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(b)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
	panic("chunkarray: unknown data type " + string(g.DataType))
}

// Sub returns a copy of the block [lo, lo+extent).
func (g *Grid) Sub(lo, extent []int) *Grid {
	out := NewGrid(g.DataType, extent)
	copyBlock(out, make([]int, len(extent)), g, lo, extent)
	return out
}

// copyBlock copies the block of the given extent from src at srcLo into dst at
// dstLo. Rows along the last dimension are contiguous in both grids.
func copyBlock(dst *Grid, dstLo []int, src *Grid, srcLo []int, extent []int) {
	rank := len(extent)
	if numElements(extent) == 0 {
		return
	}
	size := src.DataType.Size()
	rowBytes := extent[rank-1] * size
	dstStrides, srcStrides := dst.strides(), src.strides()

	idx := make([]int, rank)
	for {
		dOff, sOff := 0, 0
		for d := 0; d < rank; d++ {
			dOff += (dstLo[d] + idx[d]) * dstStrides[d]
			sOff += (srcLo[d] + idx[d]) * srcStrides[d]
		}
		copy(dst.Data[dOff*size:dOff*size+rowBytes], src.Data[sOff*size:sOff*size+rowBytes])

		// advance the outer dimensions odometer-style
		d := rank - 2
		for ; d >= 0; d-- {
			idx[d]++
			if idx[d] < extent[d] {
				break
			}
			idx[d] = 0
		}
		if d < 0 {
			return
		}
	}
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	s := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = s
		s *= shape[i]
	}
	return strides
}

func numElements(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

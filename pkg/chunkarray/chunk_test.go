package chunkarray

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// n5Block encodes values (C order over shape) as an uncompressed or gzip N5
// block of uint16 elements.
func n5Block(t *testing.T, shape []int, values []uint16, compress bool) []byte {
	t.Helper()
	var hdr bytes.Buffer
	_ = binary.Write(&hdr, binary.BigEndian, uint16(0))
	_ = binary.Write(&hdr, binary.BigEndian, uint16(len(shape)))
	for i := len(shape) - 1; i >= 0; i-- {
		_ = binary.Write(&hdr, binary.BigEndian, uint32(shape[i]))
	}
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.BigEndian, values)
	if !compress {
		return append(hdr.Bytes(), payload.Bytes()...)
	}
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write(payload.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return append(hdr.Bytes(), gz.Bytes()...)
}

func seq(n int) []uint16 {
	out := make([]uint16, n)
	for i := range out {
		out[i] = uint16(i)
	}
	return out
}

func gridValues(g *Grid) []float64 {
	out := make([]float64, 0, g.Len())
	idx := make([]int, len(g.Shape))
	for n := g.Len(); n > 0; n-- {
		out = append(out, g.Float64At(idx...))
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < g.Shape[d] {
				break
			}
			idx[d] = 0
		}
	}
	return out
}

func TestDecodeN5Block(t *testing.T) {
	meta := ArrayMeta{
		Format:      FormatN5,
		Shape:       []int{4, 6},
		ChunkShape:  []int{2, 3},
		DataType:    Uint16,
		ByteOrder:   binary.BigEndian,
		Compression: Compression{Type: CodecGzip},
	}
	raw := n5Block(t, []int{2, 3}, []uint16{1, 2, 3, 4, 5, 6}, true)
	g, err := DecodeChunk(meta, []int{1, 1}, raw)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, g.Shape)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, gridValues(g))
	assert.Equal(t, float64(6), g.Float64At(1, 2))
}

func TestDecodeN5BoundaryBlockStoredTruncated(t *testing.T) {
	// array 5x5 in chunks of 4x4: the block at (1, 0) holds 1x4 elements
	meta := ArrayMeta{Format: FormatN5, Shape: []int{5, 5}, ChunkShape: []int{4, 4}, DataType: Uint16, ByteOrder: binary.BigEndian}
	raw := n5Block(t, []int{1, 4}, []uint16{9, 8, 7, 6}, false)
	g, err := DecodeChunk(meta, []int{1, 0}, raw)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, g.Shape)
	assert.Equal(t, []float64{9, 8, 7, 6}, gridValues(g))
}

func TestDecodeN5BoundaryBlockPaddedIsTruncated(t *testing.T) {
	// some writers store full-size boundary blocks; the padding must not leak
	meta := ArrayMeta{Format: FormatN5, Shape: []int{3, 3}, ChunkShape: []int{2, 2}, DataType: Uint16, ByteOrder: binary.BigEndian}
	raw := n5Block(t, []int{2, 2}, []uint16{1, 0xffff, 0xffff, 0xffff}, false)
	g, err := DecodeChunk(meta, []int{1, 1}, raw)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, g.Shape)
	assert.Equal(t, []float64{1}, gridValues(g))
}

func TestDecodeN5BlockTooSmall(t *testing.T) {
	meta := ArrayMeta{Format: FormatN5, Shape: []int{4, 4}, ChunkShape: []int{2, 2}, DataType: Uint16, ByteOrder: binary.BigEndian}
	raw := n5Block(t, []int{1, 2}, []uint16{1, 2}, false)
	_, err := DecodeChunk(meta, []int{0, 0}, raw)
	require.Error(t, err)
}

func TestDecodeN5BlockBadHeader(t *testing.T) {
	meta := ArrayMeta{Format: FormatN5, Shape: []int{4, 4}, ChunkShape: []int{2, 2}, DataType: Uint16, ByteOrder: binary.BigEndian}
	for name, raw := range map[string][]byte{
		"short":       {0, 0},
		"object mode": {0, 2, 0, 2},
		"wrong rank":  {0, 0, 0, 3, 0, 0, 0, 2, 0, 0, 0, 2, 0, 0, 0, 2},
		"no payload":  {0, 0, 0, 2, 0, 0, 0, 2, 0, 0, 0, 2},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeChunk(meta, []int{0, 0}, raw)
			require.Error(t, err)
		})
	}
}

func TestDecodeN5BlockExtentOutsideBlockSize(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	payload := enc.EncodeAll(make([]byte, 2*2*2*2), nil)
	require.NoError(t, enc.Close())

	meta := ArrayMeta{
		Format:      FormatN5,
		Shape:       []int{4, 4, 4},
		ChunkShape:  []int{2, 2, 2},
		DataType:    Uint16,
		ByteOrder:   binary.BigEndian,
		Compression: Compression{Type: CodecZstd},
	}
	for name, ext := range map[string]uint32{
		"huge": 65536,
		"max":  0xffffffff,
		"zero": 0,
	} {
		t.Run(name, func(t *testing.T) {
			hdr := []byte{0, 0, 0, 3}
			for i := 0; i < 3; i++ {
				hdr = binary.BigEndian.AppendUint32(hdr, ext)
			}
			_, err := DecodeChunk(meta, []int{0, 0, 0}, append(hdr, payload...))
			require.ErrorContains(t, err, "does not fit block size")
		})
	}
}

func TestDecodeZarrChunkPaddedBoundary(t *testing.T) {
	// zarr always stores full chunks; 5x5 array, 4x4 chunks, chunk (1, 1)
	meta := ArrayMeta{Format: FormatZarr, Shape: []int{5, 5}, ChunkShape: []int{4, 4}, DataType: Uint16, ByteOrder: binary.LittleEndian, Order: 'C'}
	values := seq(16)
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, values)
	g, err := DecodeChunk(meta, []int{1, 1}, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, g.Shape)
	assert.Equal(t, []float64{0}, gridValues(g))

	g, err = DecodeChunk(meta, []int{0, 1}, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1}, g.Shape)
	assert.Equal(t, []float64{0, 4, 8, 12}, gridValues(g))
}

func TestDecodeZarrFortranOrder(t *testing.T) {
	meta := ArrayMeta{Format: FormatZarr, Shape: []int{2, 3}, ChunkShape: []int{2, 3}, DataType: Uint8, ByteOrder: binary.LittleEndian, Order: 'F'}
	// C-order values 0..5 stored column-major
	raw := []byte{0, 3, 1, 4, 2, 5}
	g, err := DecodeChunk(meta, []int{0, 0}, raw)
	require.NoError(t, err)
	if d := cmp.Diff([]float64{0, 1, 2, 3, 4, 5}, gridValues(g)); d != "" {
		t.Fatalf("fortran chunk mismatch (-want +got):\n%s", d)
	}
}

func TestDecodeChunkOutsideGrid(t *testing.T) {
	meta := ArrayMeta{Format: FormatZarr, Shape: []int{4}, ChunkShape: []int{2}, DataType: Uint8, Order: 'C'}
	_, err := DecodeChunk(meta, []int{2}, []byte{0, 0})
	require.Error(t, err)
}

func TestSwapBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	swapBytes(data, 4)
	assert.Equal(t, []byte{4, 3, 2, 1, 8, 7, 6, 5}, data)
}

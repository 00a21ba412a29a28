package chunkarray

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/OneOfOne/xxhash"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names a chunk compression scheme.
type Codec string

const (
	CodecRaw   Codec = "raw"
	CodecGzip  Codec = "gzip"
	CodecZlib  Codec = "zlib"
	CodecBzip2 Codec = "bzip2"
	CodecZstd  Codec = "zstd"
	// CodecLZ4 is the numcodecs framing: little-endian uint32 size + lz4 block.
	CodecLZ4 Codec = "lz4"
	// CodecLZ4Java is the lz4-java LZ4BlockOutputStream framing used by N5.
	CodecLZ4Java Codec = "lz4-block-stream"
)

// maxSizeHint caps the buffer preallocated from an expected decoded size.
// Larger payloads still decode, growing as they are read.
const maxSizeHint = 64 << 20

// lz4MaxRatio bounds how far a single lz4 block can expand.
const lz4MaxRatio = 255

// zstdDecoder is shared by all chunks; DecodeAll is safe for concurrent use.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// Compression describes how chunk payloads are compressed.
type Compression struct {
	Type Codec `json:"type"`
}

// Decompress returns the decoded payload. expected is the decoded size when
// known, or 0; it is only used to size buffers.
func (c Compression) Decompress(data []byte, expected int) ([]byte, error) {
	expected = sizeHint(expected)
	switch c.Type {
	case CodecRaw, "":
		return data, nil
	case CodecGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return readAllSized(r, expected)
	case CodecZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("zlib: %w", err)
		}
		defer r.Close()
		return readAllSized(r, expected)
	case CodecBzip2:
		return readAllSized(bzip2.NewReader(bytes.NewReader(data)), expected)
	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, expected))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return out, nil
	case CodecLZ4:
		return decodeNumcodecsLZ4(data)
	case CodecLZ4Java:
		return decodeLZ4BlockStream(data, expected)
	default:
		return nil, fmt.Errorf("unsupported compression %q", c.Type)
	}
}

func sizeHint(expected int) int {
	if expected <= 0 {
		return 0
	}
	return min(expected, maxSizeHint)
}

func readAllSized(r io.Reader, expected int) ([]byte, error) {
	var buf bytes.Buffer
	if expected > 0 {
		buf.Grow(expected)
	}
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeNumcodecsLZ4(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("lz4: payload shorter than size header")
	}
	size := binary.LittleEndian.Uint32(data)
	if int64(size) > int64(len(data)-4)*lz4MaxRatio {
		return nil, fmt.Errorf("lz4: header claims %d bytes from %d compressed", size, len(data)-4)
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4: decoded %d bytes, header says %d", n, size)
	}
	return out, nil
}

const (
	lz4JavaMagic      = "LZ4Block"
	lz4JavaHeaderLen  = len(lz4JavaMagic) + 13
	lz4JavaRaw        = 0x10
	lz4JavaCompressed = 0x20
	lz4JavaSeed       = 0x9747b28c
)

// decodeLZ4BlockStream reads a sequence of lz4-java frames. Each frame is the
// magic, a token byte (method | level), compressed length, decoded length and
// an xxhash32 checksum of the decoded bytes, all little-endian. A frame with a
// zero decoded length terminates the stream.
func decodeLZ4BlockStream(data []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	for len(data) > 0 {
		if len(data) < lz4JavaHeaderLen || string(data[:len(lz4JavaMagic)]) != lz4JavaMagic {
			return nil, errors.New("lz4: missing LZ4Block frame header")
		}
		hdr := data[len(lz4JavaMagic):lz4JavaHeaderLen]
		method := hdr[0] & 0xf0
		compLen := int(binary.LittleEndian.Uint32(hdr[1:5]))
		rawLen := int(binary.LittleEndian.Uint32(hdr[5:9]))
		check := binary.LittleEndian.Uint32(hdr[9:13])
		data = data[lz4JavaHeaderLen:]
		if rawLen == 0 {
			break
		}
		if compLen > len(data) {
			return nil, fmt.Errorf("lz4: frame wants %d bytes, %d left", compLen, len(data))
		}
		if rawLen < 0 || int64(rawLen) > int64(compLen)*lz4MaxRatio {
			return nil, fmt.Errorf("lz4: frame claims %d bytes from %d compressed", rawLen, compLen)
		}
		frame := data[:compLen]
		data = data[compLen:]

		var block []byte
		switch method {
		case lz4JavaRaw:
			block = frame
		case lz4JavaCompressed:
			block = make([]byte, rawLen)
			n, err := lz4.UncompressBlock(frame, block)
			if err != nil {
				return nil, fmt.Errorf("lz4: %w", err)
			}
			if n != rawLen {
				return nil, fmt.Errorf("lz4: frame decoded to %d bytes, want %d", n, rawLen)
			}
		default:
			return nil, fmt.Errorf("lz4: unknown frame method %#x", method)
		}
		if sum := xxhash.Checksum32S(block, lz4JavaSeed) & 0x0fffffff; sum != check {
			return nil, fmt.Errorf("lz4: frame checksum %#x, want %#x", sum, check)
		}
		out = append(out, block...)
	}
	return out, nil
}

// Package npy writes grids in the NumPy .npy v1.0 format.
package npy

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"example.com/organelle/pkg/chunkarray"
)

const (
	magic     = "\x93NUMPY"
	alignment = 64
)

// Header returns the complete preamble (magic, version, length and padded
// dictionary) for a C-ordered little-endian array.
func Header(dt chunkarray.DataType, shape []int) ([]byte, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("npy: unsupported data type %q", dt)
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", dt.NumpyDescr(), shapeTuple(shape))

	// magic(6) + version(2) + length(2) + dict + padding + '\n'
	const prefix = len(magic) + 4
	total := prefix + len(dict) + 1
	if rem := total % alignment; rem != 0 {
		total += alignment - rem
	}
	hlen := total - prefix
	if hlen > 0xffff {
		return nil, fmt.Errorf("npy: header of %d bytes does not fit version 1.0", hlen)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, magic...)
	buf = append(buf, 1, 0)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(hlen))
	buf = append(buf, dict...)
	for len(buf) < total-1 {
		buf = append(buf, ' ')
	}
	return append(buf, '\n'), nil
}

func shapeTuple(shape []int) string {
	parts := make([]string, len(shape))
	for i, s := range shape {
		parts[i] = strconv.Itoa(s)
	}
	if len(parts) == 1 {
		return "(" + parts[0] + ",)"
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Write encodes g to w.
func Write(w io.Writer, g *chunkarray.Grid) error {
	hdr, err := Header(g.DataType, g.Shape)
	if err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(g.Data)
	return err
}

// WriteFile writes g to path atomically: the file appears only once it is
// complete.
func WriteFile(path string, g *chunkarray.Grid) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".npy-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	bw := bufio.NewWriter(tmp)
	if err = Write(bw, g); err != nil {
		return err
	}
	if err = bw.Flush(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

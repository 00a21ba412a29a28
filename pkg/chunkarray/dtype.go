package chunkarray

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// DataType is the element type of an array, named the way N5 names it.
type DataType string

const (
	Bool    DataType = "bool"
	Uint8   DataType = "uint8"
	Uint16  DataType = "uint16"
	Uint32  DataType = "uint32"
	Uint64  DataType = "uint64"
	Int8    DataType = "int8"
	Int16   DataType = "int16"
	Int32   DataType = "int32"
	Int64   DataType = "int64"
	Float32 DataType = "float32"
	Float64 DataType = "float64"
)

type dtypeInfo struct {
	kind byte
	size int
}

var dtypes = map[DataType]dtypeInfo{
	Bool:    {'b', 1},
	Uint8:   {'u', 1},
	Uint16:  {'u', 2},
	Uint32:  {'u', 4},
	Uint64:  {'u', 8},
	Int8:    {'i', 1},
	Int16:   {'i', 2},
	Int32:   {'i', 4},
	Int64:   {'i', 8},
	Float32: {'f', 4},
	Float64: {'f', 8},
}

// Valid reports whether t is a supported element type.
func (t DataType) Valid() bool {
	_, ok := dtypes[t]
	return ok
}

// Size returns the element width in bytes.
func (t DataType) Size() int { return dtypes[t].size }

// Kind returns the numpy kind character: b, u, i or f.
func (t DataType) Kind() byte { return dtypes[t].kind }

// NumpyDescr returns the little-endian numpy type string, e.g. "<u2".
func (t DataType) NumpyDescr() string {
	info := dtypes[t]
	order := "<"
	if info.size == 1 {
		order = "|"
	}
	return order + string(info.kind) + strconv.Itoa(info.size)
}

// ParseN5DataType parses the dataType field of an N5 attributes document.
func ParseN5DataType(s string) (DataType, error) {
	t := DataType(strings.ToLower(strings.TrimSpace(s)))
	if t == Bool || !t.Valid() {
		return "", fmt.Errorf("unsupported N5 data type %q", s)
	}
	return t, nil
}

// ParseNumpyDtype parses a numpy array-protocol type string such as "<u2",
// ">f4" or "|u1" into the element type and the byte order of stored values.
func ParseNumpyDtype(s string) (DataType, binary.ByteOrder, error) {
	// python writers occasionally HTML-escape the byte order character
	s = strings.Replace(s, "&lt;", "<", 1)
	s = strings.Replace(s, "&gt;", ">", 1)
	if len(s) < 3 {
		return "", nil, fmt.Errorf("invalid dtype %q: too short", s)
	}
	var order binary.ByteOrder
	switch s[0] {
	case '<', '|':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	default:
		return "", nil, fmt.Errorf("invalid dtype %q: unknown byte order %q", s, s[0])
	}
	size, err := strconv.Atoi(s[2:])
	if err != nil {
		return "", nil, fmt.Errorf("invalid dtype %q: %w", s, err)
	}
	for t, info := range dtypes {
		if info.kind == s[1] && info.size == size {
			return t, order, nil
		}
	}
	return "", nil, fmt.Errorf("unsupported dtype %q", s)
}

package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/config"
	"example.com/organelle/pkg/objectstore"
)

type memStore map[string][]byte

func (m memStore) List(_ context.Context, key string) ([]objectstore.ObjectMeta, error) {
	prefix := ""
	if key != "" {
		prefix = key + "/"
	}
	seen := map[string]bool{}
	var out []objectstore.ObjectMeta
	for k := range m {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		name, _, isDir := strings.Cut(rest, "/")
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, objectstore.ObjectMeta{Path: path.Join(key, name), IsDir: isDir})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m memStore) Download(_ context.Context, key string, dst io.WriterAt) error {
	data, ok := m[key]
	if !ok {
		return objectstore.NotFoundError{Key: key}
	}
	_, err := dst.WriteAt(data, 0)
	return err
}

// fixture holds a 10x10x10 gzip-compressed uint16 N5 array in 4x4x4 blocks
// whose voxels hold their C-order linear index.
func fixture(t *testing.T) memStore {
	t.Helper()
	const n, c = 10, 4
	root := "jrc_cos7-11/jrc_cos7-11.n5/em/fibsem-uint16/s0"
	m := memStore{}
	m["jrc_cos7-11/jrc_cos7-11.n5/attributes.json"] = []byte(`{"n5":"2.3.0"}`)
	m[root+"/attributes.json"] = []byte(`{"dimensions":[10,10,10],"blockSize":[4,4,4],` +
		`"dataType":"uint16","compression":{"type":"gzip","useZlib":false}}`)
	for bz := 0; bz*c < n; bz++ {
		for by := 0; by*c < n; by++ {
			for bx := 0; bx*c < n; bx++ {
				ez, ey, ex := min(c, n-bz*c), min(c, n-by*c), min(c, n-bx*c)
				var hdr, payload bytes.Buffer
				_ = binary.Write(&hdr, binary.BigEndian, []uint16{0, 3})
				_ = binary.Write(&hdr, binary.BigEndian, []uint32{uint32(ex), uint32(ey), uint32(ez)})
				for z := 0; z < ez; z++ {
					for y := 0; y < ey; y++ {
						for x := 0; x < ex; x++ {
							v := (bz*c+z)*n*n + (by*c+y)*n + bx*c + x
							_ = binary.Write(&payload, binary.BigEndian, uint16(v))
						}
					}
				}
				var gz bytes.Buffer
				w := gzip.NewWriter(&gz)
				_, err := w.Write(payload.Bytes())
				require.NoError(t, err)
				require.NoError(t, w.Close())
				m[fmt.Sprintf("%s/%d/%d/%d", root, bx, by, bz)] = append(hdr.Bytes(), gz.Bytes()...)
			}
		}
	}
	return m
}

func run(t *testing.T, store objectstore.ObjectStore, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	a := &app{
		v:      viper.New(),
		stdout: &out,
		newStore: func(context.Context, config.Config) (objectstore.ObjectStore, error) {
			return store, nil
		},
	}
	root, err := newRootCommand(a)
	require.NoError(t, err)
	root.SetArgs(append(args, "--log-level=error"))
	err = root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "jrc_hela-2_em_fibsem-uint16_s0_sample.npy", outputName("jrc_hela-2", "em/fibsem-uint16/s0", false))
	assert.Equal(t, "jrc_hela-2_labels_mito_s2_slice.npy", outputName("jrc_hela-2", "/labels/mito/s2/", true))
}

func TestErrorLine(t *testing.T) {
	err := &chunkarray.DimensionError{Dim: 2, Reason: "stop 101 exceeds extent 100"}
	assert.Equal(t, "ERROR: DimensionMismatch: dimension mismatch in dimension 2: stop 101 exceeds extent 100", errorLine(err))
	assert.Equal(t, "ERROR: boom", errorLine(errors.New("boom")))
}

func TestListAndInfo(t *testing.T) {
	store := fixture(t)
	out, err := run(t, store, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Available datasets (1):")
	assert.Contains(t, out, "1. jrc_cos7-11")

	out, err = run(t, store, "info", "jrc_cos7-11", "em/fibsem-uint16/s0")
	require.NoError(t, err)
	assert.Contains(t, out, `"shape": [`)
	assert.Contains(t, out, `"compression": "gzip"`)

	out, err = run(t, store, "explore", "jrc_cos7-11")
	require.NoError(t, err)
	assert.Contains(t, out, "Groups: em, em/fibsem-uint16")
	assert.Contains(t, out, "em/fibsem-uint16/s0: [10 10 10] uint16")
}

func TestDownloadSample(t *testing.T) {
	dir := t.TempDir()
	out, err := run(t, fixture(t), "download", "jrc_cos7-11", "--sample-size=6", "--output-dir="+dir, "--with-metadata")
	require.NoError(t, err)
	assert.Contains(t, out, "Downloaded [6 6 6] uint16 from 8 chunk(s)")

	data, err := os.ReadFile(filepath.Join(dir, "jrc_cos7-11_em_fibsem-uint16_s0_sample.npy"))
	require.NoError(t, err)
	require.Len(t, data, 128+6*6*6*2)
	body := data[len(data)-6*6*6*2:]
	// last voxel of the cube is (5, 5, 5)
	assert.Equal(t, uint16(5*100+5*10+5), binary.LittleEndian.Uint16(body[len(body)-2:]))

	meta, err := os.ReadFile(filepath.Join(dir, "jrc_cos7-11_metadata.json"))
	require.NoError(t, err)
	assert.Contains(t, string(meta), `"container": "jrc_cos7-11/jrc_cos7-11.n5"`)
}

func TestDownloadSliceToExplicitOutput(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "cut.npy")
	_, err := run(t, fixture(t), "download", "jrc_cos7-11", "--slice=8:10,0:1,3:7", "-o", target)
	require.NoError(t, err)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	body := data[len(data)-2*1*4*2:]
	assert.Equal(t, uint16(8*100+3), binary.LittleEndian.Uint16(body[0:]))
	assert.Equal(t, uint16(9*100+6), binary.LittleEndian.Uint16(body[len(body)-2:]))
}

func TestDownloadFailuresWriteNothing(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		setup func(memStore)
		kind  string
	}{
		{
			name: "slice out of bounds",
			args: []string{"--slice=0:4,0:4,0:40"},
			kind: "DimensionMismatch",
		},
		{
			name: "reversed slice",
			args: []string{"--slice=4:0,0:4,0:4"},
			kind: "DimensionMismatch",
		},
		{
			name: "unknown array",
			args: []string{"--array=em/missing/s0"},
			kind: "MetadataUnavailable",
		},
		{
			name: "missing chunk",
			args: []string{"--slice=0:8,0:8,0:8"},
			setup: func(m memStore) {
				delete(m, "jrc_cos7-11/jrc_cos7-11.n5/em/fibsem-uint16/s0/1/1/1")
			},
			kind: "ChunkFetchError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := fixture(t)
			if tt.setup != nil {
				tt.setup(store)
			}
			dir := t.TempDir()
			args := append([]string{"download", "jrc_cos7-11", "--output-dir=" + dir, "--with-metadata"}, tt.args...)
			_, err := run(t, store, args...)
			require.Error(t, err)
			assert.True(t, strings.HasPrefix(errorLine(err), "ERROR: "+tt.kind+": "), errorLine(err))

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

package remotearray

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"testing"

	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/objectstore"
)

// fakeStore serves objects from memory with S3Store listing semantics and
// records every download.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	fail      map[string]error
	downloads []string
	lists     int
	// gates holds downloads of a key until the channel is closed. Each held
	// download sends its key on entered first.
	gates   map[string]chan struct{}
	entered chan string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: map[string][]byte{},
		fail:    map[string]error{},
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 16),
	}
}

func (s *fakeStore) put(key string, data []byte) { s.objects[key] = data }

func (s *fakeStore) List(ctx context.Context, key string) ([]objectstore.ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	prefix := ""
	if key != "" {
		prefix = strings.TrimSuffix(key, "/") + "/"
	}
	dirs := map[string]bool{}
	var out []objectstore.ObjectMeta
	for k, data := range s.objects {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if i := strings.Index(rest, "/"); i >= 0 {
			dirs[rest[:i]] = true
			continue
		}
		out = append(out, objectstore.ObjectMeta{Path: path.Join(key, rest), Size: int64(len(data))})
	}
	for d := range dirs {
		out = append(out, objectstore.ObjectMeta{Path: path.Join(key, d), IsDir: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *fakeStore) Download(ctx context.Context, key string, dst io.WriterAt) error {
	s.mu.Lock()
	s.downloads = append(s.downloads, key)
	data, ok := s.objects[key]
	failErr := s.fail[key]
	gate := s.gates[key]
	s.mu.Unlock()
	if gate != nil {
		s.entered <- key
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if failErr != nil {
		return failErr
	}
	if !ok {
		return objectstore.NotFoundError{Key: key}
	}
	_, err := dst.WriteAt(data, 0)
	return err
}

// hold makes downloads of key wait until the returned func is called.
func (s *fakeStore) hold(key string) (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[key] = gate
	s.mu.Unlock()
	return func() { close(gate) }
}

func (s *fakeStore) downloaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.downloads...)
	sort.Strings(out)
	return out
}

func (s *fakeStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = nil
}

// voxel is the value stored at C-order position (z, y, x) of every fixture.
func voxel(z, y, x int) uint16 { return uint16(z*331 + y*17 + x) }

// putN5Array stores an uncompressed uint16 N5 array under container/array,
// with boundary blocks truncated the way N5 writers store them.
func putN5Array(t *testing.T, s *fakeStore, container, array string, shape, chunks []int) {
	t.Helper()
	attrs := fmt.Sprintf(`{"dimensions":[%d,%d,%d],"blockSize":[%d,%d,%d],"dataType":"uint16","compression":{"type":"raw"}}`,
		shape[2], shape[1], shape[0], chunks[2], chunks[1], chunks[0])
	s.put(path.Join(container, array, "attributes.json"), []byte(attrs))

	for cz := 0; cz*chunks[0] < shape[0]; cz++ {
		for cy := 0; cy*chunks[1] < shape[1]; cy++ {
			for cx := 0; cx*chunks[2] < shape[2]; cx++ {
				origin := []int{cz * chunks[0], cy * chunks[1], cx * chunks[2]}
				ext := make([]int, 3)
				for d := range ext {
					ext[d] = min(chunks[d], shape[d]-origin[d])
				}
				var buf bytes.Buffer
				_ = binary.Write(&buf, binary.BigEndian, uint16(0))
				_ = binary.Write(&buf, binary.BigEndian, uint16(3))
				for d := 2; d >= 0; d-- {
					_ = binary.Write(&buf, binary.BigEndian, uint32(ext[d]))
				}
				for z := 0; z < ext[0]; z++ {
					for y := 0; y < ext[1]; y++ {
						for x := 0; x < ext[2]; x++ {
							_ = binary.Write(&buf, binary.BigEndian, voxel(origin[0]+z, origin[1]+y, origin[2]+x))
						}
					}
				}
				// N5 block keys list the fastest dimension first.
				key := path.Join(container, array, fmt.Sprintf("%d/%d/%d", cx, cy, cz))
				s.put(key, buf.Bytes())
			}
		}
	}
}

// checkRegion fails the test unless g holds the fixture values of spec.
func checkRegion(t *testing.T, g *chunkarray.Grid, spec chunkarray.SliceSpec) {
	t.Helper()
	want := spec.Shape()
	if fmt.Sprint(g.Shape) != fmt.Sprint(want) {
		t.Fatalf("grid shape %v, want %v", g.Shape, want)
	}
	for z := 0; z < want[0]; z++ {
		for y := 0; y < want[1]; y++ {
			for x := 0; x < want[2]; x++ {
				got := g.Float64At(z, y, x)
				exp := float64(voxel(spec[0].Start+z, spec[1].Start+y, spec[2].Start+x))
				if got != exp {
					t.Fatalf("value at (%d, %d, %d) = %v, want %v", z, y, x, got, exp)
				}
			}
		}
	}
}

var errFlaky = errors.New("connection reset by peer")

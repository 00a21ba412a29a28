package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by LoadOrCreate after Close.
var ErrClosed = errors.New("cache closed")

// Cache is an append-only on-disk store of remote objects. Entries are laid
// out under dir by their slash-separated key and are never rewritten once
// present, so several readers and sessions may share one directory.
type Cache struct {
	dir   string
	group singleflight.Group

	mu     sync.RWMutex
	closed bool

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats counts lookups served from disk and lookups that had to fetch.
type Stats struct {
	Hits   int64
	Misses int64
}

// Open creates the cache in the provided directory.
func Open(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("make cache dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// keyPath maps a key such as "jrc_hela-2/em/fibsem-uint16/s0/0/1/0" to a file
// below the cache root.
func (c *Cache) keyPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid cache key %q", key)
		}
	}
	return filepath.Join(c.dir, filepath.FromSlash(path.Clean(key))), nil
}

// LoadOrCreate returns the path of the entry for key. When the entry is
// missing, fetch is called once, even with concurrent callers, to fill a
// temporary file that is then published under the key. A failed fetch leaves
// nothing behind. Cancelling ctx only stops this caller from waiting; a fetch
// shared with other callers keeps running, so fetch must not depend on the
// cancellation of any one caller's context.
func (c *Cache) LoadOrCreate(ctx context.Context, key string, fetch func(f *os.File) error) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return "", ErrClosed
	}
	target, err := c.keyPath(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		c.hits.Add(1)
		return target, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		if _, err := os.Stat(target); err == nil {
			return nil, nil
		}
		c.misses.Add(1)
		return nil, c.create(target, fetch)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return target, nil
	}
}

func (c *Cache) create(target string, fetch func(f *os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("make cache entry dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := fetch(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close cache file: %w", err)
	}
	// link refuses to replace an entry another process already published
	if err := os.Link(tmpName, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		if err := os.Rename(tmpName, target); err != nil {
			return fmt.Errorf("publish cache entry: %w", err)
		}
	}
	return nil
}

// Stats returns the hit and miss counters since Open.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Close ends the session. Entries stay on disk for later sessions.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

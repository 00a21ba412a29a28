package remotearray

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"example.com/organelle/pkg/cache"
	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/objectstore"
)

// DefaultConcurrency bounds the chunk downloads of a single region request.
const DefaultConcurrency = 8

// Config describes how the extractor resolves and fetches arrays.
type Config struct {
	// Format selects the container layout: <dataset>/<dataset>.n5 or .zarr.
	Format chunkarray.Format
	// Concurrency is the number of chunks fetched in parallel per request.
	Concurrency int
	// MaxDepth bounds how deep Explore descends below the container root.
	MaxDepth int
	// Timeout bounds each IPC request and every load shared between
	// concurrent callers, which outlives the cancellation of any single
	// caller. Zero means no deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Extractor reads array metadata and rectangular regions of chunked arrays
// from an object store. It is safe for concurrent use.
type Extractor struct {
	store objectstore.ObjectStore
	cache *cache.Cache
	cfg   Config
	log   *zap.Logger

	metaMu sync.RWMutex
	meta   map[string]chunkarray.ArrayMeta
	loads  singleflight.Group
}

// Region is the result of DownloadRegion.
type Region struct {
	Dataset   string
	ArrayPath string
	Spec      chunkarray.SliceSpec
	Meta      chunkarray.ArrayMeta
	// Chunks lists the fetched grid coordinates in plan order.
	Chunks [][]int
	Grid   *chunkarray.Grid
}

// New constructs an Extractor. c may be nil, in which case every chunk is
// fetched from the store.
func New(store objectstore.ObjectStore, c *cache.Cache, cfg Config) (*Extractor, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Format == "" {
		cfg.Format = chunkarray.FormatN5
	}
	if _, err := chunkarray.ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{
		store: store,
		cache: c,
		cfg:   cfg,
		log:   log,
		meta:  make(map[string]chunkarray.ArrayMeta),
	}, nil
}

// Format returns the configured container format.
func (e *Extractor) Format() chunkarray.Format { return e.cfg.Format }

// ContainerPath returns the key of the dataset's container, e.g.
// "jrc_hela-2/jrc_hela-2.n5".
func (e *Extractor) ContainerPath(dataset string) string {
	return dataset + "/" + dataset + e.cfg.Format.Extension()
}

// sanitizeDataset checks that dataset names a single key segment.
func sanitizeDataset(dataset string) (string, error) {
	dataset = strings.TrimSpace(dataset)
	if dataset == "" {
		return "", errors.New("empty dataset name")
	}
	if strings.Contains(dataset, "/") || dataset == "." || dataset == ".." {
		return "", fmt.Errorf("invalid dataset name %q", dataset)
	}
	return dataset, nil
}

// sanitizeArrayPath normalizes a slash separated array path and makes sure it
// stays inside the container.
func sanitizeArrayPath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", errors.New("empty array path")
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", fmt.Errorf("array path %q leaves the container", p)
		}
	}
	p = path.Clean(p)
	if p == "." {
		return "", errors.New("empty array path")
	}
	return p, nil
}

// GetArrayMetadata returns the parsed metadata of dataset/arrayPath. Parsed
// documents are kept in memory for the lifetime of the extractor and
// concurrent loads of the same array share one request.
func (e *Extractor) GetArrayMetadata(ctx context.Context, dataset, arrayPath string) (chunkarray.ArrayMeta, error) {
	ds, err := sanitizeDataset(dataset)
	if err != nil {
		return chunkarray.ArrayMeta{}, &chunkarray.MetadataError{Dataset: dataset, ArrayPath: arrayPath, Err: err}
	}
	ap, err := sanitizeArrayPath(arrayPath)
	if err != nil {
		return chunkarray.ArrayMeta{}, &chunkarray.MetadataError{Dataset: dataset, ArrayPath: arrayPath, Err: err}
	}
	id := ds + "/" + ap
	if meta, ok := e.cachedMeta(id); ok {
		return meta, nil
	}
	ch := e.loads.DoChan(id, func() (interface{}, error) {
		lctx, cancel := e.detach(ctx)
		defer cancel()
		key := path.Join(e.ContainerPath(ds), ap, e.cfg.Format.MetadataObject())
		data, err := objectstore.ReadAll(lctx, e.store, key)
		if err != nil {
			return nil, err
		}
		meta, err := chunkarray.ParseMetadata(e.cfg.Format, data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
		e.metaMu.Lock()
		e.meta[id] = meta
		e.metaMu.Unlock()
		e.log.Debug("loaded array metadata",
			zap.String("dataset", ds),
			zap.String("array", ap),
			zap.Ints("shape", meta.Shape),
			zap.Ints("chunks", meta.ChunkShape),
			zap.String("dtype", string(meta.DataType)))
		return meta, nil
	})
	select {
	case <-ctx.Done():
		return chunkarray.ArrayMeta{}, &chunkarray.MetadataError{Dataset: ds, ArrayPath: ap, Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return chunkarray.ArrayMeta{}, &chunkarray.MetadataError{Dataset: ds, ArrayPath: ap, Err: res.Err}
		}
		return res.Val.(chunkarray.ArrayMeta), nil
	}
}

// detach returns a context for work shared between callers. It keeps the
// values of ctx but not its cancellation, and is bounded by cfg.Timeout.
func (e *Extractor) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if e.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, e.cfg.Timeout)
	}
	return ctx, func() {}
}

func (e *Extractor) cachedMeta(id string) (chunkarray.ArrayMeta, bool) {
	e.metaMu.RLock()
	defer e.metaMu.RUnlock()
	meta, ok := e.meta[id]
	return meta, ok
}

// DownloadRegion fetches the chunks overlapping spec and assembles them into a
// freshly allocated grid of shape spec.Shape(). The slice is checked for order
// before any request and against the array shape before any chunk request. A
// single failing chunk fails the whole request; no partial grid is returned.
func (e *Extractor) DownloadRegion(ctx context.Context, dataset, arrayPath string, spec chunkarray.SliceSpec) (*Region, error) {
	if err := spec.CheckOrder(); err != nil {
		return nil, err
	}
	meta, err := e.GetArrayMetadata(ctx, dataset, arrayPath)
	if err != nil {
		return nil, err
	}
	if err := spec.Validate(meta.Shape); err != nil {
		return nil, err
	}
	// GetArrayMetadata already accepted both names.
	ds, _ := sanitizeDataset(dataset)
	ap, _ := sanitizeArrayPath(arrayPath)
	arrayKey := path.Join(e.ContainerPath(ds), ap)

	plan := chunkarray.PlanChunks(meta, spec)
	e.log.Info("planned region",
		zap.String("dataset", ds),
		zap.String("array", ap),
		zap.Stringer("slice", spec),
		zap.Int("chunks", len(plan)))
	for _, coord := range plan {
		e.log.Debug("planned chunk",
			zap.String("coord", chunkarray.FormatCoord(coord)),
			zap.String("key", meta.ChunkKey(coord)))
	}

	out := chunkarray.NewGrid(meta.DataType, spec.Shape())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, coord := range plan {
		g.Go(func() error {
			key := path.Join(arrayKey, meta.ChunkKey(coord))
			raw, err := e.fetchChunk(gctx, key)
			if err != nil {
				return &chunkarray.ChunkError{Coord: coord, Key: key, Err: err}
			}
			chunk, err := chunkarray.DecodeChunk(meta, coord, raw)
			if err != nil {
				return &chunkarray.ChunkError{Coord: coord, Key: key, Err: err}
			}
			chunkarray.Assemble(out, meta, spec, coord, chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.log.Warn("region failed", zap.String("dataset", ds), zap.String("array", ap), zap.Error(err))
		return nil, err
	}
	return &Region{
		Dataset:   ds,
		ArrayPath: ap,
		Spec:      spec,
		Meta:      meta,
		Chunks:    plan,
		Grid:      out,
	}, nil
}

// fetchChunk returns the stored bytes of one chunk, through the disk cache
// when one is configured. Cache entries mirror the object keys.
func (e *Extractor) fetchChunk(ctx context.Context, key string) ([]byte, error) {
	if e.cache == nil {
		return objectstore.ReadAll(ctx, e.store, key)
	}
	p, err := e.cache.LoadOrCreate(ctx, key, func(f *os.File) error {
		fctx, cancel := e.detach(ctx)
		defer cancel()
		return e.store.Download(fctx, key, f)
	})
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return data, nil
}

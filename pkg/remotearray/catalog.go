package remotearray

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"

	"go.uber.org/zap"

	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/objectstore"
)

// DefaultMaxDepth bounds the group nesting Explore walks through.
const DefaultMaxDepth = 6

// ArrayInfo describes one array found by Explore. Err is set instead of Meta
// when the array document exists but cannot be parsed.
type ArrayInfo struct {
	Path      string                `json:"path"`
	Meta      *chunkarray.ArrayMeta `json:"metadata,omitempty"`
	SizeBytes int64                 `json:"size_bytes,omitempty"`
	Err       string                `json:"error,omitempty"`
}

// DatasetInfo is the tree summary of a dataset container.
type DatasetInfo struct {
	Name      string      `json:"name"`
	Container string      `json:"container"`
	Groups    []string    `json:"groups"`
	Arrays    []ArrayInfo `json:"arrays"`
}

// ListDatasets returns the dataset names at the bucket root, sorted.
func (e *Extractor) ListDatasets(ctx context.Context) ([]string, error) {
	items, err := e.store.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	var names []string
	for _, item := range items {
		if item.IsDir {
			names = append(names, path.Base(item.Path))
		}
	}
	sort.Strings(names)
	e.log.Info("listed datasets", zap.Int("count", len(names)))
	return names, nil
}

// Explore walks the dataset container and classifies every directory as a
// group or an array. Arrays are not descended into.
func (e *Extractor) Explore(ctx context.Context, dataset string) (*DatasetInfo, error) {
	ds, err := sanitizeDataset(dataset)
	if err != nil {
		return nil, &chunkarray.MetadataError{Dataset: dataset, Err: err}
	}
	container := e.ContainerPath(ds)
	info := &DatasetInfo{
		Name:      ds,
		Container: container,
		Groups:    []string{},
		Arrays:    []ArrayInfo{},
	}
	found, err := e.walk(ctx, container, "", 0, info)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &chunkarray.MetadataError{Dataset: ds, Err: objectstore.NotFoundError{Key: container}}
	}
	return info, nil
}

// walk lists container/rel and records what it finds into dst. It reports
// whether the directory exists.
func (e *Extractor) walk(ctx context.Context, container, rel string, depth int, dst *DatasetInfo) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	dir := container
	if rel != "" {
		dir = path.Join(container, rel)
	}
	items, err := e.store.List(ctx, dir)
	if err != nil {
		if objectstore.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}

	metaName := e.cfg.Format.MetadataObject()
	var subdirs []string
	hasDoc := false
	for _, item := range items {
		name := path.Base(item.Path)
		if item.IsDir {
			subdirs = append(subdirs, name)
		} else if name == metaName {
			hasDoc = true
		}
	}

	if rel != "" && hasDoc {
		isArray, err := e.classify(ctx, path.Join(dir, metaName), rel, dst)
		if err != nil {
			return false, err
		}
		if isArray {
			return true, nil
		}
	}
	if rel != "" {
		dst.Groups = append(dst.Groups, rel)
	}
	if depth >= e.cfg.MaxDepth {
		e.log.Debug("explore depth limit reached", zap.String("group", rel))
		return true, nil
	}
	sort.Strings(subdirs)
	for _, name := range subdirs {
		if _, err := e.walk(ctx, container, path.Join(rel, name), depth+1, dst); err != nil {
			return false, err
		}
	}
	return true, nil
}

// classify reads a metadata document and records the array it describes. It
// reports false when the document belongs to a group.
func (e *Extractor) classify(ctx context.Context, key, rel string, dst *DatasetInfo) (bool, error) {
	data, err := objectstore.ReadAll(ctx, e.store, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	meta, err := chunkarray.ParseMetadata(e.cfg.Format, data)
	switch {
	case errors.Is(err, chunkarray.ErrNotArray):
		return false, nil
	case err != nil:
		dst.Arrays = append(dst.Arrays, ArrayInfo{Path: rel, Err: err.Error()})
		return true, nil
	}
	dst.Arrays = append(dst.Arrays, ArrayInfo{Path: rel, Meta: &meta, SizeBytes: meta.SizeBytes()})
	return true, nil
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"example.com/organelle/pkg/cache"
	"example.com/organelle/pkg/config"
	"example.com/organelle/pkg/logging"
	"example.com/organelle/pkg/remotearray"
)

// session owns the resources of one command run.
type session struct {
	cfg   config.Config
	log   *zap.Logger
	cache *cache.Cache
	ex    *remotearray.Extractor
}

func (a *app) open(ctx context.Context) (*session, error) {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	store, err := a.newStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	s := &session{cfg: cfg, log: log}
	if cfg.CacheDir != "" {
		if s.cache, err = cache.Open(cfg.CacheDir); err != nil {
			return nil, err
		}
	}
	s.ex, err = remotearray.New(store, s.cache, remotearray.Config{
		Format:      cfg.ContainerFormat(),
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		Logger:      log,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	log.Debug("session ready",
		zap.String("bucket", cfg.Bucket),
		zap.String("format", cfg.Format),
		zap.String("cache", cfg.CacheDir))
	return s, nil
}

// context bounds a command by the configured timeout.
func (s *session) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if s.cfg.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.cfg.Timeout)
}

func (s *session) Close() {
	if s.cache != nil {
		st := s.cache.Stats()
		s.log.Debug("cache stats", zap.Int64("hits", st.Hits), zap.Int64("misses", st.Misses))
		_ = s.cache.Close()
	}
	_ = s.log.Sync()
}

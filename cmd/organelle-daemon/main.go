package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"example.com/organelle/pkg/cache"
	"example.com/organelle/pkg/config"
	"example.com/organelle/pkg/logging"
	"example.com/organelle/pkg/objectstore"
	"example.com/organelle/pkg/remotearray"
)

type daemon struct {
	v        *viper.Viper
	cfgFile  string
	socket   string
	listen   string
	warm     []string
	newStore func(ctx context.Context, c config.Config) (objectstore.ObjectStore, error)
}

type warmTarget struct {
	dataset string
	array   string
}

// parseWarmTargets splits "dataset:array" pairs.
func parseWarmTargets(list []string) ([]warmTarget, error) {
	out := make([]warmTarget, 0, len(list))
	for _, item := range list {
		ds, arr, ok := strings.Cut(strings.TrimSpace(item), ":")
		if !ok || ds == "" || arr == "" {
			return nil, fmt.Errorf("warm target %q is not dataset:array", item)
		}
		out = append(out, warmTarget{dataset: ds, array: arr})
	}
	return out, nil
}

func newS3Store(ctx context.Context, c config.Config) (objectstore.ObjectStore, error) {
	client, err := c.NewS3Client(ctx)
	if err != nil {
		return nil, err
	}
	return objectstore.NewS3Store(client, c.Bucket, c.Prefix, c.Concurrency), nil
}

// build wires the IPC server and primes the metadata of the warm targets. The
// returned func releases the cache and flushes the logger.
func (d *daemon) build(ctx context.Context) (*remotearray.IPCServer, *zap.Logger, func(), error) {
	targets, err := parseWarmTargets(d.warm)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load(d.v, d.cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logging: %w", err)
	}
	store, err := d.newStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init object store: %w", err)
	}
	var c *cache.Cache
	if cfg.CacheDir != "" {
		if c, err = cache.Open(cfg.CacheDir); err != nil {
			return nil, nil, nil, err
		}
	}
	cleanup := func() {
		if c != nil {
			_ = c.Close()
		}
		_ = log.Sync()
	}
	ex, err := remotearray.New(store, c, remotearray.Config{
		Format:      cfg.ContainerFormat(),
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.Timeout,
		Logger:      log,
	})
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	warmCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.Timeout > 0 {
		warmCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
	}
	defer cancel()
	for _, t := range targets {
		meta, err := ex.GetArrayMetadata(warmCtx, t.dataset, t.array)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("prime metadata cache: %w", err)
		}
		log.Info("primed metadata",
			zap.String("dataset", t.dataset),
			zap.String("array", t.array),
			zap.Ints("shape", meta.Shape))
	}

	ipc, err := remotearray.NewIPCServer(ex, c)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return ipc, log, cleanup, nil
}

func newRootCommand(d *daemon) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:   "organelle-daemon",
		Short: "Serve array metadata and regions over a Unix socket or TCP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ipc, log, cleanup, err := d.build(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			err = ipc.Serve(cmd.Context(), d.socket, d.listen)
			if errors.Is(err, context.Canceled) {
				log.Info("shut down")
				return nil
			}
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&d.cfgFile, "config", "", "optional YAML/JSON/TOML config file")
	f.StringVar(&d.socket, "socket", "", "path to a Unix domain socket for IPC (takes precedence over --listen)")
	f.StringVar(&d.listen, "listen", "127.0.0.1:8484", "TCP listen address when --socket is empty")
	f.StringSliceVar(&d.warm, "warm", nil, "dataset:array pairs whose metadata is loaded at start")
	if err := config.BindFlags(f, d.v); err != nil {
		return nil, err
	}
	return root, nil
}

func main() {
	d := &daemon{v: viper.New(), newStore: newS3Store}
	root, err := newRootCommand(d)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		stop()
		os.Exit(1)
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/config"
	"example.com/organelle/pkg/objectstore"
)

// app carries what every subcommand needs to open a session.
type app struct {
	v        *viper.Viper
	cfgFile  string
	stdout   io.Writer
	newStore func(ctx context.Context, c config.Config) (objectstore.ObjectStore, error)
}

func newS3Store(ctx context.Context, c config.Config) (objectstore.ObjectStore, error) {
	client, err := c.NewS3Client(ctx)
	if err != nil {
		return nil, err
	}
	return objectstore.NewS3Store(client, c.Bucket, c.Prefix, c.Concurrency), nil
}

func newRootCommand(a *app) (*cobra.Command, error) {
	root := &cobra.Command{
		Use:   "organelle",
		Short: "Browse and download OpenOrganelle volumes",
		Long: "organelle reads chunked N5 and zarr volumes straight from the public OpenOrganelle\n" +
			"bucket and writes rectangular regions as .npy files.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "optional YAML/JSON/TOML config file")
	if err := config.BindFlags(root.PersistentFlags(), a.v); err != nil {
		return nil, err
	}
	root.SetOut(a.stdout)
	root.AddCommand(
		newListCommand(a),
		newExploreCommand(a),
		newInfoCommand(a),
		newDownloadCommand(a),
	)
	return root, nil
}

// errorLine renders err as "ERROR: <kind>: <message>".
func errorLine(err error) string {
	if kind := chunkarray.Kind(err); kind != "" {
		return fmt.Sprintf("ERROR: %s: %v", kind, err)
	}
	return fmt.Sprintf("ERROR: %v", err)
}

func main() {
	a := &app{v: viper.New(), stdout: os.Stdout, newStore: newS3Store}
	root, err := newRootCommand(a)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, errorLine(err))
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, errorLine(err))
		stop()
		os.Exit(1)
	}
}

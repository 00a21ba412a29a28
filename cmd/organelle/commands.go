package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"example.com/organelle/pkg/chunkarray"
	"example.com/organelle/pkg/npy"
	"example.com/organelle/pkg/remotearray"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultArray = "em/fibsem-uint16/s0"

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the datasets in the bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := s.context(cmd.Context())
			defer cancel()

			names, err := s.ex.ListDatasets(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Available datasets (%d):\n", len(names))
			for i, name := range names {
				fmt.Fprintf(out, "%3d. %s\n", i+1, name)
			}
			return nil
		},
	}
}

func newExploreCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "explore <dataset>",
		Short: "Show the groups and arrays of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := s.context(cmd.Context())
			defer cancel()

			info, err := s.ex.Explore(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}
			fmt.Fprintf(out, "=== Dataset: %s (%s) ===\n", info.Name, info.Container)
			fmt.Fprintf(out, "Groups: %s\n", strings.Join(info.Groups, ", "))
			for _, arr := range info.Arrays {
				if arr.Meta == nil {
					fmt.Fprintf(out, "  %s: unreadable: %s\n", arr.Path, arr.Err)
					continue
				}
				fmt.Fprintf(out, "  %s: %v %s chunks %v (%.1f MB)\n",
					arr.Path, arr.Meta.Shape, arr.Meta.DataType, arr.Meta.ChunkShape, float64(arr.SizeBytes)/(1<<20))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tree as JSON")
	return cmd
}

func newInfoCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info <dataset> <array>",
		Short: "Print the metadata of one array",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			ctx, cancel := s.context(cmd.Context())
			defer cancel()

			meta, err := s.ex.GetArrayMetadata(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(remotearray.Describe(args[0], args[1], meta))
		},
	}
}

type downloadOptions struct {
	array        string
	slice        string
	sampleSize   int
	outputDir    string
	output       string
	withMetadata bool
}

// outputName builds "<dataset>_<array with / as _>_<slice|sample>.npy".
func outputName(dataset, array string, sliced bool) string {
	label := "sample"
	if sliced {
		label = "slice"
	}
	return fmt.Sprintf("%s_%s_%s.npy", dataset, strings.ReplaceAll(strings.Trim(array, "/"), "/", "_"), label)
}

func newDownloadCommand(a *app) *cobra.Command {
	opts := downloadOptions{}
	cmd := &cobra.Command{
		Use:   "download <dataset>",
		Short: "Download a region of an array as .npy",
		Long: "download fetches only the chunks overlapping the requested region and writes it\n" +
			"as a C-ordered .npy file. Without --slice a cube of --sample-size voxels at the\n" +
			"origin is fetched.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDownload(cmd, a, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.array, "array", defaultArray, "array path inside the container")
	f.StringVar(&opts.slice, "slice", "", "region as start:stop per dimension, e.g. 0:32,32:64,10:20")
	f.IntVar(&opts.sampleSize, "sample-size", 64, "edge of the sample cube when --slice is not given")
	f.StringVar(&opts.outputDir, "output-dir", "./downloads", "directory for downloaded files")
	f.StringVarP(&opts.output, "output", "o", "", "output file (default <dataset>_<array>_<slice|sample>.npy in --output-dir)")
	f.BoolVar(&opts.withMetadata, "with-metadata", false, "also write <dataset>_metadata.json with the dataset tree")
	return cmd
}

func runDownload(cmd *cobra.Command, a *app, dataset string, opts downloadOptions) error {
	var (
		spec chunkarray.SliceSpec
		err  error
	)
	sliced := opts.slice != ""
	if sliced {
		if spec, err = chunkarray.ParseSliceSpec(opts.slice); err != nil {
			return err
		}
		if err := spec.CheckOrder(); err != nil {
			return err
		}
	} else if opts.sampleSize <= 0 {
		return fmt.Errorf("sample-size must be > 0, not %d", opts.sampleSize)
	}

	s, err := a.open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := s.context(cmd.Context())
	defer cancel()

	if !sliced {
		meta, err := s.ex.GetArrayMetadata(ctx, dataset, opts.array)
		if err != nil {
			return err
		}
		spec = chunkarray.SampleSpec(meta.Shape, opts.sampleSize)
	}
	region, err := s.ex.DownloadRegion(ctx, dataset, opts.array, spec)
	if err != nil {
		return err
	}
	var info *remotearray.DatasetInfo
	if opts.withMetadata {
		if info, err = s.ex.Explore(ctx, dataset); err != nil {
			return err
		}
	}

	target := opts.output
	if target == "" {
		target = filepath.Join(opts.outputDir, outputName(dataset, opts.array, sliced))
	}
	if err := npy.WriteFile(target, region.Grid); err != nil {
		return fmt.Errorf("write %s: %w", target, err)
	}
	s.log.Info("wrote region",
		zap.String("file", target),
		zap.Ints("shape", region.Grid.Shape),
		zap.Int("chunks", len(region.Chunks)))
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Downloaded %v %s from %d chunk(s) to %s\n",
		region.Grid.Shape, region.Meta.DataType, len(region.Chunks), target)

	if info != nil {
		metaPath := filepath.Join(opts.outputDir, dataset+"_metadata.json")
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(opts.outputDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(metaPath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", metaPath, err)
		}
		fmt.Fprintf(out, "Metadata saved to %s\n", metaPath)
	}
	return nil
}

// Command snapllm manages the tiered tensor cache from the shell:
// ingesting weight files into workspaces, listing and removing cached
// models, and verifying KV cache integrity.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	snapllm "github.com/snapllm/snapllm-go"
	"github.com/snapllm/snapllm-go/util/signalx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:           "snapllm",
		Short:         "Tiered tensor cache and model-switching core",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newIngestCmd(), newListCmd(), newRemoveCmd(), newVerifyCmd(), newStatsCmd())
	return root
}

func newIngestCmd() *cobra.Command {
	var (
		name  string
		force bool
	)

	c := &cobra.Command{
		Use:   "ingest <weights-file>",
		Short: "Dequantize a weights file into its workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := snapllm.DefaultConfig()
			meta, err := snapllm.NewMetadataStore(cfg.WorkspaceRoot)
			if err != nil {
				return err
			}

			pipe := snapllm.NewPipeline(meta, cfg.UseDirectIO)
			res, err := pipe.Run(signalx.Handler(), name, args[0], force)
			if err != nil {
				return err
			}
			defer res.Workspace.Close()

			state := "ingested"
			if res.FromCache {
				state = "already cached"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s: %d tensors, %s in %s\n",
				state, res.Descriptor.Name, res.Descriptor.QuantType,
				len(res.Descriptor.Tensors),
				humanize.IBytes(uint64(res.Descriptor.TotalByteSize())),
				res.Elapsed.Round(1e6))
			return nil
		},
	}
	c.Flags().StringVar(&name, "name", "", "model name (derived from filename when empty)")
	c.Flags().BoolVar(&force, "force", false, "re-ingest even when cached")
	return c
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached (model, quant) workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := snapllm.DefaultConfig()
			meta, err := snapllm.NewMetadataStore(cfg.WorkspaceRoot)
			if err != nil {
				return err
			}

			entries, err := meta.ListModels()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tQUANT\tTENSORS\tSIZE\tINGESTED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					e.Name, e.QuantType, e.TensorCount,
					humanize.IBytes(uint64(e.TotalSizeBytes)),
					e.Timestamp.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <model> <quant>",
		Short: "Delete a cached workspace and its metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := snapllm.DefaultConfig()
			meta, err := snapllm.NewMetadataStore(cfg.WorkspaceRoot)
			if err != nil {
				return err
			}
			if !meta.Exists(args[0], args[1]) {
				return fmt.Errorf("no cached workspace for %s/%s", args[0], args[1])
			}
			return meta.Remove(args[0], args[1])
		},
	}
}

func newVerifyCmd() *cobra.Command {
	var compact bool

	c := &cobra.Command{
		Use:   "verify",
		Short: "Verify KV cache store integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := snapllm.DefaultConfig()
			store, err := snapllm.NewCacheStore(cfg.ContextsPath, 0)
			if err != nil {
				return err
			}

			bad := store.VerifyIntegrity()
			if len(bad) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d entries verified, all sound\n", store.Stats().Entries)
				return nil
			}

			for _, id := range bad {
				fmt.Fprintf(cmd.OutOrStdout(), "corrupt: %s\n", id)
			}
			if compact {
				reclaimed := store.Compact()
				fmt.Fprintf(cmd.OutOrStdout(), "compacted, reclaimed %s\n", humanize.IBytes(uint64(reclaimed)))
			}
			return fmt.Errorf("%d corrupt entries", len(bad))
		},
	}
	c.Flags().BoolVar(&compact, "compact", false, "remove entries failing verification")
	return c
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show workspace and KV store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := snapllm.DefaultConfig()
			meta, err := snapllm.NewMetadataStore(cfg.WorkspaceRoot)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workspace root:   %s\n", cfg.WorkspaceRoot)
			fmt.Fprintf(out, "cached models:    %d\n", meta.ModelCount())
			fmt.Fprintf(out, "cached bytes:     %s\n", humanize.IBytes(uint64(meta.TotalCachedSize())))

			if store, err := snapllm.NewCacheStore(cfg.ContextsPath, 0); err == nil {
				s := store.Stats()
				fmt.Fprintf(out, "kv entries:       %d\n", s.Entries)
				fmt.Fprintf(out, "kv bytes:         %s\n", humanize.IBytes(uint64(s.UsedBytes)))
			}
			return nil
		},
	}
}

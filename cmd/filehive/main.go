// Command filehive is the CLI surface of the engine: organize a batch,
// resume unfinished batches, query the index, print batch reports and
// restore organized files.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/filehive/filehive"
	"github.com/filehive/filehive/pkg/indexstore"
	"github.com/filehive/filehive/pkg/types"
)

var flags struct {
	configFile string
	dataPath   string
	outputRoot string
	minFreeGB  uint

	collision     string
	deleteSources bool
	compress      bool
	depth         int
	encrypt       bool
	keyRef        string
	keyFile       string

	workers int
	ioLimit int
	debug   bool
}

var rootCmd = &cobra.Command{
	Use:   "filehive",
	Short: "Organize files into a categorized tree with dedup, compression and encryption",
	Long: `filehive classifies files by content type, fingerprints them for
deduplication, optionally compresses and encrypts them, and moves them
into <output>/<Category>/<YYYY-MM>/ under a durable journal. Interrupted
runs are resumed with "filehive resume".`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configFile, "config", "c", "", "YAML config file (flags override it)")
	pf.StringVar(&flags.dataPath, "data", "./filehive-data", "data directory for journal, index and staging")
	pf.StringVarP(&flags.outputRoot, "output", "o", "", "output root for organized files")
	pf.UintVar(&flags.minFreeGB, "min-free-gb", 0, "refuse batches when the output volume has less free space (GB)")
	pf.IntVar(&flags.workers, "workers", 0, "worker pool size (0 = 3x CPU)")
	pf.IntVar(&flags.ioLimit, "io", 0, "parallel filesystem operations during execution (0 = 4)")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	organizeCmd.Flags().StringVar(&flags.collision, "collision", "rename", "collision policy: rename, skip or overwrite")
	organizeCmd.Flags().BoolVar(&flags.deleteSources, "delete-sources", false, "remove source files after their placement committed")
	organizeCmd.Flags().BoolVar(&flags.compress, "compress", false, "LZMA-compress files on the way in")
	organizeCmd.Flags().IntVar(&flags.depth, "depth", 0, "compression depth 1 (fast) to 9 (dense)")
	organizeCmd.Flags().BoolVar(&flags.encrypt, "encrypt", false, "AES-256 encrypt files on the way in")
	organizeCmd.Flags().StringVar(&flags.keyRef, "key-ref", "default", "opaque key handle recorded with encrypted files")
	organizeCmd.Flags().StringVar(&flags.keyFile, "key-file", "", "file holding the key material for --key-ref")

	restoreCmd.Flags().StringVar(&flags.keyFile, "key-file", "", "file holding the key material for encrypted files")

	queryCmd.Flags().String("category", "", "filter by category (Pictures, Videos, Music, Documents, Archives, Uncategorized)")
	queryCmd.Flags().String("from", "", "earliest date bucket, YYYY-MM")
	queryCmd.Flags().String("to", "", "latest date bucket, YYYY-MM")
	queryCmd.Flags().String("path-prefix", "", "filter by organized location prefix")
	queryCmd.Flags().Int("limit", 100, "maximum results")

	rootCmd.AddCommand(organizeCmd, resumeCmd, queryCmd, reportCmd, batchesCmd, restoreCmd, pruneCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flags.debug {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}

func buildConfig() (filehive.Config, error) {
	conf := filehive.Config{}
	if flags.configFile != "" {
		var err error
		conf, err = filehive.LoadConfig(flags.configFile)
		if err != nil {
			return filehive.Config{}, err
		}
	}

	if len(conf.Paths) == 0 {
		conf.Paths = []string{flags.dataPath}
	}
	if flags.outputRoot != "" {
		conf.OutputRoot = flags.outputRoot
	}
	if flags.minFreeGB != 0 {
		conf.MinimumFreeGB = flags.minFreeGB
	}
	if flags.collision != "" {
		conf.CollisionPolicy = flags.collision
	}
	if flags.deleteSources {
		conf.DeleteSources = true
	}
	if flags.compress {
		conf.Compress = true
	}
	if flags.depth != 0 {
		conf.CompressionDepth = flags.depth
	}
	if flags.encrypt {
		conf.Encrypt = true
	}
	if flags.keyRef != "" {
		conf.KeyRef = flags.keyRef
	}
	if flags.workers != 0 {
		conf.Workers = flags.workers
	}
	if flags.ioLimit != 0 {
		conf.IOConcurrency = flags.ioLimit
	}

	conf.Logger = newLogger()
	if flags.keyFile != "" {
		conf.Keys = fileKeyProvider{path: flags.keyFile}
	}
	return conf, nil
}

// withEngine handles the lifecycle around one command: build config,
// start the engine, cancel on SIGINT/SIGTERM, close on the way out.
func withEngine(fn func(ctx context.Context, eng *filehive.Engine) error) error {
	conf, err := buildConfig()
	if err != nil {
		return err
	}
	eng, err := filehive.New(conf)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil {
			conf.Logger.Warn("close failed", "error", cerr)
		}
	}()

	return fn(ctx, eng)
}

var organizeCmd = &cobra.Command{
	Use:   "organize <paths...>",
	Short: "Classify, transform and relocate the given files and directories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			// Unfinished batches first; their journaled operations may
			// target the same output subtree.
			if _, err := eng.Resume(ctx); err != nil {
				return err
			}
			report, err := eng.Organize(ctx, args)
			if err != nil {
				return err
			}
			printReport(report)
			if _, failed, _ := report.Counts(); failed > 0 {
				return fmt.Errorf("%d items failed", failed)
			}
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Finish every batch the journal holds in a non-final state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			reports, err := eng.Resume(ctx)
			if err != nil {
				return err
			}
			if len(reports) == 0 {
				fmt.Println("nothing to resume")
				return nil
			}
			for _, r := range reports {
				printReport(r)
			}
			return nil
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the index of organized files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		category, _ := cmd.Flags().GetString("category")
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		prefix, _ := cmd.Flags().GetString("path-prefix")
		limit, _ := cmd.Flags().GetInt("limit")

		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			recs, err := eng.Query(indexstore.Query{
				Category:   types.Category(category),
				BucketFrom: from,
				BucketTo:   to,
				PathPrefix: prefix,
				Limit:      limit,
			})
			if err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Printf("%s\t%s\t%s\t%s\t(was %s)\n",
					rec.Category, rec.DateBucket, rec.Transform, rec.Location, rec.OriginalPath)
			}
			fmt.Printf("%d records\n", len(recs))
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <batch-id>",
	Short: "Print the full per-item report of a journaled batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			report, err := eng.Report(args[0])
			if err != nil {
				return err
			}
			printReport(report)
			return nil
		})
	},
}

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List journaled batches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			batches, err := eng.ListBatches()
			if err != nil {
				return err
			}
			for _, b := range batches {
				fmt.Printf("%s\t%s\t%s\t%d ops\t%s\n",
					b.ID, b.CreatedAt.Format(time.RFC3339), b.State, b.OpCount, b.OutputRoot)
			}
			return nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <organized-path> <destination>",
	Short: "Reverse the transforms of an organized file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			recs, err := eng.Query(indexstore.Query{PathPrefix: args[0], Limit: 1})
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no index record for %s", args[0])
			}
			if err := eng.Restore(ctx, recs[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("restored %s -> %s\n", recs[0].Location, args[1])
			return nil
		})
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune <batch-id>",
	Short: "Drop a finished batch from the journal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, eng *filehive.Engine) error {
			return eng.PruneBatch(args[0])
		})
	},
}

func printReport(r types.BatchReport) {
	if r.BatchID != "" {
		fmt.Printf("batch %s: %s\n", r.BatchID, r.State)
	}
	for _, it := range r.Items {
		switch it.Status {
		case types.ItemCommitted:
			fmt.Printf("  ok      %s -> %s\n", it.Source, it.Target)
		case types.ItemFailed:
			fmt.Printf("  failed  %s: %s\n", it.Source, it.Reason)
		case types.ItemSkipped:
			fmt.Printf("  skipped %s: %s\n", it.Source, it.Reason)
		}
	}
	committed, failed, skipped := r.Counts()
	fmt.Printf("%d committed, %d failed, %d skipped\n", committed, failed, skipped)
}

// fileKeyProvider resolves every key handle to the contents of one
// local file. Anything smarter (keyrings, agents, KMS) implements the
// same one-method interface.
type fileKeyProvider struct {
	path string
}

func (p fileKeyProvider) Resolve(ctx context.Context, keyRef string) ([]byte, error) {
	material, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("read key material for %q: %w", keyRef, err)
	}
	if len(material) == 0 {
		return nil, fmt.Errorf("key file %s is empty", p.path)
	}
	return material, nil
}

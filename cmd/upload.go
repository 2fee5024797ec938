package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/wegman-software/osmupload-go/internal/config"
	"github.com/wegman-software/osmupload-go/internal/conflict"
	"github.com/wegman-software/osmupload-go/internal/feature"
	"github.com/wegman-software/osmupload-go/internal/logger"
	"github.com/wegman-software/osmupload-go/internal/metrics"
	"github.com/wegman-software/osmupload-go/internal/osc"
	"github.com/wegman-software/osmupload-go/internal/osmapi"
	"github.com/wegman-software/osmupload-go/internal/policy"
	"github.com/wegman-software/osmupload-go/internal/resultstore"
	"github.com/wegman-software/osmupload-go/internal/upload"
)

var (
	tagFlags   []string
	noProgress bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <changes.osc[.gz]>",
	Short: "Upload an osmChange file",
	Long: `Upload an osmChange file to the OpenStreetMap API.

The diff is split into changesets of at most --max-features elements. Placeholder
(negative) ids are replaced with the ids the API assigns, also across changesets.

When the API reports a version conflict the current state of every modified or
deleted feature is fetched and each conflict is decided:
  - identical copies and double deletions are merged automatically (--accept-automatic)
  - everything else goes to --on-conflict: fail, local (keep ours) or remote (keep theirs)
  - --conflict-script runs a Lua policy defining osmupload.on_automatic_conflict
    and/or osmupload.on_manual_conflict

Examples:
  # Upload to the development sandbox
  osmupload upload changes.osc --endpoint dev --tag comment="Fix road names"

  # Keep our version on conflicts and store the id map
  osmupload upload changes.osc.gz --on-conflict local --result-json ids.json`,
	Args: cobra.ExactArgs(1),
	Run:  runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().StringVarP(&cfg.Endpoint, "endpoint", "e", cfg.Endpoint, "API endpoint (production, dev or a URL)")
	uploadCmd.Flags().StringVar(&cfg.Token, "token", cfg.Token, "OAuth2 access token (default $"+config.TokenEnv+")")
	uploadCmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	uploadCmd.Flags().StringArrayVarP(&tagFlags, "tag", "t", nil, "Changeset tag key=value (repeatable)")

	uploadCmd.Flags().IntVar(&cfg.MaxFeaturesPerChunk, "max-features", cfg.MaxFeaturesPerChunk, "Maximum features per changeset")
	uploadCmd.Flags().IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Upload attempts per changeset when conflicts occur")
	uploadCmd.Flags().BoolVar(&cfg.DisableCompression, "no-compression", cfg.DisableCompression, "Send uploads uncompressed")

	uploadCmd.Flags().StringVar(&cfg.OnConflict, "on-conflict", cfg.OnConflict, "Policy for conflicts that cannot be merged: fail, local or remote")
	uploadCmd.Flags().BoolVar(&cfg.AcceptAutomatic, "accept-automatic", cfg.AcceptAutomatic, "Merge identical copies and double deletions automatically")
	uploadCmd.Flags().StringVar(&cfg.ConflictScript, "conflict-script", cfg.ConflictScript, "Lua conflict policy script")
	uploadCmd.Flags().IntVar(&cfg.FetchBatchSize, "fetch-batch-size", cfg.FetchBatchSize, "Features fetched per request while resolving conflicts")
	uploadCmd.Flags().IntVar(&cfg.FetchConcurrency, "fetch-concurrency", cfg.FetchConcurrency, "Parallel fetch requests while resolving conflicts")

	uploadCmd.Flags().StringVar(&cfg.ResultJSON, "result-json", cfg.ResultJSON, "Write the id map as JSON to this file (- for stdout)")
	uploadCmd.Flags().BoolVar(&cfg.ResultDB, "result-db", cfg.ResultDB, "Store the id map in PostgreSQL")
	uploadCmd.Flags().StringVar(&cfg.ResultTable, "result-table", cfg.ResultTable, "Table for --result-db")

	uploadCmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable the progress bar")
}

func runUpload(cmd *cobra.Command, args []string) {
	log := logger.Get()
	inputFile := args[0]

	if err := cfg.Validate(); err != nil {
		exitWithError("invalid configuration", err)
	}
	if cfg.Token == "" {
		exitWithError("no access token", fmt.Errorf("use --token or set %s", config.TokenEnv))
	}
	endpoint, err := osmapi.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		exitWithError("invalid endpoint", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parser := osc.NewParser()
	doc, err := parser.ParseFile(ctx, inputFile)
	if err != nil {
		exitWithError("failed to parse input", err)
	}

	tags, err := changesetTags(doc.Metadata)
	if err != nil {
		exitWithError("invalid tag", err)
	}

	stats := parser.Stats()
	log.Info("Starting upload",
		zap.String("input", inputFile),
		zap.String("endpoint", endpoint.BaseURL),
		zap.Int64("changes", stats.Total()),
		zap.Int("max_features", cfg.MaxFeaturesPerChunk),
		zap.String("on_conflict", cfg.OnConflict))

	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	defer cancelMetrics()
	var collector *metrics.Collector
	if cfg.MetricsInterval > 0 {
		collector = metrics.NewCollector(cfg.MetricsInterval, log)
		go collector.Start(metricsCtx)
	}

	client := osmapi.NewClient(osmapi.NewHTTPTransport(endpoint.BaseURL,
		osmapi.WithToken(cfg.Token),
		osmapi.WithTimeout(cfg.Timeout),
		osmapi.WithMetrics(collector)))

	opts := upload.Options{
		MaxFeaturesPerChunk: cfg.MaxFeaturesPerChunk,
		MaxRetries:          cfg.MaxRetries,
		DisableCompression:  cfg.DisableCompression,
		SessionID:           upload.NewSessionID(),
		Metrics:             collector,
		ResolverOptions: []conflict.Option{
			conflict.WithBatchSize(cfg.FetchBatchSize),
			conflict.WithConcurrency(cfg.FetchConcurrency),
		},
	}

	script, err := configurePolicies(&opts)
	if err != nil {
		exitWithError("failed to set up conflict policy", err)
	}
	if script != nil {
		defer script.Close()
	}

	bar := newUploadBar()
	opts.OnProgress = bar.update

	start := time.Now()
	result, uploadErr := upload.NewUploader(client, opts).Submit(ctx, tags, doc.Diff)
	bar.finish()

	if err := storeResult(ctx, opts.SessionID, result); err != nil {
		log.Error("Failed to store upload result", zap.Error(err))
	}

	printUploadSummary(result, stats, time.Since(start))

	if uploadErr != nil {
		if errors.Is(uploadErr, upload.ErrCloseFailed) {
			log.Warn("The data was committed; do not repeat this upload")
		}
		exitWithError("upload failed", uploadErr)
	}
}

// changesetTags merges configured tags, the file's changeset tags and --tag flags,
// later sources winning
func changesetTags(fromFile feature.Tags) (feature.Tags, error) {
	tags := cfg.ChangesetTags()
	for _, t := range fromFile {
		tags = tags.Set(t.Key, t.Value)
	}
	for _, raw := range tagFlags {
		t, err := config.ParseTag(raw)
		if err != nil {
			return nil, err
		}
		tags = tags.Set(t.Key, t.Value)
	}
	return tags, nil
}

// configurePolicies fills the conflict callbacks from the configuration. The returned
// runtime, if any, must be closed after the upload.
func configurePolicies(opts *upload.Options) (*policy.Runtime, error) {
	if cfg.AcceptAutomatic {
		opts.OnAutomaticConflict = conflict.AcceptAutomatic
	}
	manual, err := conflict.ParseStrategy(cfg.OnConflict)
	if err != nil {
		return nil, err
	}
	opts.OnManualConflict = manual

	if cfg.ConflictScript == "" {
		return nil, nil
	}

	script := policy.NewRuntime()
	if err := script.LoadFile(cfg.ConflictScript); err != nil {
		script.Close()
		return nil, err
	}
	if fn := script.Automatic(); fn != nil {
		opts.OnAutomaticConflict = fn
	}
	if fn := script.Manual(); fn != nil {
		opts.OnManualConflict = fn
	}
	logger.Get().Info("Loaded conflict script",
		zap.String("script", cfg.ConflictScript),
		zap.Bool("automatic", script.HasAutomatic()),
		zap.Bool("manual", script.HasManual()))
	return script, nil
}

// storeResult writes the id map to the configured sinks. Partial results are stored
// too, so committed changesets are never lost.
func storeResult(ctx context.Context, session string, result upload.Result) error {
	if len(result) == 0 {
		return nil
	}

	if cfg.ResultJSON != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		if cfg.ResultJSON == "-" {
			fmt.Println(string(data))
		} else if err := os.WriteFile(cfg.ResultJSON, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write result file: %w", err)
		}
	}

	if cfg.ResultDB {
		// the upload context may be cancelled already
		dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		store, err := resultstore.Open(dbCtx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.EnsureTable(dbCtx); err != nil {
			return err
		}
		if _, err := store.Save(dbCtx, session, result); err != nil {
			return err
		}
	}
	return nil
}

func printUploadSummary(result upload.Result, stats feature.Stats, elapsed time.Duration) {
	fmt.Fprintf(os.Stderr, "Uploaded %s changes in %d changeset(s) in %s\n",
		humanize.Comma(stats.Total()), len(result), elapsed.Round(time.Millisecond))
	for _, id := range result.ChangesetIDs() {
		fmt.Fprintf(os.Stderr, "  changeset %d: %s features\n", id, humanize.Comma(int64(result[id].Len())))
	}
}

// uploadBar renders upload progress. Steps are tracked in hundredths of a chunk.
type uploadBar struct {
	bar *pb.ProgressBar
}

func newUploadBar() *uploadBar {
	return &uploadBar{}
}

func (b *uploadBar) update(p upload.Progress) {
	if noProgress {
		return
	}
	switch p.Phase {
	case upload.PhaseUpload:
		if b.bar == nil {
			b.bar = pb.New(p.Total * 100)
			b.bar.Output = os.Stderr
			b.bar.ShowCounters = false
			b.bar.SetWidth(79)
			b.bar.Start()
		}
		b.bar.Prefix(fmt.Sprintf("changeset %d/%d ", min(int(p.Step)+1, p.Total), p.Total))
		b.bar.Set(int(p.Step * 100))
	case upload.PhaseMergeConflicts:
		if b.bar != nil {
			b.bar.Prefix(fmt.Sprintf("conflicts %d/%d ", int(p.Step), p.Total))
		}
	}
}

func (b *uploadBar) finish() {
	if b.bar != nil {
		b.bar.Finish()
	}
}

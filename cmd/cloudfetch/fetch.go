package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/cloudfetch/internal/config"
	"github.com/ligustah/cloudfetch/internal/downloader"
	"github.com/ligustah/cloudfetch/internal/progress"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// runFetch downloads every result file listed in a link manifest and writes
// the chunks, in row order, to a local file or a bucket.
func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)

	configPath := fs.String("config", "", "YAML configuration file")
	links := fs.String("links", "", "Link manifest (JSON) (required)")
	sourceBucket := fs.String("source-bucket", "", "Read result files from this bucket URL; file links are object keys")
	output := fs.String("output", "", "Output file path")
	format := fs.String("format", "", "Output file format: raw or arrow (default raw)")
	bucket := fs.String("bucket", "", "Destination bucket URL")
	object := fs.String("object", "", "Destination object prefix (required with -bucket)")
	threads := fs.Int("threads", 0, "Number of parallel downloads (default 10)")
	batch := fs.Int("batch", 0, "Links registered per batch (default 100)")
	compressed := fs.Bool("compressed", false, "Result files are LZ4 frame compressed")
	verifyRows := fs.Bool("verify-rows", false, "Check the row count of every Arrow payload")
	maxPayload := fs.String("max-payload-size", "", "Maximum decoded size of one result file (default 256MB)")
	timeout := fs.Duration("timeout", 0, "Timeout per download attempt (default 1m)")
	expiryBuffer := fs.Duration("expiry-buffer", 0, "Treat links as expired this long before their expiry")
	retries := fs.Int("retries", 0, "Resubmissions of a timed out download")
	maxAttempts := fs.Int("max-attempts", 0, "Unsuccessful rounds tolerated per chunk (default 3)")
	startRow := fs.Int64("start-row", 0, "Skip all rows before this one")
	showProgress := fs.Bool("progress", false, "Show progress output")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn or error")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cloudfetch fetch -links FILE [-output FILE | -bucket URL -object PREFIX] [options]

Download all result files of a link manifest in parallel and write them in
row order. A bucket destination stores one object per result file plus a
manifest.json that cloudfetch can fetch again with -source-bucket.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	overrides := config.Config{
		Links:        *links,
		SourceBucket: *sourceBucket,
		Output:       *output,
		Format:       *format,
		Bucket:       *bucket,
		Object:       *object,
		Threads:      *threads,
		BatchSize:    *batch,
		Compressed:   *compressed,
		VerifyRows:   *verifyRows,
		Progress:     *showProgress,
		Timeout:      *timeout,
		ExpiryBuffer: *expiryBuffer,
		Retry:        config.RetryConfig{Timeouts: *retries, Attempts: *maxAttempts},
	}
	if *maxPayload != "" {
		size, err := progress.ParseBytes(*maxPayload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid max payload size: %v\n", err)
			return ExitInvalidArgs
		}
		overrides.MaxPayloadSize = size
	}

	cfg, err := loadConfig(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}

	log, err := newLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	manifest, err := cloudfetch.ReadManifestFile(cfg.Links)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitLinksInvalid
	}
	if err := manifest.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: link manifest %s is invalid: %v\n", cfg.Links, err)
		return ExitLinksInvalid
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := append(cfg.SettingsOptions(), cloudfetch.WithLogger(log))
	if cfg.SourceBucket != "" {
		src, err := blob.OpenBucket(ctx, cfg.SourceBucket)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening source bucket: %v\n", err)
			return ExitStorageError
		}
		defer src.Close()
		opts = append(opts, cloudfetch.WithFetcher(cloudfetch.NewBucketFetcher(src, cfg.MaxPayloadSize)))
	} else {
		fetcher, err := cloudfetch.NewHTTPFetcher(cfg.HTTPFetcherOptions())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return ExitInvalidArgs
		}
		opts = append(opts, cloudfetch.WithFetcher(fetcher))
	}
	settings, err := cloudfetch.NewSettings(opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	sink, dest, closeDest, err := openSink(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitStorageError
	}
	defer closeDest()

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			TotalRows:      manifest.TotalRows,
			TotalChunks:    len(manifest.Links),
			Threads:        cfg.Threads,
			Output:         os.Stderr,
			UpdateInterval: time.Second,
			Source:         cfg.Links,
		})
		reporter.Start()
	}

	summary, err := downloader.Fetch(ctx, cloudfetch.NewStaticSource(manifest.Links, cfg.BatchSize), settings, sink, downloader.Options{
		Progress:    reporter,
		MaxAttempts: cfg.Retry.Attempts,
		StartRow:    *startRow,
	})
	if reporter != nil {
		reporter.Stop()
	}

	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "[cloudfetch] Fetch interrupted after %s rows, rerun with -start-row %d to continue\n",
				progress.FormatCount(summary.Rows), *startRow+summary.Rows)
			return ExitGeneralError
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	fmt.Fprintf(os.Stderr, "[cloudfetch] Fetched %s rows in %d chunks (%s) to %s\n",
		progress.FormatCount(summary.Rows), summary.Chunks, progress.FormatBytes(summary.Bytes), dest)
	return ExitSuccess
}

// loadConfig layers the config file, the environment and flag overrides.
func loadConfig(path string, overrides config.Config) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}
	return cfg.Merge(overrides), nil
}

// openSink opens the configured destination. The returned func releases
// resources the sink does not own.
func openSink(ctx context.Context, cfg config.Config) (downloader.Sink, string, func(), error) {
	if cfg.Bucket != "" {
		bkt, err := blob.OpenBucket(ctx, cfg.Bucket)
		if err != nil {
			return nil, "", nil, fmt.Errorf("open bucket: %w", err)
		}
		sink := downloader.NewBucketSink(bkt, cfg.Object)
		return sink, cfg.Bucket + " " + sink.ManifestKey(), func() { bkt.Close() }, nil
	}

	var (
		sink downloader.Sink
		err  error
	)
	if cfg.Format == config.FormatArrow {
		sink, err = downloader.NewArrowFileSink(cfg.Output)
	} else {
		sink, err = downloader.NewFileSink(cfg.Output)
	}
	if err != nil {
		return nil, "", nil, err
	}
	return sink, cfg.Output, func() {}, nil
}

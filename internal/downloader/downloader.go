package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	cfhttp "github.com/ligustah/cloudfetch/internal/http"
	"github.com/ligustah/cloudfetch/internal/progress"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// Options configures Fetch.
type Options struct {
	// Progress is an optional progress reporter. Fetch does not start or
	// stop it.
	Progress *progress.Reporter

	// MaxAttempts is the number of consecutive unsuccessful rounds tolerated
	// for a single row before giving up.
	// Default: cloudfetch.DefaultMaxAttempts
	MaxAttempts int

	// StartRow skips all rows before it.
	StartRow int64
}

// Summary describes a finished (or aborted) fetch.
type Summary struct {
	Rows     int64
	Chunks   int
	Bytes    int64
	Retries  int
	Duration time.Duration
}

// Fetch streams every result chunk from source into sink, in row order.
// The sink is always closed, also when fetching fails.
//
// Errors from the sink are returned as *StorageError. Links that keep
// expiring surface as cloudfetch.ErrLinkExpired, downloads that keep failing
// as cloudfetch.ErrDownloadFailed or cloudfetch.ErrDownloadTimedOut.
func Fetch(ctx context.Context, source cloudfetch.LinkSource, settings cloudfetch.Settings, sink Sink, opts Options) (Summary, error) {
	log := settings.Logger
	if log == nil {
		log = slog.Default()
	}

	var summary Summary
	start := time.Now()

	stream := cloudfetch.NewStream(source, settings,
		cloudfetch.WithStartRow(opts.StartRow),
		cloudfetch.WithMaxAttempts(opts.MaxAttempts),
		cloudfetch.WithRetryNotify(func(row int64, err error) {
			summary.Retries++
			if opts.Progress != nil {
				opts.Progress.Retried()
			}
		}),
	)
	defer stream.Close()

	err := stream.ReadAll(ctx, func(chunk cloudfetch.DownloadedChunk) error {
		if err := sink.WriteChunk(ctx, chunk); err != nil {
			return err
		}

		summary.Rows += chunk.RowCount
		summary.Chunks++
		summary.Bytes += int64(len(chunk.Payload))
		if opts.Progress != nil {
			opts.Progress.ChunkDelivered(chunk.RowCount, int64(len(chunk.Payload)))
		}

		log.Debug("Delivered chunk",
			slog.Int64("startRow", chunk.StartRowOffset),
			slog.Int64("rows", chunk.RowCount),
			slog.Int("bytes", len(chunk.Payload)))
		return nil
	})

	// The sink still has to be finalized when ctx was cancelled.
	closeErr := sink.Close(context.WithoutCancel(ctx))
	summary.Duration = time.Since(start)

	if err != nil {
		var storageErr *StorageError
		if errors.As(err, &storageErr) {
			return summary, err
		}
		return summary, fmt.Errorf("fetch from row %d: %w", stream.Row(), err)
	}
	if closeErr != nil {
		return summary, closeErr
	}

	log.Info("Fetch complete",
		slog.Int64("rows", summary.Rows),
		slog.Int("chunks", summary.Chunks),
		slog.Int64("bytes", summary.Bytes),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

// ProbeResult is the outcome of probing one link.
type ProbeResult struct {
	Link cloudfetch.ResultLink
	Info *cfhttp.FileInfo
	Err  error
}

// ProbeLinks issues a HEAD request for every link, at most concurrency at a
// time. Per-link failures are reported in the results; the returned error is
// only set when ctx ends.
func ProbeLinks(ctx context.Context, links []cloudfetch.ResultLink, opts cfhttp.Options, concurrency int) ([]ProbeResult, error) {
	client, err := cfhttp.NewClient(opts)
	if err != nil {
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	results := make([]ProbeResult, len(links))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, link := range links {
		g.Go(func() error {
			header := make(http.Header, len(link.Headers))
			for k, v := range link.Headers {
				header.Set(k, v)
			}
			info, err := client.Head(gctx, link.FileLink, header)
			results[i] = ProbeResult{Link: link, Info: info, Err: err}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	for i := range results {
		if r := &results[i]; r.Err == nil && r.Link.Ranged() && !r.Info.AcceptsRanges {
			r.Err = cfhttp.ErrRangeNotSupported
		}
	}
	return results, nil
}

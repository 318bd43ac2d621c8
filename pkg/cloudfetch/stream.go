package cloudfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultMaxAttempts is the number of consecutive unsuccessful fetch rounds
// after which Stream.Next gives up.
const DefaultMaxAttempts = 3

// saturationPoll is how often Next re-offers work to a full pool.
const saturationPoll = 10 * time.Millisecond

// Stream drives a Scheduler for a sequential consumer: it pulls link pages
// from a LinkSource, re-requests links after they expire, and backs off after
// failed downloads.
type Stream struct {
	source   LinkSource
	sched    *Scheduler
	settings Settings
	log      *slog.Logger

	schedOpts   []SchedulerOption
	maxAttempts int
	onRetry     func(row int64, err error)

	row     int64
	started bool
	hasMore bool
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithSchedulerOptions passes options to the underlying Scheduler.
func WithSchedulerOptions(opts ...SchedulerOption) StreamOption {
	return func(s *Stream) {
		s.schedOpts = append(s.schedOpts, opts...)
	}
}

// WithStartRow starts the stream at row instead of 0.
func WithStartRow(row int64) StreamOption {
	return func(s *Stream) {
		s.row = row
	}
}

// WithMaxAttempts sets how many consecutive unsuccessful rounds Next tolerates.
func WithMaxAttempts(n int) StreamOption {
	return func(s *Stream) {
		s.maxAttempts = n
	}
}

// WithRetryNotify registers fn to be called for every unsuccessful round, with
// the row being fetched and the error that caused it.
func WithRetryNotify(fn func(row int64, err error)) StreamOption {
	return func(s *Stream) {
		s.onRetry = fn
	}
}

// NewStream creates a stream reading links from source.
// The caller must Close the stream.
func NewStream(source LinkSource, settings Settings, options ...StreamOption) *Stream {
	s := &Stream{
		source:      source,
		settings:    settings,
		log:         settings.Logger,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	s.sched = NewScheduler(settings, s.schedOpts...)
	return s
}

// Row returns the index of the next row the stream will deliver.
func (s *Stream) Row() int64 {
	return s.row
}

// Next returns the next chunk in row order, or io.EOF after the last one.
func (s *Stream) Next(ctx context.Context) (DownloadedChunk, error) {
	var (
		attempts int
		lastErr  error
	)

	for {
		if err := ctx.Err(); err != nil {
			return DownloadedChunk{}, err
		}
		if attempts >= s.maxAttempts {
			return DownloadedChunk{}, fmt.Errorf("cloudfetch: fetch row %d failed after %d attempts: %w", s.row, attempts, lastErr)
		}

		if !s.started || (s.row >= s.sched.HighWater() && s.hasMore) {
			if err := s.refresh(ctx); err != nil {
				return DownloadedChunk{}, err
			}
		}
		if s.row >= s.sched.HighWater() && !s.hasMore {
			return DownloadedChunk{}, io.EOF
		}

		res := s.sched.FetchNext(ctx, s.row)
		switch res.Status {
		case StatusReady:
			s.row = res.Chunk.End()
			return res.Chunk, nil

		case StatusLinksExpired:
			attempts++
			lastErr = res.Err
			s.log.Info("Result links expired, requesting fresh links", slog.Int64("row", s.row))
			s.notify(res.Err)
			if err := s.refresh(ctx); err != nil {
				return DownloadedChunk{}, err
			}

		case StatusRetryLater:
			attempts++
			lastErr = res.Err
			s.log.Info("Result file download failed, retrying with fresh links",
				slog.Int64("row", s.row),
				slog.Any("error", res.Err))
			s.notify(res.Err)
			if err := s.wait(ctx); err != nil {
				return DownloadedChunk{}, err
			}
			s.sched.Discard()
			if err := s.refresh(ctx); err != nil {
				return DownloadedChunk{}, err
			}

		case StatusNotReady:
			if err := ctx.Err(); err != nil {
				return DownloadedChunk{}, err
			}
			if errors.Is(res.Err, ErrPoolClosed) {
				return DownloadedChunk{}, fmt.Errorf("cloudfetch: fetch row %d: %w", s.row, res.Err)
			}
			if res.Err != nil || s.sched.HasPendingAt(s.row) {
				// The pool is full; the handle at row is admitted once a worker frees up.
				if err := sleep(ctx, saturationPoll); err != nil {
					return DownloadedChunk{}, err
				}
				continue
			}
			attempts++
			if s.sched.Pending() > 0 {
				return DownloadedChunk{}, fmt.Errorf("cloudfetch: no link starts at row %d", s.row)
			}
			// The batch was dropped or ended below the high-water mark.
			lastErr = fmt.Errorf("cloudfetch: no links for row %d", s.row)
			if err := s.refresh(ctx); err != nil {
				return DownloadedChunk{}, err
			}
		}
	}
}

func (s *Stream) refresh(ctx context.Context) error {
	batch, err := s.source.FetchLinks(ctx, s.row)
	if err != nil {
		return fmt.Errorf("cloudfetch: fetch links at row %d: %w", s.row, err)
	}
	if batch.HasMore && batch.NextRowOffset <= s.row {
		return fmt.Errorf("cloudfetch: link source made no progress at row %d", s.row)
	}

	s.started = true
	s.hasMore = batch.HasMore
	s.sched.Register(batch.Links, batch.NextRowOffset)

	s.log.Debug("Registered result links",
		slog.Int("count", len(batch.Links)),
		slog.Int64("row", s.row),
		slog.Int64("highWater", s.sched.HighWater()),
		slog.Bool("hasMore", batch.HasMore))
	return nil
}

func (s *Stream) notify(err error) {
	if s.onRetry != nil {
		s.onRetry(s.row, err)
	}
}

func (s *Stream) wait(ctx context.Context) error {
	return sleep(ctx, s.settings.RetryBackoff)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close stops all downloads.
func (s *Stream) Close() error {
	s.sched.Close()
	return nil
}

// ReadAll drains the stream, calling fn for every chunk in row order.
func (s *Stream) ReadAll(ctx context.Context, fn func(DownloadedChunk) error) error {
	for {
		chunk, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}

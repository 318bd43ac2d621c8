package cloudfetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
)

// Scheduler turns registered links into an in-order sequence of decoded chunks.
//
// Downloads run in parallel on a bounded pool; chunks are only ever handed out
// for the row the consumer asks for, so delivery order is the consumer's
// request order. Register and FetchNext must be called from a single
// goroutine.
type Scheduler struct {
	settings Settings
	pool     Submitter
	ownsPool *Pool
	newH     HandleFactory
	log      *slog.Logger

	pending   []Handle
	highWater int64
	delivered int64
	retries   int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPool runs downloads on an existing pool instead of a private one.
// The caller keeps ownership of the pool.
func WithPool(p Submitter) SchedulerOption {
	return func(s *Scheduler) {
		s.pool = p
	}
}

// WithHandleFactory replaces the Handle implementation.
func WithHandleFactory(f HandleFactory) SchedulerOption {
	return func(s *Scheduler) {
		s.newH = f
	}
}

// NewScheduler creates a scheduler. Unless WithPool is given it starts a
// pool of settings.PoolSize() workers, released by Close.
func NewScheduler(settings Settings, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		settings: settings,
		newH:     NewDownloadHandle,
		log:      settings.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.pool == nil {
		s.ownsPool = NewPool(settings.PoolSize(), 4*settings.PoolSize())
		s.pool = s.ownsPool
	}
	return s
}

// Register appends a handle for every link that carries rows, in link order,
// and moves the high-water row index forward. Nothing is downloaded until the
// next FetchNext.
func (s *Scheduler) Register(links []ResultLink, highWater int64) {
	for _, link := range links {
		if link.RowCount <= 0 {
			continue
		}
		s.pending = append(s.pending, s.newH(s.settings, link))
	}

	if highWater < s.highWater {
		s.log.Debug("Ignoring lower high-water row index",
			slog.Int64("current", s.highWater),
			slog.Int64("requested", highWater))
		return
	}
	s.highWater = highWater
}

// FetchNext returns the chunk starting at row.
//
// It drops handles the consumer has moved past, submits unscheduled handles to
// the pool, then waits for the handle starting exactly at row. Expected
// failures are reported through the Result, never as a panic; FetchNext panics
// only if two pending links start at the same row. A closed pool is reported
// as StatusNotReady with ErrPoolClosed.
func (s *Scheduler) FetchNext(ctx context.Context, row int64) Result {
	s.evict(row)
	admitErr := s.admit()

	idx := s.locate(row)
	if idx < 0 {
		if errors.Is(admitErr, ErrPoolClosed) {
			return Result{Status: StatusNotReady, Err: admitErr}
		}
		return Result{Status: StatusNotReady}
	}
	return s.resolve(ctx, idx)
}

// evict removes every handle whose rows all lie before row.
func (s *Scheduler) evict(row int64) {
	kept := s.pending[:0]
	for _, h := range s.pending {
		if h.Link().End() > row {
			kept = append(kept, h)
		}
	}
	evicted := len(s.pending) - len(kept)
	clear(s.pending[len(kept):])
	s.pending = kept

	if evicted > 0 {
		s.log.Debug("Evicted result handles behind the cursor",
			slog.Int("count", evicted),
			slog.Int64("row", row))
		recordEvicted(evicted)
	}
}

// admit submits every unscheduled handle. The first rejection ends the pass
// and is returned; the rest stay unscheduled until the next call.
func (s *Scheduler) admit() error {
	for _, h := range s.pending {
		if h.Scheduled() {
			continue
		}
		if err := h.Schedule(s.pool); err != nil {
			s.log.Warn("Failed to schedule result file download",
				slog.String("link", h.Link().String()),
				slog.Any("error", err))
			return err
		}
	}
	return nil
}

// locate returns the index of the scheduled handle starting at row, or -1.
func (s *Scheduler) locate(row int64) int {
	found := -1
	for i, h := range s.pending {
		if !h.Scheduled() || h.Link().StartRowOffset != row {
			continue
		}
		if found >= 0 {
			panic(fmt.Sprintf("cloudfetch: invariant violated: more than one pending link starts at row %d", row))
		}
		found = i
	}
	return found
}

// resolve waits for the handle at idx and applies the outcome. Timeouts are
// resubmitted in place until the consecutive retry budget is spent.
func (s *Scheduler) resolve(ctx context.Context, idx int) Result {
	h := s.pending[idx]
	link := h.Link()

	for {
		out := h.Outcome(ctx)

		switch out.State {
		case Succeeded:
			s.pending = slices.Delete(s.pending, idx, idx+1)
			s.delivered = link.End()
			s.retries = 0
			recordDelivered(link.RowCount)
			return Result{
				Status: StatusReady,
				Chunk: DownloadedChunk{
					Payload:        out.Payload,
					StartRowOffset: link.StartRowOffset,
					RowCount:       link.RowCount,
				},
			}

		case Expired:
			s.log.Info("Result link expired, discarding pending links",
				slog.String("link", link.String()),
				slog.Int("discarded", len(s.pending)))
			s.Discard()
			recordBatchExpired()
			return Result{Status: StatusLinksExpired, Err: fmt.Errorf("%s: %w", link, ErrLinkExpired)}

		case TimedOut:
			if s.retries >= s.settings.MaxConsecutiveRetries {
				s.log.Warn("Result file download timed out, retries exhausted",
					slog.String("link", link.String()),
					slog.Int("retries", s.retries))
				recordFetchFailure("timeout")
				return Result{Status: StatusRetryLater, Err: fmt.Errorf("%s: %w", link, ErrDownloadTimedOut)}
			}
			s.retries++
			recordRetry()
			s.log.Info("Result file download timed out, retrying",
				slog.String("link", link.String()),
				slog.Int("attempt", s.retries))
			if err := h.Schedule(s.pool); err != nil {
				s.log.Warn("Failed to reschedule result file download",
					slog.String("link", link.String()),
					slog.Any("error", err))
				return Result{Status: StatusNotReady, Err: err}
			}

		case Failed:
			recordFetchFailure("failed")
			err := out.Err
			switch {
			case err == nil:
				err = ErrDownloadFailed
			case !errors.Is(err, ErrDownloadFailed):
				err = fmt.Errorf("%w: %w", ErrDownloadFailed, err)
			}
			return Result{Status: StatusRetryLater, Err: fmt.Errorf("%s: %w", link, err)}

		case Pending:
			return Result{Status: StatusNotReady, Err: out.Err}

		default:
			panic(fmt.Sprintf("cloudfetch: unknown handle state %d", out.State))
		}
	}
}

// Pending returns the number of handles not yet delivered or evicted.
func (s *Scheduler) Pending() int {
	return len(s.pending)
}

// HasPendingAt reports whether a pending handle, scheduled or not, starts at row.
func (s *Scheduler) HasPendingAt(row int64) bool {
	for _, h := range s.pending {
		if h.Link().StartRowOffset == row {
			return true
		}
	}
	return false
}

// HighWater returns the row index through which links have been registered.
func (s *Scheduler) HighWater() int64 {
	return s.highWater
}

// Delivered returns the end row of the last delivered chunk.
func (s *Scheduler) Delivered() int64 {
	return s.delivered
}

// ConsecutiveRetries returns the timeout retries since the last success.
func (s *Scheduler) ConsecutiveRetries() int {
	return s.retries
}

// Discard drops every pending handle. Downloads already running finish in
// the background and their results are ignored. The caller is expected to
// register fresh links from its current row.
func (s *Scheduler) Discard() {
	clear(s.pending)
	s.pending = s.pending[:0]
}

// Close drops all pending handles and stops the scheduler's own pool.
// In-flight downloads are cancelled.
func (s *Scheduler) Close() {
	clear(s.pending)
	s.pending = nil
	if s.ownsPool != nil {
		s.ownsPool.Close()
	}
}

package cloudfetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handle is the live task that downloads and decodes one link.
//
// The Scheduler only polls a Handle: it never reads or writes its state
// directly. Implementations must be safe for Outcome to be called while the
// work submitted by Schedule runs on another goroutine.
type Handle interface {
	// Link returns the link the handle was built from.
	Link() ResultLink

	// Scheduled reports whether the current attempt was accepted by a pool.
	Scheduled() bool

	// Schedule arms a fresh attempt and submits it to s. It is the only way
	// to start work, for the first submission as well as for retries. Any
	// earlier attempt is abandoned. The handle is marked scheduled only if
	// s accepted the work.
	Schedule(s Submitter) error

	// Outcome blocks until the current attempt reaches a terminal state, the
	// handle's download timeout passes, or ctx is done. It returns Pending
	// only when ctx ended first or the handle was never scheduled.
	Outcome(ctx context.Context) Outcome
}

// HandleFactory builds a Handle for a link.
type HandleFactory func(settings Settings, link ResultLink) Handle

type attempt struct {
	done     chan struct{}
	cancel   context.CancelFunc
	finished bool
	outcome  Outcome
}

// downloadHandle downloads a link with Settings.Fetcher and decodes it with
// Settings.Decoder.
type downloadHandle struct {
	settings Settings
	link     ResultLink
	log      *slog.Logger

	mu        sync.Mutex
	scheduled bool
	current   *attempt
}

// NewDownloadHandle returns the default Handle implementation.
func NewDownloadHandle(settings Settings, link ResultLink) Handle {
	return &downloadHandle{
		settings: settings,
		link:     link,
		log: settings.Logger.With(
			slog.Int64("startRowOffset", link.StartRowOffset),
			slog.Int64("rowCount", link.RowCount),
		),
	}
}

func (h *downloadHandle) Link() ResultLink {
	return h.link
}

func (h *downloadHandle) Scheduled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scheduled
}

func (h *downloadHandle) Schedule(s Submitter) error {
	a := &attempt{done: make(chan struct{})}

	h.mu.Lock()
	if prev := h.current; prev != nil && !prev.finished {
		prev.finished = true
		prev.outcome = Outcome{State: Failed, Err: errors.New("attempt superseded")}
		if prev.cancel != nil {
			prev.cancel()
		}
		close(prev.done)
	}
	h.current = a
	h.scheduled = false
	h.mu.Unlock()

	if err := s.TrySubmit(func(ctx context.Context) { h.run(ctx, a) }); err != nil {
		return err
	}

	h.mu.Lock()
	if h.current == a {
		h.scheduled = true
	}
	h.mu.Unlock()
	return nil
}

func (h *downloadHandle) Outcome(ctx context.Context) Outcome {
	h.mu.Lock()
	a := h.current
	h.mu.Unlock()

	if a == nil {
		return Outcome{State: Pending}
	}

	timer := time.NewTimer(h.settings.DownloadTimeout)
	defer timer.Stop()

	select {
	case <-a.done:
	case <-timer.C:
		h.finish(a, Outcome{State: TimedOut, Err: ErrDownloadTimedOut})
	case <-ctx.Done():
		return Outcome{State: Pending, Err: ctx.Err()}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return a.outcome
}

func (h *downloadHandle) run(poolCtx context.Context, a *attempt) {
	h.mu.Lock()
	if h.current != a || a.finished {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(poolCtx, h.settings.DownloadTimeout)
	a.cancel = cancel
	h.mu.Unlock()
	defer cancel()

	start := time.Now()
	out := h.download(ctx)
	recordDownload(out.State, time.Since(start))

	if out.State == Failed {
		h.log.Warn("Result file download failed", slog.Any("error", out.Err))
	}
	h.finish(a, out)
}

func (h *downloadHandle) download(ctx context.Context) Outcome {
	if h.link.ExpiredAt(h.settings.Clock(), h.settings.LinkExpiryBuffer) {
		h.log.Info("Result link expired before download", slog.Time("expiry", h.link.Expiry))
		return Outcome{State: Expired, Err: ErrLinkExpired}
	}

	raw, err := h.settings.Fetcher.Fetch(ctx, h.link)
	if errors.Is(err, ErrLinkExpired) {
		h.log.Info("Result link rejected as expired by storage", slog.Any("error", err))
		return Outcome{State: Expired, Err: err}
	}
	if err != nil {
		return failure(ctx, err)
	}

	payload, err := h.settings.Decoder.Decode(ctx, h.link, raw)
	if err != nil {
		return failure(ctx, err)
	}

	return Outcome{State: Succeeded, Payload: payload}
}

// failure classifies a transport or decode error. Hitting the attempt's own
// deadline is a timeout; anything else is a failure.
func failure(ctx context.Context, err error) Outcome {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome{State: TimedOut, Err: fmt.Errorf("%w: %w", ErrDownloadTimedOut, err)}
	}
	return Outcome{State: Failed, Err: fmt.Errorf("%w: %w", ErrDownloadFailed, err)}
}

// finish publishes the first terminal outcome of an attempt.
func (h *downloadHandle) finish(a *attempt, out Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if a.finished {
		return
	}
	a.finished = true
	a.outcome = out
	if a.cancel != nil {
		a.cancel()
	}
	close(a.done)
}

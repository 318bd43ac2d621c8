package cloudfetch

import "errors"

var (
	// ErrLinkExpired means a link passed its expiry (minus the configured buffer)
	// before it could be downloaded. The whole batch must be re-requested.
	ErrLinkExpired = errors.New("cloudfetch: link expired")

	// ErrDownloadTimedOut means a download did not finish within the download
	// timeout, and the retry budget was exhausted.
	ErrDownloadTimedOut = errors.New("cloudfetch: download timed out")

	// ErrDownloadFailed wraps any non-timeout failure of the transport or decoder.
	ErrDownloadFailed = errors.New("cloudfetch: download failed")

	// ErrPoolSaturated is returned by Pool.TrySubmit when the queue is full.
	ErrPoolSaturated = errors.New("cloudfetch: worker pool saturated")

	// ErrPoolClosed is returned by Pool.TrySubmit after Close.
	ErrPoolClosed = errors.New("cloudfetch: worker pool closed")

	// ErrPayloadTooLarge is returned by decoders when a payload exceeds the size limit.
	ErrPayloadTooLarge = errors.New("cloudfetch: payload too large")

	// ErrRowCountMismatch is returned when a decoded payload does not hold the
	// number of rows its link promised.
	ErrRowCountMismatch = errors.New("cloudfetch: row count mismatch")
)

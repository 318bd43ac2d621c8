package cloudfetch

// State is the lifecycle state of a Handle's current download attempt.
type State int

const (
	// Pending means the attempt has not reached a terminal state.
	Pending State = iota
	// Succeeded means the payload was downloaded and decoded.
	Succeeded
	// Expired means the link expired before it could be downloaded.
	Expired
	// TimedOut means the attempt did not finish within the download timeout.
	TimedOut
	// Failed means the transport or decoder returned an error.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Expired:
		return "expired"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final for the current attempt.
func (s State) Terminal() bool {
	return s != Pending
}

// Outcome is the result of a Handle's current attempt.
// Payload is set only for Succeeded, Err only for Failed.
type Outcome struct {
	State   State
	Payload []byte
	Err     error
}

// Status tells the consumer what a FetchNext call produced.
type Status int

const (
	// StatusReady means Result.Chunk holds the requested chunk.
	StatusReady Status = iota
	// StatusNotReady means nothing could be delivered yet; call again.
	StatusNotReady
	// StatusLinksExpired means the pending batch was discarded; register fresh
	// links starting at the current row before calling again.
	StatusLinksExpired
	// StatusRetryLater means the download failed or exhausted its retry budget;
	// call again after a backoff.
	StatusRetryLater
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusNotReady:
		return "not_ready"
	case StatusLinksExpired:
		return "links_expired"
	case StatusRetryLater:
		return "retry_later"
	default:
		return "unknown"
	}
}

// Result is returned by Scheduler.FetchNext.
type Result struct {
	Status Status
	Chunk  DownloadedChunk
	// Err explains a non-ready status. It is nil for StatusReady and for a plain
	// StatusNotReady where no handle starts at the requested row.
	Err error
}

// Ready reports whether the result carries a chunk.
func (r Result) Ready() bool {
	return r.Status == StatusReady
}

// NeedsRetry reports whether the fetch attempt could not be satisfied and the
// consumer has to back off or re-request links before calling again.
func (r Result) NeedsRetry() bool {
	return r.Status == StatusLinksExpired || r.Status == StatusRetryLater
}

package cloudfetch

import (
	"fmt"
	"time"
)

// ResultLink is a pre-signed reference to a remote file holding a contiguous
// range of result rows.
type ResultLink struct {
	// StartRowOffset is the index of the first row in the file.
	StartRowOffset int64 `json:"start_row_offset"`

	// RowCount is the number of rows in the file. Links with no rows carry
	// no data and are dropped on registration.
	RowCount int64 `json:"row_count"`

	// FileLink locates the file. For HTTP transports this is a pre-signed URL,
	// for bucket transports an object key.
	FileLink string `json:"file_link"`

	// Expiry is when the pre-signed link stops working. Zero means never.
	Expiry time.Time `json:"expiry,omitempty"`

	// BytesOffset and BytesLength address a byte range of a larger object.
	// BytesLength of zero means the whole object.
	BytesOffset int64 `json:"bytes_offset,omitempty"`
	BytesLength int64 `json:"bytes_length,omitempty"`

	// Headers are sent verbatim with the download request.
	Headers map[string]string `json:"http_headers,omitempty"`
}

// End returns the index one past the last row covered by the link.
func (l ResultLink) End() int64 {
	return l.StartRowOffset + l.RowCount
}

// Ranged reports whether the link addresses a byte range rather than a whole object.
func (l ResultLink) Ranged() bool {
	return l.BytesLength > 0
}

// ExpiredAt reports whether the link should be treated as expired at now,
// given a safety buffer subtracted from its stated expiry.
func (l ResultLink) ExpiredAt(now time.Time, buffer time.Duration) bool {
	if l.Expiry.IsZero() {
		return false
	}
	return l.Expiry.Before(now.Add(buffer))
}

func (l ResultLink) String() string {
	return fmt.Sprintf("rows [%d, %d)", l.StartRowOffset, l.End())
}

// DownloadedChunk is a fully decoded unit of result rows handed to the consumer.
// The payload is owned by the caller once returned.
type DownloadedChunk struct {
	Payload        []byte
	StartRowOffset int64
	RowCount       int64
}

// End returns the index one past the last row in the chunk.
func (c DownloadedChunk) End() int64 {
	return c.StartRowOffset + c.RowCount
}

package cloudfetch

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pierrec/lz4/v4"
)

// Decoder turns a downloaded file into the payload handed to the consumer.
type Decoder interface {
	Decode(ctx context.Context, link ResultLink, raw []byte) ([]byte, error)
}

// ArrowDecoder decodes result files holding an Arrow IPC stream, optionally
// wrapped in an LZ4 frame.
type ArrowDecoder struct {
	Compressed     bool
	VerifyRowCount bool
	MaxPayloadSize int64
}

// Decode decompresses raw if needed and, when VerifyRowCount is set, checks
// the stream holds exactly link.RowCount rows.
func (d ArrowDecoder) Decode(ctx context.Context, link ResultLink, raw []byte) ([]byte, error) {
	maxSize := d.MaxPayloadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}

	payload := raw
	if d.Compressed {
		var err error
		payload, err = decompressLZ4(raw, maxSize)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", link, err)
		}
	} else if int64(len(payload)) > maxSize {
		return nil, fmt.Errorf("decode %s: %w: %d bytes", link, ErrPayloadTooLarge, len(payload))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if d.VerifyRowCount {
		rows, err := CountRows(payload)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", link, err)
		}
		if rows != link.RowCount {
			return nil, fmt.Errorf("decode %s: %w: payload has %d rows", link, ErrRowCountMismatch, rows)
		}
	}

	return payload, nil
}

func decompressLZ4(raw []byte, maxSize int64) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(raw))
	out, err := io.ReadAll(io.LimitReader(zr, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if int64(len(out)) > maxSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrPayloadTooLarge, maxSize)
	}
	return out, nil
}

// CountRows returns the number of rows in an Arrow IPC stream.
func CountRows(payload []byte) (int64, error) {
	rdr, err := ipc.NewReader(bytes.NewReader(payload), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return 0, fmt.Errorf("arrow: open stream: %w", err)
	}
	defer rdr.Release()

	var rows int64
	for rdr.Next() {
		rows += rdr.Record().NumRows()
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return 0, fmt.Errorf("arrow: read stream: %w", err)
	}
	return rows, nil
}

// RecordReader opens an Arrow IPC reader over a delivered chunk.
// The caller must Release the reader.
func RecordReader(chunk DownloadedChunk, opts ...ipc.Option) (*ipc.Reader, error) {
	if len(opts) == 0 {
		opts = []ipc.Option{ipc.WithAllocator(memory.NewGoAllocator())}
	}
	rdr, err := ipc.NewReader(bytes.NewReader(chunk.Payload), opts...)
	if err != nil {
		return nil, fmt.Errorf("cloudfetch: open chunk at row %d: %w", chunk.StartRowOffset, err)
	}
	return rdr, nil
}

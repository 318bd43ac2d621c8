package downloader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gocloud.dev/blob"

	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// Sink receives delivered chunks in row order.
type Sink interface {
	// WriteChunk stores one chunk. Chunks arrive strictly in row order.
	WriteChunk(ctx context.Context, chunk cloudfetch.DownloadedChunk) error
	// Close finalizes the output. It is called once, after the last chunk
	// or after a failure.
	Close(ctx context.Context) error
}

// StorageError reports a failure writing to the destination rather than
// fetching from the source.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// FileSink appends raw chunk payloads to a local file.
type FileSink struct {
	f *os.File
}

// NewFileSink creates (or truncates) path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &StorageError{Op: "create " + path, Err: err}
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) WriteChunk(_ context.Context, chunk cloudfetch.DownloadedChunk) error {
	if _, err := s.f.Write(chunk.Payload); err != nil {
		return &StorageError{Op: fmt.Sprintf("write rows %d-%d", chunk.StartRowOffset, chunk.End()), Err: err}
	}
	return nil
}

func (s *FileSink) Close(context.Context) error {
	if err := s.f.Close(); err != nil {
		return &StorageError{Op: "close " + s.f.Name(), Err: err}
	}
	return nil
}

// ArrowSink merges the Arrow IPC streams of all chunks into a single stream
// written to w. Every chunk must carry the same schema.
type ArrowSink struct {
	w      io.Writer
	closer io.Closer
	mem    memory.Allocator
	schema *arrow.Schema
	writer *ipc.Writer
}

// NewArrowSink writes a merged Arrow stream to w. If w is an io.Closer it is
// closed by Close.
func NewArrowSink(w io.Writer) *ArrowSink {
	s := &ArrowSink{w: w, mem: memory.NewGoAllocator()}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NewArrowFileSink creates (or truncates) path and merges chunks into it.
func NewArrowFileSink(path string) (*ArrowSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &StorageError{Op: "create " + path, Err: err}
	}
	return NewArrowSink(f), nil
}

func (s *ArrowSink) WriteChunk(_ context.Context, chunk cloudfetch.DownloadedChunk) error {
	rdr, err := cloudfetch.RecordReader(chunk, ipc.WithAllocator(s.mem))
	if err != nil {
		return err
	}
	defer rdr.Release()

	if s.writer == nil {
		s.schema = rdr.Schema()
		s.writer = ipc.NewWriter(s.w, ipc.WithSchema(s.schema), ipc.WithAllocator(s.mem))
	} else if !rdr.Schema().Equal(s.schema) {
		return fmt.Errorf("rows %d-%d: schema differs from earlier chunks", chunk.StartRowOffset, chunk.End())
	}

	for rdr.Next() {
		if err := s.writer.Write(rdr.Record()); err != nil {
			return &StorageError{Op: fmt.Sprintf("write rows %d-%d", chunk.StartRowOffset, chunk.End()), Err: err}
		}
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("rows %d-%d: %w", chunk.StartRowOffset, chunk.End(), err)
	}
	return nil
}

func (s *ArrowSink) Close(context.Context) error {
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			return &StorageError{Op: "finish arrow stream", Err: err}
		}
	}
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			return &StorageError{Op: "close output", Err: err}
		}
	}
	return nil
}

// BucketSink writes every chunk as its own object under a prefix, followed by
// a manifest listing the chunks written. Manifest links are object keys with
// the object size as byte length, so the result set can be fetched again with
// a cloudfetch.BucketFetcher and checked with VerifyBucket.
type BucketSink struct {
	bucket *blob.Bucket
	prefix string

	totalRows int64
	links     []cloudfetch.ResultLink
}

// NewBucketSink writes under prefix in bucket. The caller keeps ownership of
// bucket.
func NewBucketSink(bucket *blob.Bucket, prefix string) *BucketSink {
	return &BucketSink{bucket: bucket, prefix: prefix}
}

// ManifestKey returns the object key of the manifest.
func (s *BucketSink) ManifestKey() string {
	return manifestKey(s.prefix)
}

func manifestKey(prefix string) string {
	return path.Join(prefix, "manifest.json")
}

// ChunkKey returns the object key for the chunk starting at row.
func (s *BucketSink) ChunkKey(row int64) string {
	return path.Join(s.prefix, fmt.Sprintf("part-%012d.arrow", row))
}

func (s *BucketSink) WriteChunk(ctx context.Context, chunk cloudfetch.DownloadedChunk) error {
	key := s.ChunkKey(chunk.StartRowOffset)
	opts := &blob.WriterOptions{ContentType: "application/vnd.apache.arrow.stream"}
	if err := s.bucket.WriteAll(ctx, key, chunk.Payload, opts); err != nil {
		return &StorageError{Op: "write " + key, Err: err}
	}

	s.links = append(s.links, cloudfetch.ResultLink{
		StartRowOffset: chunk.StartRowOffset,
		RowCount:       chunk.RowCount,
		FileLink:       key,
		BytesLength:    int64(len(chunk.Payload)),
	})
	s.totalRows = max(s.totalRows, chunk.End())
	return nil
}

func (s *BucketSink) Close(ctx context.Context) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cloudfetch.Manifest{TotalRows: s.totalRows, Links: s.links}); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	key := s.ManifestKey()
	if err := s.bucket.WriteAll(ctx, key, buf.Bytes(), &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return &StorageError{Op: "write " + key, Err: err}
	}
	return nil
}

package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"

	cfhttp "github.com/ligustah/cloudfetch/internal/http"
	"github.com/ligustah/cloudfetch/internal/progress"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

var idSchema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)

// arrowRows encodes the ids [start, start+rows) as an Arrow IPC stream.
func arrowRows(t *testing.T, start, rows int64) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()

	b := array.NewInt64Builder(mem)
	defer b.Release()
	for i := start; i < start+rows; i++ {
		b.Append(i)
	}
	col := b.NewArray()
	defer col.Release()

	rec := array.NewRecord(idSchema, []arrow.Array{col}, rows)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(idSchema), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		t.Fatalf("write record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes()
}

// resultServer serves /part-<start>?rows=<n> as Arrow streams. Paths in
// missing answer 404.
func resultServer(t *testing.T, missing ...string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, m := range missing {
			if r.URL.Path == m {
				http.NotFound(w, r)
				return
			}
		}
		var start, rows int64
		if _, err := fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/"), "part-%d", &start); err != nil {
			http.NotFound(w, r)
			return
		}
		if _, err := fmt.Sscanf(r.URL.Query().Get("rows"), "%d", &rows); err != nil {
			http.Error(w, "missing rows", http.StatusBadRequest)
			return
		}
		w.Header().Set("Accept-Ranges", "bytes")
		w.Write(arrowRows(t, start, rows))
	}))
	t.Cleanup(server.Close)
	return server
}

// serverLinks links consecutive ranges of the given sizes to server.
func serverLinks(server *httptest.Server, sizes ...int64) []cloudfetch.ResultLink {
	var (
		links []cloudfetch.ResultLink
		row   int64
	)
	for _, n := range sizes {
		links = append(links, cloudfetch.ResultLink{
			StartRowOffset: row,
			RowCount:       n,
			FileLink:       fmt.Sprintf("%s/part-%d?rows=%d", server.URL, row, n),
		})
		row += n
	}
	return links
}

func testSettings(t *testing.T, opts ...cloudfetch.Option) cloudfetch.Settings {
	t.Helper()
	base := []cloudfetch.Option{
		cloudfetch.WithLogger(slog.New(slog.DiscardHandler)),
		cloudfetch.WithMaxDownloadThreads(2),
		cloudfetch.WithRetryBackoff(time.Millisecond),
		cloudfetch.WithDownloadTimeout(5 * time.Second),
	}
	settings, err := cloudfetch.NewSettings(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewSettings: %v", err)
	}
	return settings
}

// readIDs decodes a merged Arrow stream.
func readIDs(t *testing.T, data []byte) []int64 {
	t.Helper()
	rdr, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("open arrow stream: %v", err)
	}
	defer rdr.Release()

	if !rdr.Schema().Equal(idSchema) {
		t.Fatalf("schema mismatch: %s", rdr.Schema())
	}
	var ids []int64
	for rdr.Next() {
		ids = append(ids, rdr.Record().Column(0).(*array.Int64).Int64Values()...)
	}
	return ids
}

func checkIDs(t *testing.T, ids []int64, want int) {
	t.Helper()
	if len(ids) != want {
		t.Fatalf("got %d rows, want %d", len(ids), want)
	}
	for i, id := range ids {
		if id != int64(i) {
			t.Fatalf("row %d has id %d", i, id)
		}
	}
}

func TestFetchToFile(t *testing.T) {
	server := resultServer(t)
	links := serverLinks(server, 10, 5, 20)

	path := filepath.Join(t.TempDir(), "result.bin")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	reporter := progress.NewReporter(progress.Options{TotalRows: 35, TotalChunks: len(links)})
	summary, err := Fetch(context.Background(), cloudfetch.NewStaticSource(links, 2), testSettings(t), sink, Options{
		Progress: reporter,
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	var want []byte
	for _, l := range links {
		want = append(want, arrowRows(t, l.StartRowOffset, l.RowCount)...)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("file content mismatch: got %d bytes, want %d", len(got), len(want))
	}

	if summary.Rows != 35 || summary.Chunks != 3 || summary.Bytes != int64(len(want)) {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if stats := reporter.Stats(); stats.Rows != 35 || stats.Chunks != 3 {
		t.Errorf("unexpected progress: %+v", stats)
	}
}

func TestFetchToArrow(t *testing.T) {
	server := resultServer(t)

	var buf bytes.Buffer
	summary, err := Fetch(context.Background(),
		cloudfetch.NewStaticSource(serverLinks(server, 7, 0, 13, 1, 29), 0),
		testSettings(t, cloudfetch.WithVerifyRowCount(true)),
		NewArrowSink(&buf),
		Options{})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if summary.Chunks != 4 {
		t.Errorf("got %d chunks, want 4", summary.Chunks)
	}

	checkIDs(t, readIDs(t, buf.Bytes()), 50)
}

func TestFetchStartRow(t *testing.T) {
	server := resultServer(t)

	var buf bytes.Buffer
	summary, err := Fetch(context.Background(),
		cloudfetch.NewStaticSource(serverLinks(server, 10, 10, 10), 0),
		testSettings(t),
		NewArrowSink(&buf),
		Options{StartRow: 10})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if summary.Rows != 20 {
		t.Errorf("got %d rows, want 20", summary.Rows)
	}

	ids := readIDs(t, buf.Bytes())
	if len(ids) != 20 || ids[0] != 10 {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestFetchBucketRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket, err := blob.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer bucket.Close()

	server := resultServer(t)
	sink := NewBucketSink(bucket, "queries/42")
	if _, err := Fetch(ctx, cloudfetch.NewStaticSource(serverLinks(server, 4, 8, 16), 0), testSettings(t), sink, Options{}); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if ok, err := bucket.Exists(ctx, "queries/42/part-000000000004.arrow"); err != nil || !ok {
		t.Fatalf("chunk object missing: %v", err)
	}

	data, err := bucket.ReadAll(ctx, sink.ManifestKey())
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	manifest, err := cloudfetch.ReadManifest(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if manifest.TotalRows != 28 || len(manifest.Links) != 3 {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	if err := cloudfetch.ValidateLinks(manifest.Links, manifest.TotalRows); err != nil {
		t.Fatalf("ValidateLinks: %v", err)
	}

	// Fetch the stored copy back out of the bucket.
	settings := testSettings(t,
		cloudfetch.WithFetcher(cloudfetch.NewBucketFetcher(bucket, 0)),
		cloudfetch.WithVerifyRowCount(true))

	var buf bytes.Buffer
	if _, err := Fetch(ctx, cloudfetch.NewStaticSource(manifest.Links, 0), settings, NewArrowSink(&buf), Options{}); err != nil {
		t.Fatalf("Fetch from bucket: %v", err)
	}
	checkIDs(t, readIDs(t, buf.Bytes()), 28)
}

// failingSink rejects writes after accepting limit chunks.
type failingSink struct {
	limit   int
	written int
	closed  bool
}

func (s *failingSink) WriteChunk(context.Context, cloudfetch.DownloadedChunk) error {
	if s.written == s.limit {
		return &StorageError{Op: "write", Err: errors.New("disk full")}
	}
	s.written++
	return nil
}

func (s *failingSink) Close(context.Context) error {
	s.closed = true
	return nil
}

func TestFetchStorageError(t *testing.T) {
	server := resultServer(t)
	sink := &failingSink{limit: 1}

	_, err := Fetch(context.Background(), cloudfetch.NewStaticSource(serverLinks(server, 5, 5, 5), 0), testSettings(t), sink, Options{})

	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if !sink.closed {
		t.Error("sink was not closed")
	}
}

func TestFetchDownloadFailure(t *testing.T) {
	server := resultServer(t, "/part-10")
	sink := &failingSink{limit: -1}

	summary, err := Fetch(context.Background(), cloudfetch.NewStaticSource(serverLinks(server, 10, 10), 0), testSettings(t), sink, Options{
		MaxAttempts: 2,
	})
	if !errors.Is(err, cloudfetch.ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
	if !errors.Is(err, cfhttp.ErrNotFound) {
		t.Errorf("expected the HTTP cause to be kept, got %v", err)
	}
	if !strings.Contains(err.Error(), "fetch from row 10") {
		t.Errorf("error does not name the row: %v", err)
	}
	if summary.Chunks != 1 || summary.Retries != 2 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if !sink.closed {
		t.Error("sink was not closed")
	}
}

func TestFetchLinksExpired(t *testing.T) {
	server := resultServer(t)
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	links := serverLinks(server, 10)
	links[0].Expiry = now.Add(10 * time.Second)

	settings := testSettings(t,
		cloudfetch.WithClock(func() time.Time { return now }),
		cloudfetch.WithLinkExpiryBuffer(time.Minute))

	_, err := Fetch(context.Background(), cloudfetch.NewStaticSource(links, 0), settings, &failingSink{limit: -1}, Options{})
	if !errors.Is(err, cloudfetch.ErrLinkExpired) {
		t.Fatalf("expected ErrLinkExpired, got %v", err)
	}
}

func TestFetchCancelled(t *testing.T) {
	server := resultServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &failingSink{limit: -1}
	_, err := Fetch(ctx, cloudfetch.NewStaticSource(serverLinks(server, 10), 0), testSettings(t), sink, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !sink.closed {
		t.Error("sink was not closed")
	}
}

func TestArrowSinkSchemaMismatch(t *testing.T) {
	other := arrow.NewSchema([]arrow.Field{{Name: "name", Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewStringBuilder(memory.NewGoAllocator())
	defer b.Release()
	b.Append("x")
	col := b.NewArray()
	defer col.Release()
	rec := array.NewRecord(other, []arrow.Array{col}, 1)
	defer rec.Release()

	var payload bytes.Buffer
	w := ipc.NewWriter(&payload, ipc.WithSchema(other))
	if err := w.Write(rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	sink := NewArrowSink(&bytes.Buffer{})
	ctx := context.Background()
	if err := sink.WriteChunk(ctx, cloudfetch.DownloadedChunk{Payload: arrowRows(t, 0, 3), RowCount: 3}); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	err := sink.WriteChunk(ctx, cloudfetch.DownloadedChunk{Payload: payload.Bytes(), StartRowOffset: 3, RowCount: 1})
	if err == nil || !strings.Contains(err.Error(), "schema differs") {
		t.Fatalf("expected schema error, got %v", err)
	}
}

func TestFileSinkCreateError(t *testing.T) {
	_, err := NewFileSink(filepath.Join(t.TempDir(), "missing", "result.bin"))
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestProbeLinks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
			return
		}
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Length", "100")
			w.Header().Set("Accept-Ranges", "bytes")
		case "/signed":
			if r.Header.Get("x-amz-security-token") != "token" {
				http.Error(w, "forbidden", http.StatusForbidden)
			}
		case "/whole":
			// No range support.
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	links := []cloudfetch.ResultLink{
		{StartRowOffset: 0, RowCount: 1, FileLink: server.URL + "/ok", BytesLength: 10},
		{StartRowOffset: 1, RowCount: 1, FileLink: server.URL + "/signed", Headers: map[string]string{"x-amz-security-token": "token"}},
		{StartRowOffset: 2, RowCount: 1, FileLink: server.URL + "/whole", BytesLength: 10},
		{StartRowOffset: 3, RowCount: 1, FileLink: server.URL + "/gone"},
	}

	opts := cfhttp.DefaultOptions()
	opts.RetryAttempts = 0
	results, err := ProbeLinks(context.Background(), links, opts, 2)
	if err != nil {
		t.Fatalf("ProbeLinks: %v", err)
	}
	if len(results) != len(links) {
		t.Fatalf("got %d results, want %d", len(results), len(links))
	}

	if results[0].Err != nil || results[0].Info.Size != 100 {
		t.Errorf("ok: %+v", results[0])
	}
	if results[1].Err != nil {
		t.Errorf("signed: %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, cfhttp.ErrRangeNotSupported) {
		t.Errorf("whole: expected ErrRangeNotSupported, got %v", results[2].Err)
	}
	if !errors.Is(results[3].Err, cfhttp.ErrNotFound) {
		t.Errorf("gone: expected ErrNotFound, got %v", results[3].Err)
	}
}

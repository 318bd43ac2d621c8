// Package testutils provides shared test infrastructure: generated result
// sets, an HTTP server handing them out like pre-signed storage, and (with
// the integration build tag) a MinIO container.
package testutils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pierrec/lz4/v4"

	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// PackedPath is the server path holding all result files back to back.
const PackedPath = "/packed"

// Schema is the schema of generated results: a single int64 "id" column
// whose value equals the row index.
var Schema = arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)

// ResultFile is one generated result file.
type ResultFile struct {
	Name     string
	StartRow int64
	Rows     int64
	// Data is the file as served, LZ4 framed when the set is compressed.
	Data []byte
}

// ResultSet is a generated query result split into files.
type ResultSet struct {
	TotalRows  int64
	Compressed bool
	Files      []ResultFile
}

// GenerateResultSet builds consecutive result files with the given row
// counts. Files with zero rows are kept.
func GenerateResultSet(t testing.TB, compressed bool, sizes ...int64) ResultSet {
	t.Helper()
	rs := ResultSet{Compressed: compressed}
	for i, n := range sizes {
		data := ArrowRows(t, rs.TotalRows, n)
		if compressed {
			data = CompressLZ4(t, data)
		}
		rs.Files = append(rs.Files, ResultFile{
			Name:     fmt.Sprintf("part-%05d.arrow", i),
			StartRow: rs.TotalRows,
			Rows:     n,
			Data:     data,
		})
		rs.TotalRows += n
	}
	return rs
}

// ArrowRows encodes the ids [start, start+rows) as an Arrow IPC stream in
// record batches of at most 1000 rows.
func ArrowRows(t testing.TB, start, rows int64) []byte {
	t.Helper()
	mem := memory.NewGoAllocator()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(Schema), ipc.WithAllocator(mem))

	for off := int64(0); off < rows; off += 1000 {
		n := min(1000, rows-off)
		b := array.NewInt64Builder(mem)
		for i := range n {
			b.Append(start + off + i)
		}
		col := b.NewArray()
		rec := array.NewRecord(Schema, []arrow.Array{col}, n)
		err := w.Write(rec)
		rec.Release()
		col.Release()
		b.Release()
		if err != nil {
			t.Fatalf("write record batch: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close arrow writer: %v", err)
	}
	return buf.Bytes()
}

// CompressLZ4 wraps data in an LZ4 frame.
func CompressLZ4(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	return buf.Bytes()
}

// Links returns one link per file, served from baseURL. A non-zero expiry is
// stamped on every link and enforced by StartResultServer.
func (rs ResultSet) Links(baseURL string, expiry time.Time) []cloudfetch.ResultLink {
	links := make([]cloudfetch.ResultLink, 0, len(rs.Files))
	for _, f := range rs.Files {
		links = append(links, cloudfetch.ResultLink{
			StartRowOffset: f.StartRow,
			RowCount:       f.Rows,
			FileLink:       signURL(baseURL+"/"+f.Name, expiry),
			Expiry:         expiry,
		})
	}
	return links
}

// PackedLinks returns byte-range links into the single object at PackedPath.
func (rs ResultSet) PackedLinks(baseURL string) []cloudfetch.ResultLink {
	links := make([]cloudfetch.ResultLink, 0, len(rs.Files))
	var offset int64
	for _, f := range rs.Files {
		links = append(links, cloudfetch.ResultLink{
			StartRowOffset: f.StartRow,
			RowCount:       f.Rows,
			FileLink:       baseURL + PackedPath,
			BytesOffset:    offset,
			BytesLength:    int64(len(f.Data)),
		})
		offset += int64(len(f.Data))
	}
	return links
}

func (rs ResultSet) packed() []byte {
	var buf bytes.Buffer
	for _, f := range rs.Files {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}

func signURL(u string, expiry time.Time) string {
	if expiry.IsZero() {
		return u
	}
	return u + "?expires=" + strconv.FormatInt(expiry.Unix(), 10)
}

// WriteManifest stores links as a new JSON link manifest in dir and returns
// its path.
func WriteManifest(t testing.TB, dir string, totalRows int64, links []cloudfetch.ResultLink) string {
	t.Helper()
	data, err := json.MarshalIndent(cloudfetch.Manifest{TotalRows: totalRows, Links: links}, "", "  ")
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	f, err := os.CreateTemp(dir, "links-*.json")
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return f.Name()
}

// StartResultServer serves the files of rs by name and all of them back to
// back at PackedPath, with range request support. Requests for URLs whose
// "expires" parameter lies in the past are refused with 403.
func StartResultServer(t testing.TB, rs ResultSet) *httptest.Server {
	t.Helper()

	files := make(map[string][]byte, len(rs.Files)+1)
	for _, f := range rs.Files {
		files["/"+f.Name] = f.Data
	}
	files[PackedPath] = rs.packed()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if exp := r.URL.Query().Get("expires"); exp != "" {
			sec, err := strconv.ParseInt(exp, 10, 64)
			if err != nil || time.Now().Unix() >= sec {
				http.Error(w, "Request has expired", http.StatusForbidden)
				return
			}
		}

		size := int64(len(data))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		w.Header().Set("ETag", fmt.Sprintf(`"%s-%d"`, strings.TrimPrefix(r.URL.Path, "/"), size))

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			return
		}

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.Write(data)
			return
		}

		// bytes=start-end
		parts := strings.Split(strings.TrimPrefix(rangeHeader, "bytes="), "-")
		start, err1 := strconv.ParseInt(parts[0], 10, 64)
		end, err2 := strconv.ParseInt(parts[1], 10, 64)
		if err1 != nil || err2 != nil || start >= size || start > end {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		end = min(end, size-1)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
	t.Cleanup(server.Close)
	return server
}

// ReadArrowIDs reads the id column of an Arrow IPC stream.
func ReadArrowIDs(t testing.TB, r io.Reader) []int64 {
	t.Helper()
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		t.Fatalf("open arrow stream: %v", err)
	}
	defer rdr.Release()

	var ids []int64
	for rdr.Next() {
		ids = append(ids, rdr.Record().Column(0).(*array.Int64).Int64Values()...)
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		t.Fatalf("read arrow stream: %v", err)
	}
	return ids
}

// CheckSequentialIDs fails the test unless ids is exactly 0, 1, ..., want-1.
func CheckSequentialIDs(t testing.TB, ids []int64, want int64) {
	t.Helper()
	if int64(len(ids)) != want {
		t.Fatalf("got %d rows, want %d", len(ids), want)
	}
	for i, id := range ids {
		if id != int64(i) {
			t.Fatalf("row %d has id %d", i, id)
		}
	}
}

package cloudfetch

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func serveContent(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "result.arrow", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPFetcherWholeFile(t *testing.T) {
	content := []byte("Hello, World!")
	server := serveContent(t, content)

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), ResultLink{RowCount: 1, FileLink: server.URL})
	require.NoError(t, err)
	assert.Equal(t, content, data)
}

func TestHTTPFetcherRange(t *testing.T) {
	server := serveContent(t, []byte("Hello, World!"))

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), ResultLink{
		RowCount:    1,
		FileLink:    server.URL,
		BytesOffset: 7,
		BytesLength: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "World", string(data))
}

func TestHTTPFetcherRangeBeyondObject(t *testing.T) {
	server := serveContent(t, []byte("0123456789"))

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	data, err := f.Fetch(context.Background(), ResultLink{
		RowCount:    1,
		FileLink:    server.URL,
		BytesOffset: 5,
		BytesLength: 10,
	})
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Nil(t, data)
}

func TestHTTPFetcherShortRangeBody(t *testing.T) {
	// Content-Range claims the full range but the body is cut short.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 5-14/20")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("56789"))
	}))
	defer server.Close()

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ResultLink{RowCount: 1, FileLink: server.URL, BytesOffset: 5, BytesLength: 10})
	assert.ErrorIs(t, err, ErrDownloadFailed)
}

func TestHTTPFetcherSendsLinkHeaders(t *testing.T) {
	var got http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ResultLink{
		RowCount: 1,
		FileLink: server.URL,
		Headers:  map[string]string{"x-amz-server-side-encryption-customer-key": "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "secret", got.Get("x-amz-server-side-encryption-customer-key"))
}

func TestHTTPFetcherNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ResultLink{RowCount: 1, FileLink: server.URL})
	assert.Error(t, err)
}

func TestHTTPFetcherExpiredSignature(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "<Error><Code>AccessDenied</Code><Message>Request has expired</Message></Error>", http.StatusForbidden)
	}))
	defer server.Close()

	f, err := NewHTTPFetcher(HTTPFetcherOptions{})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ResultLink{RowCount: 1, FileLink: server.URL})
	assert.ErrorIs(t, err, ErrLinkExpired)
}

func TestHTTPFetcherPayloadTooLarge(t *testing.T) {
	server := serveContent(t, bytes.Repeat([]byte("x"), 2048))

	f, err := NewHTTPFetcher(HTTPFetcherOptions{MaxPayloadSize: 1024})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), ResultLink{RowCount: 1, FileLink: server.URL})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestHTTPFetcherInvalidProxy(t *testing.T) {
	_, err := NewHTTPFetcher(HTTPFetcherOptions{ProxyURL: "ftp://proxy:21"})
	assert.Error(t, err)
}

func TestBucketFetcher(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	require.NoError(t, bucket.WriteAll(ctx, "results/part-0", []byte("Hello, World!"), nil))

	f := NewBucketFetcher(bucket, 0)

	data, err := f.Fetch(ctx, ResultLink{RowCount: 1, FileLink: "results/part-0"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World!", string(data))

	data, err = f.Fetch(ctx, ResultLink{RowCount: 1, FileLink: "results/part-0", BytesOffset: 7, BytesLength: 5})
	require.NoError(t, err)
	assert.Equal(t, "World", string(data))

	_, err = f.Fetch(ctx, ResultLink{RowCount: 1, FileLink: "results/missing"})
	assert.ErrorContains(t, err, "not found")
}

func TestBucketFetcherRangeBeyondObject(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	require.NoError(t, bucket.WriteAll(ctx, "results/part-0", []byte("0123456789"), nil))

	f := NewBucketFetcher(bucket, 0)
	data, err := f.Fetch(ctx, ResultLink{RowCount: 1, FileLink: "results/part-0", BytesOffset: 5, BytesLength: 10})
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.Nil(t, data)
}

func TestBucketFetcherPayloadTooLarge(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	require.NoError(t, bucket.WriteAll(ctx, "big", bytes.Repeat([]byte("x"), 64), nil))

	_, err := NewBucketFetcher(bucket, 32).Fetch(ctx, ResultLink{RowCount: 1, FileLink: "big"})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestProxySettingsURL(t *testing.T) {
	tests := []struct {
		name  string
		proxy ProxySettings
		want  string
	}{
		{name: "disabled", proxy: ProxySettings{Host: "proxy"}},
		{name: "no host", proxy: ProxySettings{UseProxy: true}},
		{
			name:  "bypassed for downloads",
			proxy: ProxySettings{UseProxy: true, DisableProxyForCloudFetch: true, Host: "proxy", Port: 8080},
		},
		{
			name:  "http",
			proxy: ProxySettings{UseProxy: true, Host: "proxy", Port: 8080},
			want:  "http://proxy:8080",
		},
		{
			name:  "socks5 with credentials",
			proxy: ProxySettings{UseProxy: true, Scheme: "socks5", Host: "proxy", Port: 1080, Username: "u", Password: "p"},
			want:  "socks5://u:p@proxy:1080",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.proxy.URL())
		})
	}
}

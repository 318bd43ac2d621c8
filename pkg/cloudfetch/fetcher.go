package cloudfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	cfhttp "github.com/ligustah/cloudfetch/internal/http"
)

// Fetcher downloads the raw bytes a link points at.
// Implementations must honor ctx cancellation; the Handle bounds every call
// with the configured download timeout.
type Fetcher interface {
	Fetch(ctx context.Context, link ResultLink) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, link ResultLink) ([]byte, error)

// Fetch calls f(ctx, link).
func (f FetcherFunc) Fetch(ctx context.Context, link ResultLink) ([]byte, error) {
	return f(ctx, link)
}

// HTTPFetcherOptions configures NewHTTPFetcher.
type HTTPFetcherOptions struct {
	// ProxyURL routes downloads through a proxy. Empty means direct.
	ProxyURL string

	// MaxPayloadSize caps the number of bytes read per link. Zero means
	// DefaultMaxPayloadSize.
	MaxPayloadSize int64

	// Client overrides the transport options (retry budget, pooling).
	// Zero value means the transport defaults.
	Client cfhttp.Options
}

// HTTPFetcher downloads pre-signed URLs.
type HTTPFetcher struct {
	client  *cfhttp.Client
	maxSize int64
}

// NewHTTPFetcher creates a fetcher for pre-signed HTTP(S) links.
func NewHTTPFetcher(opts HTTPFetcherOptions) (*HTTPFetcher, error) {
	clientOpts := opts.Client
	if clientOpts.MaxIdleConnsPerHost == 0 {
		clientOpts = cfhttp.DefaultOptions()
	}
	clientOpts.ProxyURL = opts.ProxyURL

	client, err := cfhttp.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("cloudfetch: http transport: %w", err)
	}

	maxSize := opts.MaxPayloadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPayloadSize
	}

	return &HTTPFetcher{client: client, maxSize: maxSize}, nil
}

// Fetch downloads the link, using a range request when the link addresses
// part of an object.
func (f *HTTPFetcher) Fetch(ctx context.Context, link ResultLink) ([]byte, error) {
	header := make(http.Header, len(link.Headers))
	for k, v := range link.Headers {
		header.Set(k, v)
	}

	var (
		resp *cfhttp.Response
		err  error
	)
	if link.Ranged() {
		resp, err = f.client.GetRange(ctx, link.FileLink, link.BytesOffset, link.BytesOffset+link.BytesLength-1, header)
	} else {
		resp, err = f.client.Get(ctx, link.FileLink, header)
	}
	if err != nil {
		switch {
		case errors.Is(err, cfhttp.ErrExpired):
			return nil, fmt.Errorf("fetch %s: %w: %w", link, ErrLinkExpired, err)
		case errors.Is(err, cfhttp.ErrRangeMismatch):
			return nil, fmt.Errorf("fetch %s: %w: %w", link, ErrDownloadFailed, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", link, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readLimited(resp.Body, f.maxSize, link)
	if err != nil {
		return nil, err
	}
	return data, checkRangeLength(link, data)
}

// BucketFetcher reads links from a blob bucket. FileLink is the object key.
type BucketFetcher struct {
	bucket  *blob.Bucket
	maxSize int64
}

// NewBucketFetcher creates a fetcher reading objects from bucket.
// The caller keeps ownership of bucket.
func NewBucketFetcher(bucket *blob.Bucket, maxPayloadSize int64) *BucketFetcher {
	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}
	return &BucketFetcher{bucket: bucket, maxSize: maxPayloadSize}
}

// Fetch reads the object, or the addressed byte range of it.
func (f *BucketFetcher) Fetch(ctx context.Context, link ResultLink) ([]byte, error) {
	offset, length := int64(0), int64(-1)
	if link.Ranged() {
		offset, length = link.BytesOffset, link.BytesLength
	}

	r, err := f.bucket.NewRangeReader(ctx, link.FileLink, offset, length, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("fetch %s: object %q not found: %w", link, link.FileLink, err)
		}
		return nil, fmt.Errorf("fetch %s: %w", link, err)
	}
	defer func() { _ = r.Close() }()

	data, err := readLimited(r, f.maxSize, link)
	if err != nil {
		return nil, err
	}
	return data, checkRangeLength(link, data)
}

// checkRangeLength rejects a ranged read that came back short, which happens
// when the object is smaller than the link's byte range.
func checkRangeLength(link ResultLink, data []byte) error {
	if link.Ranged() && int64(len(data)) != link.BytesLength {
		return fmt.Errorf("fetch %s: %w: got %d bytes of range %d+%d",
			link, ErrDownloadFailed, len(data), link.BytesOffset, link.BytesLength)
	}
	return nil
}

func readLimited(r io.Reader, maxSize int64, link ResultLink) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", link, err)
	}
	if int64(len(data)) > maxSize {
		return nil, fmt.Errorf("read %s: %w: more than %d bytes", link, ErrPayloadTooLarge, maxSize)
	}
	return data, nil
}

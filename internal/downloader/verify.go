package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// VerifyResult describes a result set stored by a BucketSink.
type VerifyResult struct {
	Valid          bool     // true if the links tile the rows and every object is intact
	TotalRows      int64    // total rows from the manifest
	Chunks         int      // number of links in the manifest
	Missing        int      // number of chunk objects that don't exist
	SizeMismatches int      // number of chunk objects smaller than their link
	Problems       []string // detailed problem descriptions
}

// VerifyBucket checks the result set stored under prefix: the manifest must
// describe a gap-free row range and every chunk object must exist with at
// least the size its link addresses. Object contents are not read.
//
// Problems with the stored data are reported in the result. The error is set
// only when the manifest cannot be read or the bucket cannot be queried.
func VerifyBucket(ctx context.Context, bucket *blob.Bucket, prefix string) (*VerifyResult, error) {
	key := manifestKey(prefix)
	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, &StorageError{Op: "read " + key, Err: err}
	}
	manifest, err := cloudfetch.ReadManifest(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		Valid:     true,
		TotalRows: manifest.TotalRows,
		Chunks:    len(manifest.Links),
	}
	if err := manifest.Validate(); err != nil {
		result.Valid = false
		var merr *multierror.Error
		if errors.As(err, &merr) {
			for _, e := range merr.Errors {
				result.Problems = append(result.Problems, e.Error())
			}
		} else {
			result.Problems = append(result.Problems, err.Error())
		}
	}

	for _, l := range manifest.Links {
		if l.RowCount == 0 {
			continue
		}
		attrs, err := bucket.Attributes(ctx, l.FileLink)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				result.Valid = false
				result.Missing++
				result.Problems = append(result.Problems, fmt.Sprintf("%s missing: %s", l, l.FileLink))
				continue
			}
			return nil, &StorageError{Op: "stat " + l.FileLink, Err: err}
		}

		if want := l.BytesOffset + l.BytesLength; l.Ranged() && attrs.Size < want {
			result.Valid = false
			result.SizeMismatches++
			result.Problems = append(result.Problems,
				fmt.Sprintf("%s size mismatch: %s holds %d bytes, want %d", l, l.FileLink, attrs.Size, want))
		}
	}

	return result, nil
}

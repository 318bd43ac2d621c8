//go:build integration

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ligustah/cloudfetch/internal/testutils"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

func TestCLIIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	rs := testutils.GenerateResultSet(t, true, 10_000, 25_000, 0, 5_000, 60_000)
	server := testutils.StartResultServer(t, rs)

	t.Log("Starting MinIO container...")
	minio := testutils.StartMinio(t, ctx, "cli-results")
	bucket := minio.OpenBucket(t, ctx)

	dir := t.TempDir()
	links := testutils.WriteManifest(t, dir, rs.TotalRows, rs.Links(server.URL, time.Now().Add(time.Hour)))

	t.Run("validate", func(t *testing.T) {
		if code := run([]string{"validate", "-links", links, "-probe"}); code != ExitSuccess {
			t.Fatalf("validate failed with exit code %d", code)
		}
	})

	t.Run("fetch to bucket", func(t *testing.T) {
		code := run([]string{"fetch",
			"-links", links,
			"-bucket", minio.BucketURL,
			"-object", "query-7",
			"-compressed",
			"-verify-rows",
			"-threads", "8",
			"-batch", "2",
		})
		if code != ExitSuccess {
			t.Fatalf("fetch failed with exit code %d", code)
		}

		data, err := bucket.ReadAll(ctx, "query-7/manifest.json")
		if err != nil {
			t.Fatalf("read manifest: %v", err)
		}
		manifest, err := cloudfetch.ReadManifest(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("ReadManifest: %v", err)
		}
		if err := manifest.Validate(); err != nil {
			t.Fatalf("stored manifest invalid: %v", err)
		}
		if manifest.TotalRows != rs.TotalRows {
			t.Fatalf("stored %d rows, want %d", manifest.TotalRows, rs.TotalRows)
		}
	})

	t.Run("validate stored", func(t *testing.T) {
		code := run([]string{"validate", "-bucket", minio.BucketURL, "-object", "query-7"})
		if code != ExitSuccess {
			t.Fatalf("validate failed with exit code %d", code)
		}
	})

	t.Run("fetch from bucket", func(t *testing.T) {
		data, err := bucket.ReadAll(ctx, "query-7/manifest.json")
		if err != nil {
			t.Fatalf("read manifest: %v", err)
		}
		manifest, err := cloudfetch.ReadManifest(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("ReadManifest: %v", err)
		}
		stored := testutils.WriteManifest(t, dir, manifest.TotalRows, manifest.Links)

		output := filepath.Join(dir, "result.arrow")
		code := run([]string{"fetch",
			"-links", stored,
			"-source-bucket", minio.BucketURL,
			"-output", output,
			"-format", "arrow",
			"-verify-rows",
		})
		if code != ExitSuccess {
			t.Fatalf("fetch failed with exit code %d", code)
		}
		testutils.CheckSequentialIDs(t, readIDsFile(t, output), rs.TotalRows)
	})
}

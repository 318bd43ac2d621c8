package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gocloud.dev/blob"

	"github.com/ligustah/cloudfetch/internal/downloader"
	cfhttp "github.com/ligustah/cloudfetch/internal/http"
	"github.com/ligustah/cloudfetch/internal/progress"
	"github.com/ligustah/cloudfetch/pkg/cloudfetch"
)

// runValidate checks that a link manifest covers its rows exactly once, and
// optionally that every HTTP link answers a HEAD request. With -bucket it
// checks a result set stored by fetch instead.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)

	links := fs.String("links", "", "Link manifest (JSON)")
	bucket := fs.String("bucket", "", "Bucket URL of a stored result set")
	object := fs.String("object", "", "Object prefix of a stored result set")
	probe := fs.Bool("probe", false, "Issue a HEAD request for every HTTP link")
	concurrency := fs.Int("concurrency", 8, "Parallel HEAD requests with -probe")
	timeout := fs.Duration("timeout", 30*time.Second, "Timeout per HEAD request with -probe")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: cloudfetch validate -links FILE [-probe]
       cloudfetch validate -bucket URL -object PREFIX

Verify that a link manifest covers its rows without gaps or overlaps, or
that a result set stored by fetch is complete. Does not download result
files; -probe only checks that they are reachable.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return ExitSuccess
		}
		return ExitInvalidArgs
	}

	switch {
	case *bucket != "" && *object != "" && *links == "":
		return verifyStored(*bucket, *object)
	case *links == "" || *bucket != "" || *object != "":
		fmt.Fprintln(os.Stderr, "Error: either -links or -bucket and -object are required")
		fs.Usage()
		return ExitInvalidArgs
	}

	manifest, err := cloudfetch.ReadManifestFile(*links)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitLinksInvalid
	}

	var covered int64
	for _, l := range manifest.Links {
		covered = max(covered, l.End())
	}

	fmt.Printf("Manifest: %s\n", *links)
	fmt.Printf("Links: %d\n", len(manifest.Links))
	fmt.Printf("Rows: %s\n", progress.FormatCount(covered))

	if err := manifest.Validate(); err != nil {
		fmt.Println("Status: INVALID")
		printProblems(err)
		return ExitLinksInvalid
	}

	if *probe {
		if code := probeLinks(manifest.Links, *concurrency, *timeout); code != ExitSuccess {
			return code
		}
	}

	if expired := expiredLinks(manifest.Links, time.Now()); expired > 0 {
		fmt.Printf("Warning: %d links have already expired\n", expired)
	}

	fmt.Println("Status: VALID")
	return ExitSuccess
}

func verifyStored(bucketURL, prefix string) int {
	ctx, cancel := signalContext()
	defer cancel()

	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening bucket: %v\n", err)
		return ExitStorageError
	}
	defer bkt.Close()

	result, err := downloader.VerifyBucket(ctx, bkt, prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCode(err)
	}

	fmt.Printf("Result set: %s\n", prefix)
	fmt.Printf("Rows: %s\n", progress.FormatCount(result.TotalRows))
	fmt.Printf("Chunks: %d\n", result.Chunks)

	if result.Valid {
		fmt.Println("Status: VALID")
		return ExitSuccess
	}

	fmt.Println("Status: INVALID")
	fmt.Printf("Missing chunks: %d\n", result.Missing)
	fmt.Printf("Size mismatches: %d\n", result.SizeMismatches)
	fmt.Println("\nErrors:")
	for _, p := range result.Problems {
		fmt.Printf("  - %s\n", p)
	}
	return ExitLinksInvalid
}

func printProblems(err error) {
	fmt.Println("\nErrors:")
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			fmt.Printf("  - %s\n", e)
		}
		return
	}
	fmt.Printf("  - %s\n", err)
}

func probeLinks(links []cloudfetch.ResultLink, concurrency int, timeout time.Duration) int {
	var httpLinks []cloudfetch.ResultLink
	for _, l := range links {
		if l.RowCount > 0 && (strings.HasPrefix(l.FileLink, "http://") || strings.HasPrefix(l.FileLink, "https://")) {
			httpLinks = append(httpLinks, l)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := cfhttp.DefaultOptions()
	opts.Timeout = timeout
	results, err := downloader.ProbeLinks(ctx, httpLinks, opts, concurrency)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitGeneralError
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("  - %s: %v\n", r.Link, r.Err)
		}
	}
	fmt.Printf("Probed: %d links, %d unreachable\n", len(results), failed)

	if failed > 0 {
		fmt.Println("Status: UNREACHABLE")
		return ExitDownloadFailed
	}
	return ExitSuccess
}

func expiredLinks(links []cloudfetch.ResultLink, now time.Time) int {
	var n int
	for _, l := range links {
		if l.ExpiredAt(now, 0) {
			n++
		}
	}
	return n
}

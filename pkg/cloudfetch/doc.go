// Package cloudfetch downloads query results that the server hands out as
// pre-signed links to result files, and delivers the decoded files to a
// sequential reader in row order.
//
// Each link covers a contiguous range of rows. Links for one result set are
// gap-free and non-overlapping, but arrive in pages and may be registered in
// any order. Downloads run in parallel on a bounded pool; delivery is strictly
// in the order the reader asks for rows.
//
// # Scheduler
//
// [Scheduler] is the core. [Scheduler.Register] queues a [Handle] per link;
// [Scheduler.FetchNext] does four things in order:
//
//  1. Evicts handles whose rows all lie before the requested row.
//  2. Submits unscheduled handles to the pool. The first rejection ends the
//     pass; the rest are retried on the next call.
//  3. Locates the scheduled handle starting exactly at the requested row.
//  4. Waits for its outcome and applies the resolution policy:
//     - Succeeded: return the chunk ([StatusReady]).
//     - Expired: drop every pending handle ([StatusLinksExpired]). The reader
//     must register fresh links from its current row.
//     - TimedOut: resubmit the handle, up to MaxConsecutiveRetries times in a
//     row, then [StatusRetryLater].
//     - Failed: [StatusRetryLater].
//
// FetchNext never sleeps. The only blocking is the wait on a single handle,
// which is bounded by the download timeout.
//
// # Handles
//
// [Handle] is the contract the scheduler polls. [NewDownloadHandle] is the
// default: it checks link expiry, downloads with a [Fetcher] and decodes with
// a [Decoder]. [Handle.Schedule] is the single entry point for starting work,
// used both for the first submission and for retries.
//
// # Transports
//
//   - [HTTPFetcher]: pre-signed HTTP(S) URLs, range requests, proxies
//   - [BucketFetcher]: objects in any gocloud.dev/blob bucket
//
// # Decoding
//
// [ArrowDecoder] decompresses LZ4 frames and can verify that each file holds
// as many Arrow rows as its link promised. [RecordReader] opens a delivered
// chunk as an Arrow IPC stream.
//
// # Stream
//
// [Stream] is the thin adapter most callers want. It pages links from a
// [LinkSource], handles expiry and backoff, and returns chunks until io.EOF:
//
//	settings, err := cloudfetch.NewSettings(
//	    cloudfetch.WithCompression(true),
//	    cloudfetch.WithMaxDownloadThreads(8),
//	    cloudfetch.WithMaxConsecutiveRetries(2),
//	)
//	stream := cloudfetch.NewStream(source, settings)
//	defer stream.Close()
//
//	for {
//	    chunk, err := stream.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    // chunk.Payload holds rows [chunk.StartRowOffset, chunk.End())
//	}
//
// # Link manifest
//
// [StaticSource] serves links from a JSON manifest:
//
//	{
//	  "total_rows": 25,
//	  "links": [
//	    {"start_row_offset": 0, "row_count": 10, "file_link": "https://...", "expiry": "2025-01-15T10:30:00Z"},
//	    {"start_row_offset": 10, "row_count": 15, "file_link": "https://...", "http_headers": {"x-amz-...": "..."}}
//	  ]
//	}
package cloudfetch

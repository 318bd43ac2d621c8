// Package downloader drives a cloudfetch.Stream into a destination.
//
// The main entry point is the Fetch function:
//
//	summary, err := downloader.Fetch(ctx, source, settings, sink, downloader.Options{
//	    Progress: reporter,
//	})
//
// # Sinks
//
// Chunks are written strictly in row order to a Sink:
//   - FileSink appends raw payloads to a local file
//   - ArrowSink merges the Arrow IPC streams of all chunks into one stream
//   - BucketSink stores one object per chunk in a blob bucket, followed by a
//     JSON link manifest that can be fetched again with a BucketFetcher
//
// Failures to write are reported as *StorageError so callers can tell them
// apart from download failures.
//
// # Probing
//
// ProbeLinks issues concurrent HEAD requests to check that HTTP links are
// reachable before a long fetch.
package downloader

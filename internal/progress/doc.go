// Package progress provides progress reporting for result fetches.
//
// This package outputs human-readable progress information to stdout,
// including delivered rows, transfer volume, speed, and ETA.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalRows:   manifest.TotalRows,
//	    TotalChunks: len(manifest.Links),
//	    Output:      os.Stdout,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	// Update as chunks are delivered
//	reporter.ChunkDelivered(chunk.RowCount, int64(len(chunk.Payload)))
//
// # Output Format
//
//	[cloudfetch] Fetching: links.json
//	[cloudfetch] Total rows: 1,250,000 | Links: 125 | Threads: 10
//	[cloudfetch] Progress: 45.2% | 565,000 / 1,250,000 rows | 1.13 GB | Speed: 82,000 rows/s | ETA: 8s
//	[cloudfetch] Chunks: 57 / 125 delivered | 1 retries
package progress

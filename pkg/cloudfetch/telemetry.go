package cloudfetch

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	chunksDelivered   metric.Int64Counter
	rowsDelivered     metric.Int64Counter
	handlesEvicted    metric.Int64Counter
	batchesExpired    metric.Int64Counter
	downloadRetries   metric.Int64Counter
	fetchFailures     metric.Int64Counter
	poolSubmissions   metric.Int64Counter
	downloadDurations metric.Float64Histogram
)

func init() {
	meter := otel.Meter("github.com/ligustah/cloudfetch/pkg/cloudfetch")

	var err error

	chunksDelivered, err = meter.Int64Counter(
		"cloudfetch.chunks.delivered",
		metric.WithDescription("Number of decoded chunks handed to the consumer"),
	)
	if err != nil {
		log.Fatalf("failed to create chunks.delivered counter: %v", err)
	}

	rowsDelivered, err = meter.Int64Counter(
		"cloudfetch.rows.delivered",
		metric.WithDescription("Number of result rows handed to the consumer"),
	)
	if err != nil {
		log.Fatalf("failed to create rows.delivered counter: %v", err)
	}

	handlesEvicted, err = meter.Int64Counter(
		"cloudfetch.handles.evicted",
		metric.WithDescription("Number of pending downloads dropped because the consumer moved past them"),
	)
	if err != nil {
		log.Fatalf("failed to create handles.evicted counter: %v", err)
	}

	batchesExpired, err = meter.Int64Counter(
		"cloudfetch.batches.expired",
		metric.WithDescription("Number of link batches discarded because a link expired"),
	)
	if err != nil {
		log.Fatalf("failed to create batches.expired counter: %v", err)
	}

	downloadRetries, err = meter.Int64Counter(
		"cloudfetch.download.retries",
		metric.WithDescription("Number of timed out downloads resubmitted to the pool"),
	)
	if err != nil {
		log.Fatalf("failed to create download.retries counter: %v", err)
	}

	fetchFailures, err = meter.Int64Counter(
		"cloudfetch.fetch.failures",
		metric.WithDescription("Number of fetch attempts that could not deliver a chunk"),
	)
	if err != nil {
		log.Fatalf("failed to create fetch.failures counter: %v", err)
	}

	poolSubmissions, err = meter.Int64Counter(
		"cloudfetch.pool.submissions",
		metric.WithDescription("Number of download submissions to the worker pool"),
	)
	if err != nil {
		log.Fatalf("failed to create pool.submissions counter: %v", err)
	}

	downloadDurations, err = meter.Float64Histogram(
		"cloudfetch.download.duration",
		metric.WithDescription("Duration of result file download attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		log.Fatalf("failed to create download.duration histogram: %v", err)
	}
}

func recordDelivered(rows int64) {
	ctx := context.Background()
	chunksDelivered.Add(ctx, 1)
	rowsDelivered.Add(ctx, rows)
}

func recordEvicted(n int) {
	if n > 0 {
		handlesEvicted.Add(context.Background(), int64(n))
	}
}

func recordBatchExpired() {
	batchesExpired.Add(context.Background(), 1)
}

func recordRetry() {
	downloadRetries.Add(context.Background(), 1)
}

func recordFetchFailure(reason string) {
	fetchFailures.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func recordPoolSubmission(accepted bool) {
	poolSubmissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("accepted", accepted),
	))
}

func recordDownload(state State, d time.Duration) {
	downloadDurations.Record(context.Background(), d.Seconds(), metric.WithAttributes(
		attribute.String("outcome", state.String()),
	))
}

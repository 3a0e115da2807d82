package transform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unisync/unisync/internal/entity"
	"github.com/unisync/unisync/internal/events"
)

// Quality buckets used in batch summaries
const (
	// QualityBucketHigh is a quality score of 90 or above
	QualityBucketHigh = "high"

	// QualityBucketMedium is a quality score in [70, 90)
	QualityBucketMedium = "medium"

	// QualityBucketLow is a quality score in [50, 70)
	QualityBucketLow = "low"

	// QualityBucketPoor is a quality score below 50
	QualityBucketPoor = "poor"
)

// BatchCounts aggregates outcomes for one grouping key
type BatchCounts struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BatchResult aggregates the outcome of a batch transformation
type BatchResult struct {
	// Total is the number of records processed
	Total int `json:"total"`

	// Succeeded counts successful transformations
	Succeeded int `json:"succeeded"`

	// Failed counts failed transformations
	Failed int `json:"failed"`

	// Warnings counts transformations that succeeded with warnings
	Warnings int `json:"warnings"`

	// BySourceType groups outcomes per originating system
	BySourceType map[string]*BatchCounts `json:"bySourceType"`

	// ByEntityType groups outcomes per produced entity type
	ByEntityType map[string]*BatchCounts `json:"byEntityType"`

	// ByQuality counts results per quality bucket
	ByQuality map[string]int `json:"byQuality"`

	// Throughput is records per elapsed second
	Throughput float64 `json:"throughput"`

	// Duration is the total elapsed time
	Duration time.Duration `json:"duration"`

	// Results holds the per-record results in input order
	Results []*Result `json:"-"`
}

// TransformBatch processes records with bounded concurrency. A single
// record's failure never aborts the batch.
func (e *defaultEngine) TransformBatch(
	ctx context.Context, records []*entity.RawRecord, userID string,
) (*BatchResult, error) {
	start := e.now()

	batch := &BatchResult{
		Total:        len(records),
		BySourceType: make(map[string]*BatchCounts),
		ByEntityType: make(map[string]*BatchCounts),
		ByQuality:    make(map[string]int),
		Results:      make([]*Result, len(records)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.batchConcurrency)

	for i, record := range records {
		g.Go(func() error {
			result, err := e.Transform(gctx, record, userID)
			if err != nil {
				// Context cancellation: record it as a failure and let the
				// remaining goroutines wind down on their own
				mu.Lock()
				batch.Failed++
				mu.Unlock()
				return err
			}

			mu.Lock()
			defer mu.Unlock()

			batch.Results[i] = result
			if result.Success {
				batch.Succeeded++
			} else {
				batch.Failed++
			}
			if len(result.Warnings) > 0 {
				batch.Warnings++
			}

			countFor(batch.BySourceType, string(record.SourceType), result.Success)
			if result.Entity != nil {
				countFor(batch.ByEntityType, string(result.Entity.Type), result.Success)
			}
			batch.ByQuality[qualityBucket(result.QualityScore)]++
			return nil
		})
	}

	err := g.Wait()

	batch.Duration = e.now().Sub(start)
	if secs := batch.Duration.Seconds(); secs > 0 {
		batch.Throughput = float64(batch.Total) / secs
	}

	e.bus.Publish(events.TransformBatchCompleted, "transform", map[string]any{
		"total":      batch.Total,
		"succeeded":  batch.Succeeded,
		"failed":     batch.Failed,
		"warnings":   batch.Warnings,
		"throughput": batch.Throughput,
	})

	return batch, err
}

// countFor bumps the grouped counters for one result
func countFor(groups map[string]*BatchCounts, key string, success bool) {
	counts, ok := groups[key]
	if !ok {
		counts = &BatchCounts{}
		groups[key] = counts
	}
	counts.Total++
	if success {
		counts.Succeeded++
	} else {
		counts.Failed++
	}
}

// qualityBucket buckets a quality score for batch summaries
func qualityBucket(score int) string {
	switch {
	case score >= 90:
		return QualityBucketHigh
	case score >= 70:
		return QualityBucketMedium
	case score >= 50:
		return QualityBucketLow
	default:
		return QualityBucketPoor
	}
}

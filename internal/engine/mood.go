package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/quietmind/quietmind/internal/storage"
	"github.com/quietmind/quietmind/pkg/types"
)

// Summarize aggregates sentiment scores for userID over [from, to) into
// consecutive buckets of bucketSize, starting at from. Only index metadata is
// read; no payload is decrypted. Empty buckets are included with Count = 0
// and a nil mean so callers can detect gaps in the timeline.
func (e *Engine) Summarize(ctx context.Context, userID string, from, to time.Time, bucketSize time.Duration) ([]types.BucketStat, error) {
	if userID == "" {
		return nil, fmt.Errorf("engine: %w: user id is required", storage.ErrInvalidInput)
	}
	if bucketSize <= 0 {
		return nil, fmt.Errorf("engine: %w: bucket size must be positive", storage.ErrInvalidInput)
	}
	if !to.After(from) {
		return nil, fmt.Errorf("engine: %w: time range is empty", storage.ErrInvalidInput)
	}

	entries, err := e.vectors.ListEntries(ctx, userID, storage.Filters{
		CreatedAfter:  from,
		CreatedBefore: to,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: vector list failed: %w", err)
	}

	bucketCount := int((to.Sub(from) + bucketSize - 1) / bucketSize)

	type bucketAcc struct {
		sum    float64
		count  int
		labels map[string]int
	}
	acc := make([]bucketAcc, bucketCount)
	for i := range acc {
		acc[i].labels = make(map[string]int)
	}

	for _, entry := range entries {
		idx := int(entry.Meta.CreatedAt.Sub(from) / bucketSize)
		if idx < 0 || idx >= bucketCount {
			continue
		}
		acc[idx].sum += entry.Meta.SentimentScore
		acc[idx].count++
		acc[idx].labels[entry.Meta.SentimentLabel]++
	}

	stats := make([]types.BucketStat, bucketCount)
	for i := range acc {
		stats[i] = types.BucketStat{
			BucketStart: from.Add(time.Duration(i) * bucketSize),
			Count:       acc[i].count,
		}
		if acc[i].count > 0 {
			mean := acc[i].sum / float64(acc[i].count)
			stats[i].MeanScore = &mean
			stats[i].DominantLabel = dominantLabel(acc[i].labels)
		}
	}

	return stats, nil
}

// dominantLabel returns the majority label; ties resolve to the
// lexicographically smallest label so the result is deterministic.
func dominantLabel(counts map[string]int) string {
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	best := ""
	bestCount := 0
	for _, label := range labels {
		if counts[label] > bestCount {
			best = label
			bestCount = counts[label]
		}
	}
	return best
}

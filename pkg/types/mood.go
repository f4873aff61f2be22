package types

import "time"

// BucketStat is one time bucket in a mood summary.
//
// MeanScore is nil when the bucket contains no records; empty buckets are
// reported rather than omitted so callers can detect gaps in the timeline.
type BucketStat struct {
	BucketStart   time.Time `json:"bucket_start"`
	MeanScore     *float64  `json:"mean_score"`
	Count         int       `json:"count"`
	DominantLabel string    `json:"dominant_label,omitempty"`
}

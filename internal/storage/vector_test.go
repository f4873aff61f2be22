package storage

import (
	"math"
	"testing"
	"time"

	"github.com/quietmind/quietmind/pkg/types"
)

func TestNormalizeProducesUnitVector(t *testing.T) {
	v := Normalize([]float32{3, 4})

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-6 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(norm))
	}
	if math.Abs(float64(v[0])-0.6) > 1e-6 || math.Abs(float64(v[1])-0.8) > 1e-6 {
		t.Errorf("direction changed: got %v", v)
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	v := Normalize([]float32{0, 0, 0})
	for i, x := range v {
		if x != 0 {
			t.Errorf("index %d: zero vector must stay zero, got %f", i, x)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1.0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0.0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1.0},
		{"mismatched lengths", []float32{1, 0}, []float32{1}, 0.0},
		{"empty", nil, nil, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(Normalize(tt.a), Normalize(tt.b))
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("got %f, want %f", got, tt.want)
			}
		})
	}
}

func TestFiltersMatches(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	meta := RecordMeta{
		UserID:    "user-1",
		Type:      types.RecordText,
		CreatedAt: base,
	}

	if !(Filters{}).Matches(meta) {
		t.Error("empty filters must match everything")
	}
	if !(Filters{Types: []types.RecordType{types.RecordText}}).Matches(meta) {
		t.Error("matching type filter must match")
	}
	if (Filters{Types: []types.RecordType{types.RecordVoice}}).Matches(meta) {
		t.Error("non-matching type filter must not match")
	}
	if !(Filters{CreatedAfter: base}).Matches(meta) {
		t.Error("CreatedAfter is inclusive of the boundary")
	}
	if (Filters{CreatedBefore: base}).Matches(meta) {
		t.Error("CreatedBefore is exclusive of the boundary")
	}
	if !(Filters{CreatedAfter: base.Add(-time.Hour), CreatedBefore: base.Add(time.Hour)}).Matches(meta) {
		t.Error("in-range record must match")
	}
}

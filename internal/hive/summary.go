package hive

import (
	"github.com/paulmach/orb"
)

const (
	StatusStable  = "Stable"
	StatusOutlier = "Outlier"
)

// Deviation bucket labels, in display order.
const (
	BucketGood     = "Good"
	BucketWarning  = "Warning"
	BucketCritical = "Critical"
)

const (
	warningDeviation  = 0.3
	criticalDeviation = 0.7
)

var bucketLabels = []string{BucketGood, BucketWarning, BucketCritical}

// BucketLabels returns the deviation bucket labels in display order.
func BucketLabels() []string {
	out := make([]string, len(bucketLabels))
	copy(out, bucketLabels)
	return out
}

func RecordStatus(withinRange bool) string {
	if withinRange {
		return StatusStable
	}
	return StatusOutlier
}

// DeviationBucket classifies a deviation reading.
func DeviationBucket(deviation float64) string {
	switch {
	case deviation < warningDeviation:
		return BucketGood
	case deviation < criticalDeviation:
		return BucketWarning
	default:
		return BucketCritical
	}
}

// BarSeries feeds the per-module bar chart.
type BarSeries struct {
	Labels     []string  `json:"labels"`
	Temps      []float64 `json:"temps"`
	Deviations []float64 `json:"deviations"`
}

// BucketCount is one slice of the deviation doughnut.
type BucketCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Summary is the aggregate the charts and map framing are drawn from.
type Summary struct {
	Bar      BarSeries     `json:"bar"`
	Buckets  []BucketCount `json:"deviation_buckets"`
	Stable   int           `json:"stable"`
	Outliers int           `json:"outliers"`
	Bounds   *[2]orb.Point `json:"bounds,omitempty"`
}

// Summarize aggregates records in their given order. Bounds is nil when there
// are no records to frame.
func Summarize(records []ViewRecord) Summary {
	s := Summary{
		Bar: BarSeries{
			Labels:     make([]string, 0, len(records)),
			Temps:      make([]float64, 0, len(records)),
			Deviations: make([]float64, 0, len(records)),
		},
	}

	counts := make(map[string]int, len(bucketLabels))
	points := make(orb.MultiPoint, 0, len(records))
	for _, r := range records {
		s.Bar.Labels = append(s.Bar.Labels, "ID: "+r.ModuleID.String())
		s.Bar.Temps = append(s.Bar.Temps, r.SelfTemp)
		s.Bar.Deviations = append(s.Bar.Deviations, r.Deviation)
		counts[DeviationBucket(r.Deviation)]++
		if r.WithinRange {
			s.Stable++
		} else {
			s.Outliers++
		}
		points = append(points, orb.Point{r.Long, r.Lat})
	}

	s.Buckets = make([]BucketCount, 0, len(bucketLabels))
	for _, label := range bucketLabels {
		s.Buckets = append(s.Buckets, BucketCount{Label: label, Count: counts[label]})
	}

	if len(points) > 0 {
		b := points.Bound()
		s.Bounds = &[2]orb.Point{b.Min, b.Max}
	}
	return s
}

package util

import (
	"math"
	"sort"
)

// Summary describes a set of samples
type Summary struct {
	Count        int     `json:"count"`
	Min          float64 `json:"min"`
	Max          float64 `json:"max"`
	Mean         float64 `json:"mean"`
	Median       float64 `json:"median"`
	StdDeviation float64 `json:"std_deviation"`
	// MinMaxRatio is 1 when all samples are equal, lower values mean a larger spread
	MinMaxRatio float64 `json:"min_max_ratio"`
}

// Summarize computes count, min, max, mean, median, population standard deviation
// and min/max ratio of the samples. The input is not modified.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(len(sorted))

	var squared float64
	for _, v := range sorted {
		diff := v - mean
		squared += diff * diff
	}

	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	min, max := sorted[0], sorted[len(sorted)-1]
	ratio := 1.0
	if max > 0 {
		ratio = min / max
	}

	return Summary{
		Count:        len(sorted),
		Min:          min,
		Max:          max,
		Mean:         mean,
		Median:       median,
		StdDeviation: math.Sqrt(squared / float64(len(sorted))),
		MinMaxRatio:  ratio,
	}
}

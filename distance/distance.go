// Package distance provides vector distance calculations.
//
// All functions operate on raw float32 slices and assume the caller has
// validated dimensions; scores are distances, so smaller is better. For
// cosine and dot the stored vectors are L2-normalized at write time and
// the distance is 1 - dot(a, b), which preserves ordering.
package distance

import (
	"fmt"
	"math"
	"slices"
)

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	// MetricL2 is squared Euclidean distance.
	MetricL2 Metric = iota
	// MetricCosine is cosine distance over normalized vectors.
	MetricCosine
	// MetricDot is negative inner product (maximum inner product search).
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// ParseMetric parses the string form produced by String.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "L2", "l2", "euclid":
		return MetricL2, nil
	case "Cosine", "cosine":
		return MetricCosine, nil
	case "Dot", "dot":
		return MetricDot, nil
	default:
		return 0, fmt.Errorf("unknown metric %q", s)
	}
}

// Func is a function type for distance calculation.
type Func func(a, b []float32) float32

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two
// vectors. Assumes vectors are the same length.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// NegativeDot returns -dot(a, b) so that smaller means more similar.
func NegativeDot(a, b []float32) float32 {
	return -Dot(a, b)
}

// CosineDistance returns 1 - dot(a, b). Both vectors must be
// L2-normalized; under that precondition this equals 1 - cos(a, b).
func CosineDistance(a, b []float32) float32 {
	return 1 - Dot(a, b)
}

// Provider returns the distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return CosineDistance, nil
	case MetricDot:
		return NegativeDot, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / float32(math.Sqrt(float64(norm2)))
	for i := range v {
		v[i] *= inv
	}
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// NormalizesAtWrite reports whether vectors under this metric are
// normalized before storage.
func (m Metric) NormalizesAtWrite() bool {
	return m == MetricCosine
}

package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}

	l2, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, l2(a, b), 1e-6)
	assert.Zero(t, l2(a, a))

	cos, err := Provider(MetricCosine)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, cos(a, b), 1e-6, "orthogonal unit vectors")
	assert.InDelta(t, 0.0, cos(a, a), 1e-6)

	dot, err := Provider(MetricDot)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, dot(a, a), 1e-6, "higher inner product scores lower")

	_, err = Provider(Metric(99))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	norm, ok := NormalizeL2Copy(v)
	require.True(t, ok)
	assert.Equal(t, []float32{3, 4}, v, "copy must not mutate the source")
	assert.InDelta(t, 1.0, Dot(norm, norm), 1e-6)
	assert.InDelta(t, 0.6, norm[0], 1e-6)

	_, ok = NormalizeL2Copy([]float32{0, 0})
	assert.False(t, ok)
	_, ok = NormalizeL2Copy(nil)
	assert.False(t, ok)
}

func TestMetricStringRoundTrip(t *testing.T) {
	for _, m := range []Metric{MetricL2, MetricCosine, MetricDot} {
		got, err := ParseMetric(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParseMetric("manhattan")
	require.Error(t, err)

	assert.True(t, MetricCosine.NormalizesAtWrite())
	assert.False(t, MetricL2.NormalizesAtWrite())
}

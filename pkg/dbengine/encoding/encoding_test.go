package encoding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netdata/dbengine/pkg/dbengine/core"
)

func roundTrip(t *testing.T, enc core.Encoding, values []float64) {
	t.Helper()
	a, err := New(enc, len(values))
	require.NoError(t, err)
	for _, v := range values {
		require.NoError(t, a.Append(v))
	}
	payload := a.Finalise()

	d, err := Decode(enc, payload, len(values))
	require.NoError(t, err)
	require.Equal(t, len(values), d.Count())
	for i, want := range values {
		got, ok := d.ReadAt(i)
		require.True(t, ok)
		if math.IsNaN(want) {
			require.True(t, math.IsNaN(got))
			continue
		}
		require.InDelta(t, want, got, 1e-3)
	}
}

func TestRaw32RoundTrip(t *testing.T) {
	roundTrip(t, core.EncodingRaw32, []float64{1, 2, 3.5, math.NaN(), -7.25, 0})
}

func TestGorilla32RoundTrip(t *testing.T) {
	roundTrip(t, core.EncodingGorilla32, []float64{100, 100, 100, 101, 101.5, 99, 0, math.NaN(), 50})
}

func TestGorilla32ConstantRun(t *testing.T) {
	vals := make([]float64, 50)
	for i := range vals {
		vals[i] = 42
	}
	roundTrip(t, core.EncodingGorilla32, vals)
}

package matcher

import (
	"errors"
	"testing"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name string
		a    types.Embedding
		b    types.Embedding
		want float32
	}{
		{"identical", types.Embedding{1, 2, 3}, types.Embedding{1, 2, 3}, 0},
		{"pythagorean", types.Embedding{0, 0}, types.Embedding{3, 4}, 5},
		{"negative values", types.Embedding{-1, -1}, types.Embedding{2, 3}, 5},
		{"empty vectors", types.Embedding{}, types.Embedding{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Distance(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)

			// Symmetry
			back, err := Distance(tt.b, tt.a)
			require.NoError(t, err)
			assert.Equal(t, got, back)
		})
	}
}

func TestDistance_SelfIsZero(t *testing.T) {
	vecs := []types.Embedding{
		{0.1, 0.2, 0.3},
		{-5, 1e3, 0},
		make(types.Embedding, 128),
	}
	for _, v := range vecs {
		d, err := Distance(v, v)
		require.NoError(t, err)
		assert.Zero(t, d)
	}
}

func TestDistance_DimensionMismatch(t *testing.T) {
	_, err := Distance(types.Embedding{1, 2}, types.Embedding{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDimensionMismatch))

	var dimErr *DimensionMismatchError
	require.True(t, errors.As(err, &dimErr))
	assert.Equal(t, 2, dimErr.Want)
	assert.Equal(t, 3, dimErr.Got)
}

func TestIsRecognized(t *testing.T) {
	known := types.KnownEmbeddings{
		"alice": {0, 0},
		"bob":   {10, 10},
	}

	tests := []struct {
		name      string
		candidate types.Embedding
		known     types.KnownEmbeddings
		threshold float32
		want      bool
	}{
		{"close to alice", types.Embedding{0.1, 0.1}, known, DefaultThreshold, true},
		{"far from everyone", types.Embedding{5, 5}, known, DefaultThreshold, false},
		{"empty store", types.Embedding{0, 0}, types.KnownEmbeddings{}, DefaultThreshold, false},
		{"nil store", types.Embedding{0, 0}, nil, DefaultThreshold, false},
		// Distance exactly equal to the threshold is not a match.
		{"boundary is exclusive", types.Embedding{3, 4}, types.KnownEmbeddings{"x": {0, 0}}, 5, false},
		{"just inside boundary", types.Embedding{3, 4}, types.KnownEmbeddings{"x": {0, 0}}, 5.0001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IsRecognized(tt.candidate, tt.known, tt.threshold)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsRecognized_DimensionMismatch(t *testing.T) {
	_, err := IsRecognized(types.Embedding{1}, types.KnownEmbeddings{"a": {1, 2}}, DefaultThreshold)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestBestMatch(t *testing.T) {
	known := types.KnownEmbeddings{
		"alice": {0, 0},
		"bob":   {10, 10},
	}

	m, ok, err := BestMatch(types.Embedding{0.1, 0.1}, known, DefaultThreshold)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", m.Label)
	assert.InDelta(t, 0.141421, m.Distance, 1e-5)
}

func TestBestMatch_PicksNearest(t *testing.T) {
	known := types.KnownEmbeddings{
		"carol": {0.5, 0},
		"dave":  {0.2, 0},
		"erin":  {0.4, 0},
	}

	m, ok, err := BestMatch(types.Embedding{0, 0}, known, DefaultThreshold)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dave", m.Label)
	assert.InDelta(t, 0.2, m.Distance, 1e-6)
}

func TestBestMatch_TieBreaksOnLabel(t *testing.T) {
	known := types.KnownEmbeddings{
		"zed":  {0.1, 0},
		"abby": {-0.1, 0},
	}
	for i := 0; i < 20; i++ {
		m, ok, err := BestMatch(types.Embedding{0, 0}, known, DefaultThreshold)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "abby", m.Label)
	}
}

func TestBestMatch_NoMatch(t *testing.T) {
	m, ok, err := BestMatch(types.Embedding{0, 0}, types.KnownEmbeddings{"far": {1, 1}}, DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Match{}, m)

	_, ok, err = BestMatch(types.Embedding{0, 0}, types.KnownEmbeddings{}, DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBestMatchAgreesWithIsRecognized(t *testing.T) {
	known := types.KnownEmbeddings{
		"a": {0, 0, 0},
		"b": {1, 1, 1},
		"c": {-1, 0.5, 2},
	}
	candidates := []types.Embedding{
		{0.1, 0, 0}, {0.9, 1, 1.1}, {5, 5, 5}, {-1, 0.4, 2}, {0.5, 0.5, 0.5},
		{math32.NaN(), 0, 0},
	}
	for _, c := range candidates {
		rec, err := IsRecognized(c, known, DefaultThreshold)
		require.NoError(t, err)
		_, ok, err := BestMatch(c, known, DefaultThreshold)
		require.NoError(t, err)
		assert.Equal(t, rec, ok, "candidate %v", c)
	}
}

func TestBestMatch_NaNNeverMatches(t *testing.T) {
	_, ok, err := BestMatch(types.Embedding{math32.NaN(), 0}, types.KnownEmbeddings{"alice": {0, 0}}, DefaultThreshold)
	require.NoError(t, err)
	assert.False(t, ok)

	// A NaN entry must not shadow a real match.
	known := types.KnownEmbeddings{"aaron": {math32.NaN(), 0}, "bob": {0.1, 0}}
	m, ok, err := BestMatch(types.Embedding{0, 0}, known, DefaultThreshold)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bob", m.Label)
}

func TestNew_DefaultsThreshold(t *testing.T) {
	assert.Equal(t, DefaultThreshold, New(0).Threshold)
	assert.Equal(t, DefaultThreshold, New(-1).Threshold)
	assert.Equal(t, float32(0.4), New(0.4).Threshold)
	assert.Equal(t, DefaultThreshold, New(math32.NaN()).Threshold)

	m := New(0)
	ok, err := m.IsRecognized(types.Embedding{0}, types.KnownEmbeddings{"a": {0.5}})
	require.NoError(t, err)
	assert.True(t, ok)
}

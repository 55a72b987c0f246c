package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"amas/internal/types"
)

func TestFeatureVectorRoundtrip(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	v := &types.FeatureVector{
		SessionID:  "sess1",
		Version:    2,
		Values:     []float64{0.1, 0.2, 0.3},
		Labels:     []string{"a", "b", "c"},
		NormMethod: "minmax",
		Timestamp:  clk.Now(),
	}
	require.NoError(t, s.SaveFeatureVector(ctx, v))

	loaded, err := s.LoadFeatureVector(ctx, "sess1", 2)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, v.Values, loaded.Values)
	require.Equal(t, v.Labels, loaded.Labels)
	require.Equal(t, "minmax", loaded.NormMethod)
}

func TestLoadFeatureVectorLatestVersion(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	for version, val := range map[int]float64{1: 0.1, 2: 0.2} {
		require.NoError(t, s.SaveFeatureVector(ctx, &types.FeatureVector{
			SessionID: "sess1", Version: version, Values: []float64{val},
			NormMethod: "minmax", Timestamp: clk.Now(),
		}))
	}

	loaded, err := s.LoadFeatureVector(ctx, "sess1", 0)
	require.NoError(t, err)
	require.Equal(t, 2, loaded.Version)
	require.Equal(t, []float64{0.2}, loaded.Values)
}

func TestLoadFeatureVectorMissing(t *testing.T) {
	s, _ := newTestStore(t)
	loaded, err := s.LoadFeatureVector(context.Background(), "nope", 0)
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLegacyBareArrayPayloadMigrates(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	// A legacy row stores the values as a bare JSON array.
	_, err := s.DB().Exec(`
		INSERT INTO feature_vectors (session_id, version, payload, norm_method, ts)
		VALUES ('legacy', 1, '[0.5, 0.25, 1.0]', 'minmax', ?)`, clk.Now().UnixMilli())
	require.NoError(t, err)

	loaded, err := s.LoadFeatureVector(ctx, "legacy", 1)
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, 0.25, 1.0}, loaded.Values)
	require.Nil(t, loaded.Labels)

	// The read migrated the row forward: the stored payload is now the
	// object shape, and a second read yields identical values.
	var payload string
	require.NoError(t, s.DB().QueryRow(
		`SELECT payload FROM feature_vectors WHERE session_id = 'legacy'`).Scan(&payload))
	require.True(t, strings.HasPrefix(payload, "{"), "payload should be migrated to object shape, got %s", payload)

	again, err := s.LoadFeatureVector(ctx, "legacy", 1)
	require.NoError(t, err)
	require.Equal(t, loaded.Values, again.Values)
}

func TestCorruptFeaturePayloadSurfaces(t *testing.T) {
	s, clk := newTestStore(t)
	_, err := s.DB().Exec(`
		INSERT INTO feature_vectors (session_id, version, payload, norm_method, ts)
		VALUES ('bad', 1, 'not json', 'minmax', ?)`, clk.Now().UnixMilli())
	require.NoError(t, err)

	_, err = s.LoadFeatureVector(context.Background(), "bad", 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "corrupt feature payload")
}

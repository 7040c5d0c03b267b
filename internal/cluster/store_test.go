package cluster

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/features"
)

// refRow builds one reference row where every feature equals base except the
// named overrides. Cells given as "" are written empty.
type refRow struct {
	cluster   string
	dflt      string
	base      float64
	overrides map[string]string
}

func writeReference(t *testing.T, rows []refRow) string {
	t.Helper()
	schema := features.DefaultSchema()

	var b strings.Builder
	b.WriteString(strings.Join(schema, ","))
	b.WriteString(",DEFAULT,Cluster\n")
	for _, r := range rows {
		cells := make([]string, 0, len(schema)+2)
		for _, name := range schema {
			if v, ok := r.overrides[name]; ok {
				cells = append(cells, v)
				continue
			}
			cells = append(cells, fmt.Sprint(r.base))
		}
		cells = append(cells, r.dflt, r.cluster)
		b.WriteString(strings.Join(cells, ","))
		b.WriteString("\n")
	}

	path := filepath.Join(t.TempDir(), "reference.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestLoadCSVCentroidsAndSummaries(t *testing.T) {
	path := writeReference(t, []refRow{
		{cluster: "0", dflt: "1", base: 1, overrides: map[string]string{"LIMIT_BAL": "10000", "AGE": "30", "AVG_PAY_DELAY": "1"}},
		{cluster: "0", dflt: "0", base: 3, overrides: map[string]string{"LIMIT_BAL": "20000", "AGE": "41", "AVG_PAY_DELAY": "0.125"}},
		{cluster: "1", dflt: "0", base: 100, overrides: map[string]string{"LIMIT_BAL": "500000", "AGE": "50", "AVG_PAY_DELAY": "-1"}},
	})

	s, err := LoadCSV(path)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, s.IDs())
	assert.Equal(t, features.DefaultSchema(), s.Schema())

	c0, ok := s.Centroid(0)
	require.True(t, ok)
	// SEX column is the base value: mean of 1 and 3
	assert.Equal(t, 2.0, c0[1])
	assert.Equal(t, 15000.0, c0[0])

	sum, ok := s.Summary(0)
	require.True(t, ok)
	assert.Equal(t, api.ClusterSummary{
		Size:           2,
		DefaultRatePct: 50.0,
		AvgLimit:       15000,
		AvgAge:         35.5,
		AvgPayDelay:    0.56,
	}, sum)

	sum1, _ := s.Summary(1)
	assert.Equal(t, 1, sum1.Size)
	assert.Equal(t, 0.0, sum1.DefaultRatePct)
	assert.Equal(t, -1.0, sum1.AvgPayDelay)
}

func TestLoadCSVMedianFill(t *testing.T) {
	path := writeReference(t, []refRow{
		{cluster: "0", dflt: "0", base: 1},
		{cluster: "0", dflt: "0", base: 2},
		{cluster: "0", dflt: "0", base: 10},
		{cluster: "0", dflt: "0", base: 7, overrides: map[string]string{"SEX": ""}},
	})

	s, err := LoadCSV(path)
	require.NoError(t, err)

	c, _ := s.Centroid(0)
	// SEX median over {1,2,10} is 2; mean of {1,2,10,2}
	assert.Equal(t, 15.0/4, c[1])
	// other columns untouched: mean of {1,2,10,7}
	assert.Equal(t, 5.0, c[2])
}

func TestLoadCSVReassignsNoise(t *testing.T) {
	path := writeReference(t, []refRow{
		{cluster: "0", dflt: "0", base: 0},
		{cluster: "1", dflt: "1", base: 100},
		{cluster: "-1", dflt: "1", base: 90},
		{cluster: "-1", dflt: "0", base: 4},
	})

	s, err := LoadCSV(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, s.IDs())

	sum0, _ := s.Summary(0)
	sum1, _ := s.Summary(1)
	assert.Equal(t, 2, sum0.Size)
	assert.Equal(t, 2, sum1.Size)
	assert.Equal(t, 100.0, sum1.DefaultRatePct)

	c1, _ := s.Centroid(1)
	assert.Equal(t, 95.0, c1[1])
}

func TestLoadCSVNoiseTieGoesToLowestID(t *testing.T) {
	path := writeReference(t, []refRow{
		{cluster: "3", dflt: "0", base: 0},
		{cluster: "7", dflt: "0", base: 10},
		{cluster: "-1", dflt: "1", base: 5},
	})

	s, err := LoadCSV(path)
	require.NoError(t, err)
	sum3, _ := s.Summary(3)
	sum7, _ := s.Summary(7)
	assert.Equal(t, 2, sum3.Size)
	assert.Equal(t, 1, sum7.Size)
}

func TestLoadCSVErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCSV(filepath.Join(t.TempDir(), "nope.csv"))
		assert.Error(t, err)
	})

	t.Run("bad cell", func(t *testing.T) {
		path := writeReference(t, []refRow{
			{cluster: "0", dflt: "0", base: 1, overrides: map[string]string{"AGE": "old"}},
		})
		_, err := LoadCSV(path)
		assert.Error(t, err)
	})

	t.Run("only noise", func(t *testing.T) {
		path := writeReference(t, []refRow{{cluster: "-1", dflt: "0", base: 1}})
		_, err := LoadCSV(path)
		assert.Error(t, err)
	})

	t.Run("wrong schema", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ref.csv")
		require.NoError(t, os.WriteFile(path, []byte("LIMIT_BAL,AGE,DEFAULT,Cluster\n1,2,0,0\n"), 0o644))
		_, err := LoadCSV(path)
		var serr *api.SchemaMismatchError
		assert.True(t, errors.As(err, &serr), "got %v", err)
	})

	t.Run("missing label column", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "ref.csv")
		require.NoError(t, os.WriteFile(path, []byte("LIMIT_BAL,AGE\n1,2\n"), 0o644))
		_, err := LoadCSV(path)
		assert.Error(t, err)
	})
}

func TestAssignNearestWithAllDistances(t *testing.T) {
	s, err := NewStore([]string{"a", "b"}, map[int][]float64{
		2: {0, 0},
		0: {10, 0},
		1: {3, 4},
	}, nil)
	require.NoError(t, err)

	id, dist, err := s.Assign([]float64{3, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	require.Len(t, dist, 3)
	assert.InDelta(t, math.Sqrt(18), dist[2], 1e-12)
	assert.InDelta(t, math.Sqrt(49+9), dist[0], 1e-12)
	assert.InDelta(t, 1.0, dist[1], 1e-12)
}

func TestAssignTieBreaksToLowestID(t *testing.T) {
	s, err := NewStore([]string{"a"}, map[int][]float64{
		5: {-1},
		4: {1},
		9: {1},
	}, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		id, _, err := s.Assign([]float64{0})
		require.NoError(t, err)
		assert.Equal(t, 4, id)
	}
}

func TestAssignRejectsWrongLength(t *testing.T) {
	s, err := NewStore([]string{"a", "b"}, map[int][]float64{0: {0, 0}}, nil)
	require.NoError(t, err)

	_, _, err = s.Assign([]float64{1, 2, 3})
	var serr *api.SchemaMismatchError
	assert.True(t, errors.As(err, &serr))
}

func TestAssignRejectsOverflowingDistance(t *testing.T) {
	s, err := NewStore([]string{"a", "b"}, map[int][]float64{
		3: {0, 0},
		7: {1, 1},
	}, nil)
	require.NoError(t, err)

	// 1e200 squared overflows to +Inf
	id, dist, err := s.Assign([]float64{1e200, 0})
	var verr *api.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "features", verr.Field)
	assert.Zero(t, id)
	assert.Nil(t, dist)

	// large but finite values still assign to a registered cluster
	id, dist, err = s.Assign([]float64{1e150, 1e150})
	require.NoError(t, err)
	assert.Contains(t, []int{3, 7}, id)
	assert.Len(t, dist, 2)
}

func TestNewStoreRejectsShortCentroid(t *testing.T) {
	_, err := NewStore([]string{"a", "b"}, map[int][]float64{0: {0}}, nil)
	assert.Error(t, err)

	_, err = NewStore([]string{"a"}, nil, nil)
	assert.Error(t, err)
}

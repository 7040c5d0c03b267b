package cluster

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/features"
)

// Reference table columns that are not features.
const (
	ColumnCluster = "Cluster"
	ColumnDefault = "DEFAULT"
)

// NoiseID is the label the offline clustering gives to unclustered rows.
const NoiseID = -1

// Store holds per-cluster centroids and population summaries. It is built once
// and read-only afterwards.
type Store struct {
	schema    []string
	ids       []int
	centroids map[int][]float64
	summaries map[int]api.ClusterSummary
}

// NewStore builds a store from precomputed centroids. Every centroid must have
// len(schema) entries. Summaries may be nil.
func NewStore(schema []string, centroids map[int][]float64, summaries map[int]api.ClusterSummary) (*Store, error) {
	if len(centroids) == 0 {
		return nil, eris.New("cluster: no centroids")
	}
	s := &Store{
		schema:    append([]string(nil), schema...),
		centroids: make(map[int][]float64, len(centroids)),
		summaries: make(map[int]api.ClusterSummary, len(centroids)),
	}
	for id, c := range centroids {
		if len(c) != len(schema) {
			return nil, &api.SchemaMismatchError{
				Detail: fmt.Sprintf("centroid %d has %d values, schema has %d", id, len(c), len(schema)),
			}
		}
		s.centroids[id] = append([]float64(nil), c...)
		s.ids = append(s.ids, id)
		if sum, ok := summaries[id]; ok {
			s.summaries[id] = sum
		}
	}
	sort.Ints(s.ids)
	return s, nil
}

// LoadCSV reads the labelled reference table at path.
func LoadCSV(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cluster: open reference table %s", path)
	}
	defer f.Close()

	s, err := Load(f)
	if err != nil {
		return nil, eris.Wrapf(err, "cluster: load %s", path)
	}
	return s, nil
}

// Load parses a reference table: a header row, then one row per training
// applicant carrying the feature columns plus Cluster and DEFAULT. Missing
// numeric cells are filled with the column median. Noise rows are folded into
// their nearest cluster before centroids and summaries are computed.
func Load(r io.Reader) (*Store, error) {
	log := zap.L().With(zap.String("component", "centroid_store"))

	tbl, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if err := features.CheckSchema(tbl.schema); err != nil {
		return nil, err
	}

	noise := 0
	for _, l := range tbl.labels {
		if l == NoiseID {
			noise++
		}
	}
	if noise == len(tbl.labels) {
		return nil, eris.New("cluster: reference table has no labelled rows")
	}

	labels := tbl.labels
	if noise > 0 {
		labelled, err := newStoreFromRows(tbl, labels, true)
		if err != nil {
			return nil, err
		}
		labels = make([]int, len(tbl.labels))
		for i, l := range tbl.labels {
			if l != NoiseID {
				labels[i] = l
				continue
			}
			id, _, err := labelled.Assign(tbl.rows[i])
			if err != nil {
				return nil, err
			}
			labels[i] = id
		}
	}

	s, err := newStoreFromRows(tbl, labels, false)
	if err != nil {
		return nil, err
	}
	log.Info("reference table loaded",
		zap.Int("rows", len(tbl.rows)),
		zap.Int("clusters", len(s.ids)),
		zap.Int("noise_reassigned", noise),
		zap.Int("cells_filled", tbl.filled))
	return s, nil
}

type table struct {
	schema   []string
	rows     [][]float64
	labels   []int
	defaults []float64
	filled   int
}

func readTable(r io.Reader) (*table, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "cluster: read header")
	}
	clusterCol, defaultCol := -1, -1
	var featureCols []int
	tbl := &table{}
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch h {
		case ColumnCluster:
			clusterCol = i
		case ColumnDefault:
			defaultCol = i
		default:
			featureCols = append(featureCols, i)
			tbl.schema = append(tbl.schema, h)
		}
	}
	if clusterCol < 0 || defaultCol < 0 {
		return nil, &api.SchemaMismatchError{Detail: "reference table needs Cluster and DEFAULT columns"}
	}

	// Each raw row is the feature cells followed by DEFAULT. NaN marks a
	// missing cell until the median fill.
	width := len(featureCols) + 1
	var raw [][]float64
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "cluster: read line %d", line)
		}
		if len(rec) != len(header) {
			return nil, eris.Errorf("cluster: line %d has %d cells, header has %d", line, len(rec), len(header))
		}

		lbl, missing, err := parseCell(rec[clusterCol])
		if err != nil || missing || lbl != math.Trunc(lbl) {
			return nil, eris.Errorf("cluster: line %d: bad cluster label %q", line, rec[clusterCol])
		}
		tbl.labels = append(tbl.labels, int(lbl))

		row := make([]float64, width)
		for j, col := range featureCols {
			v, missing, err := parseCell(rec[col])
			if err != nil {
				return nil, eris.Wrapf(err, "cluster: line %d column %s", line, header[col])
			}
			if missing {
				v = math.NaN()
			}
			row[j] = v
		}
		v, missing, err := parseCell(rec[defaultCol])
		if err != nil {
			return nil, eris.Wrapf(err, "cluster: line %d column %s", line, ColumnDefault)
		}
		if missing {
			v = math.NaN()
		}
		row[width-1] = v
		raw = append(raw, row)
	}
	if len(raw) == 0 {
		return nil, eris.New("cluster: reference table has no rows")
	}

	for j := 0; j < width; j++ {
		col := make([]float64, 0, len(raw))
		for _, row := range raw {
			if !math.IsNaN(row[j]) {
				col = append(col, row[j])
			}
		}
		if len(col) == len(raw) {
			continue
		}
		if len(col) == 0 {
			return nil, eris.Errorf("cluster: column %d has no values", j)
		}
		m := median(col)
		for _, row := range raw {
			if math.IsNaN(row[j]) {
				row[j] = m
				tbl.filled++
			}
		}
	}

	tbl.rows = make([][]float64, len(raw))
	tbl.defaults = make([]float64, len(raw))
	for i, row := range raw {
		tbl.rows[i] = row[:width-1]
		tbl.defaults[i] = row[width-1]
	}
	return tbl, nil
}

func parseCell(s string) (v float64, missing bool, err error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "na", "nan", "null":
		return 0, true, nil
	}
	v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, eris.Errorf("not numeric: %q", s)
	}
	return v, false, nil
}

func median(xs []float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// newStoreFromRows averages rows per label. With skipNoise the noise rows are
// left out; otherwise every label must be a real cluster.
func newStoreFromRows(tbl *table, labels []int, skipNoise bool) (*Store, error) {
	type acc struct {
		sum                      []float64
		n                        int
		defaults, limit, age, pd float64
	}
	idx := func(name string) int {
		for i, n := range tbl.schema {
			if n == name {
				return i
			}
		}
		return -1
	}
	limitCol, ageCol, delayCol := idx(features.LimitBal), idx(features.Age), idx(features.AvgPayDelay)

	accs := make(map[int]*acc)
	for i, row := range tbl.rows {
		l := labels[i]
		if l == NoiseID && skipNoise {
			continue
		}
		a, ok := accs[l]
		if !ok {
			a = &acc{sum: make([]float64, len(tbl.schema))}
			accs[l] = a
		}
		for j, v := range row {
			a.sum[j] += v
		}
		a.n++
		a.defaults += tbl.defaults[i]
		a.limit += row[limitCol]
		a.age += row[ageCol]
		a.pd += row[delayCol]
	}

	centroids := make(map[int][]float64, len(accs))
	summaries := make(map[int]api.ClusterSummary, len(accs))
	for id, a := range accs {
		n := float64(a.n)
		c := make([]float64, len(a.sum))
		for j := range a.sum {
			c[j] = a.sum[j] / n
		}
		centroids[id] = c
		summaries[id] = api.ClusterSummary{
			Size:           a.n,
			DefaultRatePct: api.Round(a.defaults/n*100, 1),
			AvgLimit:       api.Round(a.limit/n, 0),
			AvgAge:         api.Round(a.age/n, 1),
			AvgPayDelay:    api.Round(a.pd/n, 2),
		}
	}
	return NewStore(tbl.schema, centroids, summaries)
}

// Schema returns the feature order of the reference table.
func (s *Store) Schema() []string {
	return append([]string(nil), s.schema...)
}

// IDs returns the cluster ids in ascending order.
func (s *Store) IDs() []int {
	return append([]int(nil), s.ids...)
}

// Centroid returns a copy of the centroid for id.
func (s *Store) Centroid(id int) ([]float64, bool) {
	c, ok := s.centroids[id]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), c...), true
}

// Summary returns the population summary for id.
func (s *Store) Summary(id int) (api.ClusterSummary, bool) {
	sum, ok := s.summaries[id]
	return sum, ok
}

// Summaries returns all population summaries keyed by cluster id.
func (s *Store) Summaries() map[int]api.ClusterSummary {
	out := make(map[int]api.ClusterSummary, len(s.summaries))
	for id, sum := range s.summaries {
		out[id] = sum
	}
	return out
}

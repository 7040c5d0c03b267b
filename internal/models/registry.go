package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/features"
)

// Pair is the classifier pair fitted for one cluster. Primary drives the
// tier; Baseline is reported for comparison only.
type Pair struct {
	Primary  *GradientBoosting `json:"primary"`
	Baseline *GaussianNB       `json:"baseline"`
}

// Bundle is the serialized output of offline training.
type Bundle struct {
	FeatureNames []string     `json:"feature_names"`
	Clusters     map[int]Pair `json:"clusters"`

	// Digest is the hex SHA-256 of the bundle file.
	Digest string `json:"-"`
	Path   string `json:"-"`
}

// LoadBundle reads and structurally validates the model bundle at path.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "models: read bundle %s", path)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return nil, eris.Wrapf(err, "models: parse bundle %s", path)
	}
	b.Path = path
	return b, nil
}

// ParseBundle decodes bundle JSON and validates every model's shape against
// the bundle's feature list.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, eris.Wrap(err, "decode")
	}
	if len(b.FeatureNames) == 0 {
		return nil, &api.SchemaMismatchError{Detail: "bundle has no feature_names"}
	}
	if len(b.Clusters) == 0 {
		return nil, eris.New("bundle has no clusters")
	}
	n := len(b.FeatureNames)
	for id, p := range b.Clusters {
		if p.Primary == nil || p.Baseline == nil {
			return nil, eris.Errorf("cluster %d: primary and baseline are both required", id)
		}
		if err := p.Primary.validate(n); err != nil {
			return nil, eris.Wrapf(err, "cluster %d primary", id)
		}
		if err := p.Baseline.validate(n); err != nil {
			return nil, eris.Wrapf(err, "cluster %d baseline", id)
		}
	}
	b.Digest = digest(data)
	return &b, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CentroidSource is what the registry needs from the centroid store to
// cross-check a bundle.
type CentroidSource interface {
	Schema() []string
	IDs() []int
}

// Registry maps cluster ids to their classifier pair. It is immutable after
// NewRegistry returns.
type Registry struct {
	featureNames []string
	models       map[int]Pair
	ids          []int
	digest       string
	path         string
}

// NewRegistry validates b against the centroid store: identical feature order
// and a one-to-one match between centroid clusters and model clusters.
func NewRegistry(b *Bundle, centroids CentroidSource) (*Registry, error) {
	if err := features.SameSchema(centroids.Schema(), b.FeatureNames); err != nil {
		return nil, err
	}

	have := make(map[int]bool, len(centroids.IDs()))
	for _, id := range centroids.IDs() {
		have[id] = true
		if _, ok := b.Clusters[id]; !ok {
			return nil, &api.SchemaMismatchError{Detail: fmt.Sprintf("cluster %d has a centroid but no model", id)}
		}
	}

	r := &Registry{
		featureNames: append([]string(nil), b.FeatureNames...),
		models:       make(map[int]Pair, len(b.Clusters)),
		digest:       b.Digest,
		path:         b.Path,
	}
	for id, p := range b.Clusters {
		if !have[id] {
			return nil, &api.SchemaMismatchError{Detail: fmt.Sprintf("cluster %d has a model but no centroid", id)}
		}
		r.models[id] = p
		r.ids = append(r.ids, id)
	}
	sort.Ints(r.ids)

	zap.L().With(zap.String("component", "model_registry")).Info("model bundle registered",
		zap.Int("clusters", len(r.ids)),
		zap.Int("features", len(r.featureNames)),
		zap.String("digest", shortDigest(r.digest)))
	return r, nil
}

// Get returns the classifier pair for a cluster.
func (r *Registry) Get(clusterID int) (Pair, error) {
	p, ok := r.models[clusterID]
	if !ok {
		return Pair{}, &api.ModelNotFoundError{ClusterID: clusterID}
	}
	return p, nil
}

// IDs returns the registered cluster ids in ascending order.
func (r *Registry) IDs() []int {
	return append([]int(nil), r.ids...)
}

// FeatureNames returns the feature order the models were trained on.
func (r *Registry) FeatureNames() []string {
	return append([]string(nil), r.featureNames...)
}

// Digest is the hex SHA-256 of the bundle the registry was built from.
func (r *Registry) Digest() string {
	return r.digest
}

// VerifyIntegrity re-hashes the bundle file and compares it with the digest
// recorded at load.
func (r *Registry) VerifyIntegrity() error {
	if r.path == "" {
		return eris.New("models: registry was not loaded from a file")
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return eris.Wrapf(err, "models: read bundle %s", r.path)
	}
	if got := digest(data); got != r.digest {
		return eris.Errorf("models: bundle %s changed on disk: digest %s, loaded %s",
			r.path, shortDigest(got), shortDigest(r.digest))
	}
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

// Package history keeps the bounded, most-recent-first log of scoring
// decisions.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fractal-lba/creditscore/internal/api"
	"github.com/fractal-lba/creditscore/internal/metrics"
)

// DefaultLimit is the number of records retained.
const DefaultLimit = 50

// Store persists history records. Append must insert rec as the newest record
// and drop everything beyond the newest limit records in one atomic step.
// Load returns at most limit records, newest first.
type Store interface {
	Append(ctx context.Context, rec api.HistoryRecord, limit int) error
	Load(ctx context.Context, limit int) ([]api.HistoryRecord, error)
	Name() string
	Close() error
}

// Log serializes access to a Store and classifies its failures.
type Log struct {
	mu      sync.Mutex
	store   Store
	limit   int
	metrics *metrics.Metrics
	log     *zap.Logger
	now     func() time.Time
}

// NewLog wraps store. limit <= 0 means DefaultLimit. m may be nil.
func NewLog(store Store, limit int, m *metrics.Metrics) *Log {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Log{
		store:   store,
		limit:   limit,
		metrics: m,
		log:     zap.L().With(zap.String("component", "history"), zap.String("backend", store.Name())),
		now:     time.Now,
	}
}

// Limit is the number of records retained.
func (l *Log) Limit() int {
	return l.limit
}

// Append records rec as the newest entry, assigning an id and timestamp when
// missing. Failures are returned as *api.PersistenceError.
func (l *Log) Append(ctx context.Context, rec api.HistoryRecord) (api.HistoryRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	err := l.store.Append(ctx, rec, l.limit)
	l.mu.Unlock()

	if err != nil {
		l.metrics.HistoryError(l.store.Name())
		l.log.Error("history append failed", zap.String("id", rec.ID), zap.Error(err))
		return rec, &api.PersistenceError{Backend: l.store.Name(), Err: err}
	}
	l.metrics.HistoryAppend()
	return rec, nil
}

// Load returns the retained records, newest first.
func (l *Log) Load(ctx context.Context) ([]api.HistoryRecord, error) {
	recs, err := l.store.Load(ctx, l.limit)
	if err != nil {
		return nil, &api.PersistenceError{Backend: l.store.Name(), Err: err}
	}
	if recs == nil {
		recs = []api.HistoryRecord{}
	}
	return recs, nil
}

// Close releases the underlying store.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Close()
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisKey      string
	PostgresURL   string
}

// Open creates the store named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return OpenJournal(opts.Path)
	case BackendSQLite, "":
		s, err := NewSQLiteStore(opts.Path)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisKey)
	case BackendPostgres:
		s, err := NewPostgresStore(ctx, opts.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, eris.Errorf("history: unknown backend %q", opts.Backend)
}

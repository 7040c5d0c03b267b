package history

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/fractal-lba/creditscore/internal/api"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// historyLockKey serializes appends across service replicas.
const historyLockKey = 0x63726564 // "cred"

// PostgresStore keeps history in a Postgres table shared by every replica.
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore connects to connStr and verifies the connection.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreWithPool wraps an existing pool.
func NewPostgresStoreWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS scoring_history (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	created_at   TIMESTAMPTZ NOT NULL,
	cluster      INTEGER NOT NULL,
	primary_pct  DOUBLE PRECISION NOT NULL,
	baseline_pct DOUBLE PRECISION NOT NULL,
	risk_tier    TEXT NOT NULL,
	risk_color   TEXT NOT NULL,
	age          INTEGER NOT NULL,
	limit_bal    DOUBLE PRECISION NOT NULL
)`

// Migrate creates the history table.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Append inserts and trims in one transaction holding a transaction-scoped
// advisory lock.
func (p *PostgresStore) Append(ctx context.Context, rec api.HistoryRecord, limit int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := appendTx(ctx, tx, rec, limit); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func appendTx(ctx context.Context, tx pgx.Tx, rec api.HistoryRecord, limit int) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(historyLockKey)); err != nil {
		return eris.Wrap(err, "postgres: acquire history lock")
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO scoring_history
			(id, created_at, cluster, primary_pct, baseline_pct, risk_tier, risk_color, age, limit_bal)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Timestamp.UTC(), rec.Cluster, rec.PrimaryPct, rec.BaselinePct,
		rec.RiskTier, rec.RiskColor, rec.Age, rec.LimitBal)
	if err != nil {
		return eris.Wrap(err, "postgres: insert record")
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM scoring_history
		 WHERE seq NOT IN (SELECT seq FROM scoring_history ORDER BY seq DESC LIMIT $1)`, limit)
	return eris.Wrap(err, "postgres: trim history")
}

func (p *PostgresStore) Load(ctx context.Context, limit int) ([]api.HistoryRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, created_at, cluster, primary_pct, baseline_pct, risk_tier, risk_color, age, limit_bal
		 FROM scoring_history ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query history")
	}
	defer rows.Close()

	var out []api.HistoryRecord
	for rows.Next() {
		var r api.HistoryRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Cluster, &r.PrimaryPct, &r.BaselinePct,
			&r.RiskTier, &r.RiskColor, &r.Age, &r.LimitBal); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate history")
}

func (p *PostgresStore) Name() string { return BackendPostgres }

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

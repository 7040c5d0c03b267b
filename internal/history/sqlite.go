package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/fractal-lba/creditscore/internal/api"
)

// SQLiteStore keeps history in a SQLite table using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn in WAL mode.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, eris.New("sqlite: empty path")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// one writer; the Log already serializes appends
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scoring_history (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	created_at   TEXT NOT NULL,
	cluster      INTEGER NOT NULL,
	primary_pct  REAL NOT NULL,
	baseline_pct REAL NOT NULL,
	risk_tier    TEXT NOT NULL,
	risk_color   TEXT NOT NULL,
	age          INTEGER NOT NULL,
	limit_bal    REAL NOT NULL
);
`

// Migrate creates the history table.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Append(ctx context.Context, rec api.HistoryRecord, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scoring_history
			(id, created_at, cluster, primary_pct, baseline_pct, risk_tier, risk_color, age, limit_bal)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Cluster,
		rec.PrimaryPct, rec.BaselinePct, rec.RiskTier, rec.RiskColor, rec.Age, rec.LimitBal)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert record")
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM scoring_history
		 WHERE seq NOT IN (SELECT seq FROM scoring_history ORDER BY seq DESC LIMIT ?)`, limit)
	if err != nil {
		return eris.Wrap(err, "sqlite: trim history")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) Load(ctx context.Context, limit int) ([]api.HistoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, cluster, primary_pct, baseline_pct, risk_tier, risk_color, age, limit_bal
		 FROM scoring_history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query history")
	}
	defer rows.Close()

	var out []api.HistoryRecord
	for rows.Next() {
		var (
			r  api.HistoryRecord
			ts string
		)
		if err := rows.Scan(&r.ID, &ts, &r.Cluster, &r.PrimaryPct, &r.BaselinePct,
			&r.RiskTier, &r.RiskColor, &r.Age, &r.LimitBal); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		r.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse timestamp of %s", r.ID)
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate history")
}

func (s *SQLiteStore) Name() string { return BackendSQLite }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/eddiefleurent/straddle_bot/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS strategy_log (
	instance_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	recorded_at DATETIME NOT NULL,
	PRIMARY KEY (instance_id, version)
);

CREATE INDEX IF NOT EXISTS idx_strategy_log_status ON strategy_log(status);
`

// latestRows selects the newest record of every instance.
const latestRows = `
SELECT l.instance_id, l.version, l.status, l.payload, l.recorded_at
FROM strategy_log l
JOIN (SELECT instance_id, MAX(version) AS version FROM strategy_log GROUP BY instance_id) m
  ON l.instance_id = m.instance_id AND l.version = m.version
`

// SQLiteLog stores the snapshot history in a SQLite database. The primary
// key on (instance_id, version) makes concurrent appends of the same
// version fail for all but one writer.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens the database at path and creates the schema.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Append(ctx context.Context, rec Record) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO strategy_log (instance_id, version, status, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.Version, string(rec.Status), string(rec.Payload), rec.RecordedAt.UTC())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s v%d", ErrVersionConflict, rec.InstanceID, rec.Version)
		}
		return fmt.Errorf("append %s v%d: %w", rec.InstanceID, rec.Version, err)
	}
	return nil
}

func (l *SQLiteLog) Latest(ctx context.Context, instanceID string) (*Record, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT instance_id, version, status, payload, recorded_at FROM strategy_log
		 WHERE instance_id = ? ORDER BY version DESC LIMIT 1`, instanceID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *SQLiteLog) Active(ctx context.Context) ([]string, error) {
	recs, err := l.query(ctx, latestRows+` WHERE l.status NOT IN (?, ?)`, string(models.StatusDone), string(models.StatusFailed))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.InstanceID)
	}
	return ids, nil
}

func (l *SQLiteLog) Finished(ctx context.Context) ([]Record, error) {
	return l.query(ctx, latestRows+` WHERE l.status IN (?, ?)`, string(models.StatusDone), string(models.StatusFailed))
}

func (l *SQLiteLog) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec     Record
		status  string
		payload string
	)
	if err := row.Scan(&rec.InstanceID, &rec.Version, &status, &payload, &rec.RecordedAt); err != nil {
		return nil, err
	}
	rec.Status = models.StrategyStatus(status)
	rec.Payload = []byte(payload)
	return &rec, nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

package history

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps the history in an iterations table, one row per
// iteration and run, so several runs may share a database.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (s *SQLiteStore, err error) {
	var db *sql.DB
	if db, err = sql.Open("sqlite", path); err != nil {
		return
	}
	_, err = db.Exec(`
		PRAGMA busy_timeout = 5000;
		CREATE TABLE IF NOT EXISTS iterations (
			run_id            TEXT NOT NULL,
			iteration         INTEGER NOT NULL,
			objective         DOUBLE,
			gradient_norm     DOUBLE,
			step_size         DOUBLE,
			accepted          BOOLEAN,
			timestamp         TEXT,
			PRIMARY KEY (run_id, iteration)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(rec Record) (err error) {
	_, err = s.db.Exec(`INSERT INTO iterations
		(run_id, iteration, objective, gradient_norm, step_size, accepted, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID.String(), rec.Iteration, rec.Objective, rec.GradientNorm, rec.StepSize,
		rec.Accepted, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	return
}

// Records returns every record in insertion order.
func (s *SQLiteStore) Records() (records []Record, err error) {
	var rows *sql.Rows
	rows, err = s.db.Query(`SELECT run_id, iteration, objective, gradient_norm, step_size, accepted, timestamp
		FROM iterations ORDER BY rowid`)
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rec       Record
			id, stamp string
		)
		if err = rows.Scan(&id, &rec.Iteration, &rec.Objective, &rec.GradientNorm, &rec.StepSize,
			&rec.Accepted, &stamp); err != nil {
			return nil, err
		}
		if rec.RunID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

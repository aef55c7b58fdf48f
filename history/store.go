package history

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record is one completed optimization iteration. Records are append only
// and never modified once written.
type Record struct {
	RunID        uuid.UUID
	Iteration    int
	Objective    float64
	GradientNorm float64
	StepSize     float64
	Accepted     bool
	Timestamp    time.Time
}

// Store is the persisted, append only iteration history of a run.
type Store interface {
	Append(rec Record) error
	Records() ([]Record, error)
	Close() error
}

// Open opens the history at path, creating it when missing. Files ending in
// .db or .sqlite use SQLite, anything else a CSV log.
func Open(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return OpenSQLite(path)
	case ".csv", "":
		return OpenCSV(path)
	}
	return nil, fmt.Errorf("unknown history format for %s, want .csv or .db", path)
}

// Accepted filters the records of accepted iterations.
func Accepted(records []Record) (out []Record) {
	for _, r := range records {
		if r.Accepted {
			out = append(out, r)
		}
	}
	return
}

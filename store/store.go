// Package store keeps collected traces and calibration curves in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/xid"

	"github.com/sarchlab/cachespy/timing/latency"
	"github.com/sarchlab/cachespy/trace"
)

// Memory is the path of a store that lives only as long as the process.
const Memory = ":memory:"

// TraceRecord is a stored occupancy trace.
type TraceRecord struct {
	ID      string      `json:"id"`
	Created time.Time   `json:"created"`
	Trace   trace.Trace `json:"trace"`
}

// CurveRecord is a stored latency curve.
type CurveRecord struct {
	ID      string        `json:"id"`
	Created time.Time     `json:"created"`
	Curve   latency.Curve `json:"curve"`
}

// Store is a SQLite-backed result store. It is safe for concurrent use.
type Store struct {
	*sql.DB

	mu   sync.Mutex
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS traces (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	id      TEXT NOT NULL UNIQUE,
	created INTEGER NOT NULL,
	data    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS curves (
	seq     INTEGER PRIMARY KEY AUTOINCREMENT,
	id      TEXT NOT NULL UNIQUE,
	created INTEGER NOT NULL,
	data    TEXT NOT NULL
);`

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open store %s", path)
	}

	// One connection, so that an in-memory store is a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}

	return &Store{DB: db, path: path}, nil
}

// Path returns the location of the database.
func (s *Store) Path() string {
	return s.path
}

// AddTrace stores a trace and returns its record.
func (s *Store) AddTrace(t trace.Trace) (TraceRecord, error) {
	rec := TraceRecord{
		ID:      xid.New().String(),
		Created: time.Now(),
		Trace:   t,
	}

	if err := s.insert("traces", rec.ID, rec.Created, t); err != nil {
		return TraceRecord{}, errors.Wrap(err, "failed to add trace")
	}

	return rec, nil
}

// AddCurve stores a curve and returns its record.
func (s *Store) AddCurve(c latency.Curve) (CurveRecord, error) {
	rec := CurveRecord{
		ID:      xid.New().String(),
		Created: time.Now(),
		Curve:   c,
	}

	if err := s.insert("curves", rec.ID, rec.Created, c); err != nil {
		return CurveRecord{}, errors.Wrap(err, "failed to add curve")
	}

	return rec, nil
}

// Traces returns every stored trace in insertion order.
func (s *Store) Traces() ([]TraceRecord, error) {
	var records []TraceRecord

	err := s.scan("traces", func(id string, created time.Time, data []byte) error {
		rec := TraceRecord{ID: id, Created: created}
		if err := json.Unmarshal(data, &rec.Trace); err != nil {
			return errors.Wrapf(err, "trace %s is corrupt", id)
		}
		if rec.Trace == nil {
			rec.Trace = trace.Trace{}
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list traces")
	}

	return records, nil
}

// TraceData returns only the traces, in insertion order.
func (s *Store) TraceData() ([]trace.Trace, error) {
	records, err := s.Traces()
	if err != nil {
		return nil, err
	}

	traces := make([]trace.Trace, 0, len(records))
	for _, rec := range records {
		traces = append(traces, rec.Trace)
	}

	return traces, nil
}

// Curves returns every stored curve in insertion order.
func (s *Store) Curves() ([]CurveRecord, error) {
	var records []CurveRecord

	err := s.scan("curves", func(id string, created time.Time, data []byte) error {
		rec := CurveRecord{ID: id, Created: created}
		if err := json.Unmarshal(data, &rec.Curve); err != nil {
			return errors.Wrapf(err, "curve %s is corrupt", id)
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list curves")
	}

	return records, nil
}

// Clear deletes every trace and curve.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin clear")
	}

	for _, table := range []string{"traces", "curves"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			_ = tx.Rollback()
			return errors.Wrapf(err, "failed to clear %s", table)
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit clear")
}

func (s *Store) insert(table, id string, created time.Time, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.Exec(
		"INSERT INTO "+table+" (id, created, data) VALUES (?, ?, ?)",
		id, created.UnixNano(), string(data),
	)

	return err
}

func (s *Store) scan(table string, fn func(id string, created time.Time, data []byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.Query("SELECT id, created, data FROM " + table + " ORDER BY seq")
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id      string
			created int64
			data    string
		)
		if err := rows.Scan(&id, &created, &data); err != nil {
			return err
		}
		if err := fn(id, time.Unix(0, created), []byte(data)); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Package storage provides SQLite-backed persistence for the instrument
// registry, per-instrument state, and the emitted signal log.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/sigwatch/internal/models"
)

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db         *sql.DB
	maxSignals int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/sigwatch/data.db.
func New(maxSignals int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "sigwatch", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &Storage{db: db, maxSignals: maxSignals}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Ping verifies the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instruments (
			symbol      TEXT PRIMARY KEY,
			added_at    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instrument_state (
			instrument     TEXT PRIMARY KEY REFERENCES instruments(symbol) ON DELETE CASCADE,
			last_emitted   TEXT,
			last_snapshot  TEXT,
			updated_at     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signals (
			id          TEXT PRIMARY KEY,
			instrument  TEXT NOT NULL,
			direction   TEXT NOT NULL,
			strength    TEXT NOT NULL,
			confidence  REAL NOT NULL,
			events      TEXT NOT NULL DEFAULT '[]',
			price       REAL NOT NULL,
			emitted_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_emitted_at ON signals(emitted_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_instrument ON signals(instrument, emitted_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddInstrument registers an instrument for monitoring. It reports whether
// the instrument was newly added.
func (s *Storage) AddInstrument(symbol string) (bool, error) {
	res, err := s.db.Exec(`INSERT OR IGNORE INTO instruments (symbol, added_at) VALUES (?, ?)`,
		symbol, time.Now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to add instrument: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RemoveInstrument stops monitoring an instrument. Its persisted state is
// removed with it.
func (s *Storage) RemoveInstrument(symbol string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM instruments WHERE symbol = ?`, symbol)
	if err != nil {
		return false, fmt.Errorf("failed to remove instrument: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SeedInstruments registers every symbol that is not registered yet.
func (s *Storage) SeedInstruments(symbols []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixNano()
	for _, sym := range symbols {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO instruments (symbol, added_at) VALUES (?, ?)`, sym, now); err != nil {
			return fmt.Errorf("failed to seed instrument %s: %w", sym, err)
		}
	}
	return tx.Commit()
}

// ListInstruments returns registered instruments in insertion order.
func (s *Storage) ListInstruments() ([]string, error) {
	rows, err := s.db.Query(`SELECT symbol FROM instruments ORDER BY added_at, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query instruments: %w", err)
	}
	defer rows.Close()

	symbols := []string{}
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, fmt.Errorf("failed to scan instrument: %w", err)
		}
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// IsMonitored reports whether symbol is registered.
func (s *Storage) IsMonitored(symbol string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM instruments WHERE symbol = ?`, symbol).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query instrument: %w", err)
	}
	return n > 0, nil
}

func (s *Storage) SaveState(state models.InstrumentState) error {
	emitted, err := marshalNullable(state.LastEmitted)
	if err != nil {
		return fmt.Errorf("failed to marshal last signal: %w", err)
	}
	snapshot, err := marshalNullable(state.LastSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal last snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO instrument_state
			(instrument, last_emitted, last_snapshot, updated_at)
		VALUES (?,?,?,?)`,
		state.Instrument, emitted, snapshot, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// LoadState returns the persisted state or nil when none exists.
func (s *Storage) LoadState(instrument string) (*models.InstrumentState, error) {
	row := s.db.QueryRow(`
		SELECT instrument, last_emitted, last_snapshot
		FROM instrument_state WHERE instrument = ?`, instrument)

	state, err := scanState(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}
	return state, nil
}

func (s *Storage) DeleteState(instrument string) error {
	if _, err := s.db.Exec(`DELETE FROM instrument_state WHERE instrument = ?`, instrument); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

func (s *Storage) AddSignal(sig *models.Signal) error {
	if err := sig.Validate(); err != nil {
		return fmt.Errorf("invalid signal: %w", err)
	}
	events, err := json.Marshal(sig.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO signals
			(id, instrument, direction, strength, confidence, events, price, emitted_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		sig.ID, sig.Instrument, string(sig.Direction), sig.Strength.String(),
		sig.Confidence, string(events), sig.Price, sig.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal: %w", err)
	}
	return nil
}

// GetRecentSignals returns up to limit newest signals, optionally for one
// instrument only.
func (s *Storage) GetRecentSignals(instrument string, limit int) ([]models.Signal, error) {
	query := `SELECT ` + signalCols + ` FROM signals`
	args := []any{}
	if instrument != "" {
		query += ` WHERE instrument = ?`
		args = append(args, instrument)
	}
	query += ` ORDER BY emitted_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var signals []models.Signal
	for rows.Next() {
		sig, err := scanSignal(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}

func (s *Storage) CountSignals() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM signals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	return n, nil
}

// RotateSignals keeps at most maxSignals newest signals by emission time.
func (s *Storage) RotateSignals() error {
	_, err := s.db.Exec(`
		DELETE FROM signals WHERE id NOT IN (
			SELECT id FROM signals ORDER BY emitted_at DESC LIMIT ?
		)`, s.maxSignals)
	if err != nil {
		return fmt.Errorf("failed to rotate signals: %w", err)
	}
	return nil
}

const signalCols = `id, instrument, direction, strength, confidence, events, price, emitted_at`

func scanSignal(scan func(...any) error) (*models.Signal, error) {
	var sig models.Signal
	var direction, strength, events string
	var emittedAtNano int64
	err := scan(
		&sig.ID, &sig.Instrument, &direction, &strength, &sig.Confidence,
		&events, &sig.Price, &emittedAtNano,
	)
	if err != nil {
		return nil, err
	}
	sig.Direction = models.Direction(direction)
	if sig.Strength, err = models.ParseStrength(strength); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(events), &sig.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events: %w", err)
	}
	sig.Timestamp = time.Unix(0, emittedAtNano).UTC()
	return &sig, nil
}

func scanState(scan func(...any) error) (*models.InstrumentState, error) {
	var state models.InstrumentState
	var emitted, snapshot sql.NullString
	if err := scan(&state.Instrument, &emitted, &snapshot); err != nil {
		return nil, err
	}
	if emitted.Valid {
		state.LastEmitted = &models.Signal{}
		if err := json.Unmarshal([]byte(emitted.String), state.LastEmitted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last signal: %w", err)
		}
	}
	if snapshot.Valid {
		state.LastSnapshot = &models.IndicatorSnapshot{}
		if err := json.Unmarshal([]byte(snapshot.String), state.LastSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal last snapshot: %w", err)
		}
	}
	return &state, nil
}

// marshalNullable encodes v as JSON, or SQL NULL when v is a nil pointer.
func marshalNullable[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

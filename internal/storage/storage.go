// Package storage provides the run ledger: a SQL table recording every
// execution of the analysis pipeline with its key measurements.
//
// The ledger works with SQLite (pure Go, the default) or MySQL through sqlx.
// Old runs are rotated out so the table stays within a configured size.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/eegscope/internal/models"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

const schema = `CREATE TABLE IF NOT EXISTS runs (
	id             VARCHAR(36) NOT NULL PRIMARY KEY,
	started_at     DATETIME NOT NULL,
	finished_at    DATETIME NOT NULL,
	input_path     TEXT NOT NULL,
	output_path    TEXT NOT NULL,
	analyzed_path  TEXT NOT NULL,
	samples        INTEGER NOT NULL,
	epochs_kept    INTEGER NOT NULL,
	epochs_dropped INTEGER NOT NULL,
	peak_channel   VARCHAR(64) NOT NULL,
	peak_latency   DOUBLE PRECISION NOT NULL,
	peak_amplitude DOUBLE PRECISION NOT NULL,
	auc            DOUBLE PRECISION NOT NULL,
	status         VARCHAR(16) NOT NULL,
	error_message  TEXT NOT NULL
)`

const columns = `id, started_at, finished_at, input_path, output_path, analyzed_path, samples,
	epochs_kept, epochs_dropped, peak_channel, peak_latency, peak_amplitude, auc, status, error_message`

// Storage is the run ledger.
type Storage struct {
	db      *sqlx.DB
	maxRuns int
}

// New opens the ledger and creates its table if needed. driver is "sqlite"
// (dsn is a file path, whose directory is created) or "mysql".
func New(driver, dsn string, maxRuns int) (*Storage, error) {
	switch driver {
	case "sqlite":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("failed to create ledger directory: %w", err)
			}
		}
	case "mysql":
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if driver == "sqlite" {
		// one writer at a time
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger table: %w", err)
	}
	return &Storage{db: db, maxRuns: maxRuns}, nil
}

// Close closes the database.
func (s *Storage) Close() error {
	return s.db.Close()
}

// SaveRun inserts a run, replacing any run with the same ID.
func (s *Storage) SaveRun(run *models.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}
	if _, err := tx.NamedExec(`INSERT INTO runs (`+columns+`) VALUES (:id, :started_at, :finished_at,
		:input_path, :output_path, :analyzed_path, :samples, :epochs_kept, :epochs_dropped,
		:peak_channel, :peak_latency, :peak_amplitude, :auc, :status, :error_message)`, run); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *Storage) GetRun(id string) (*models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, `SELECT `+columns+` FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns up to limit runs, most recent first. A non-positive limit returns all runs.
func (s *Storage) ListRuns(limit int) ([]models.Run, error) {
	query := `SELECT ` + columns + ` FROM runs ORDER BY started_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var runs []models.Run
	if err := s.db.Select(&runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// RotateRuns removes the oldest runs when exceeding max limit
func (s *Storage) RotateRuns() (int, error) {
	var count int
	if err := s.db.Get(&count, `SELECT COUNT(*) FROM runs`); err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	if count <= s.maxRuns {
		return 0, nil
	}

	// Find oldest runs to remove
	toRemove := count - s.maxRuns
	var ids []string
	if err := s.db.Select(&ids, `SELECT id FROM runs ORDER BY started_at ASC, id LIMIT ?`, toRemove); err != nil {
		return 0, fmt.Errorf("failed to select old runs: %w", err)
	}

	query, args, err := sqlx.In(`DELETE FROM runs WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("failed to build rotation query: %w", err)
	}
	res, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove old runs: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return len(ids), nil
	}
	return int(removed), nil
}

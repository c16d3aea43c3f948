// Package eventstore keeps an audit timeline of audio jobs in SQLite.
package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/lectern/internal/config"
)

// ErrJobNotFound is returned when no job with the given id was recorded.
var ErrJobNotFound = errors.New("job not found")

// Store records jobs and their events. With retention mode "ephemeral" it
// holds no database and every write is dropped.
type Store struct {
	db     *sql.DB
	cfg    config.EventStoreConfig
	logger *slog.Logger
	clock  func() time.Time

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Open connects to the configured database, migrates it and applies
// retention once.
func Open(ctx context.Context, cfg config.EventStoreConfig, logger *slog.Logger) (*Store, error) {
	s := &Store{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "eventstore")),
		clock:  time.Now,
	}
	if cfg.RetentionMode == "ephemeral" {
		s.logger.Info("job timeline disabled")
		return s, nil
	}

	db, err := openSQLite(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	s.db = db
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate job timeline: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			s.logger.Warn("vacuum failed", slogError(err))
		}
	}
	if err := s.Prune(ctx); err != nil {
		s.logger.Warn("startup prune failed", slogError(err))
	}
	return s, nil
}

func openSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job timeline dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open job timeline: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping job timeline: %w", err)
	}
	return db, nil
}

// Ensure checks that the store matches its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral job timeline must not hold a database")
	}
	if s.cfg.RetentionMode != "ephemeral" && s.db == nil {
		return errors.New("job timeline database is not open")
	}
	return nil
}

func (s *Store) disabled() bool {
	return s.db == nil
}

// Close stops the pruner and releases the database.
func (s *Store) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.wg.Wait()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

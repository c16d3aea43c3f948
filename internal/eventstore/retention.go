package eventstore

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Prune deletes jobs older than RetentionDays, then keeps only the newest
// MaxJobs. Events go with their job.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var expired, overflow int64
	if days := s.cfg.RetentionDays; days > 0 {
		cutoff := formatTime(s.clock().AddDate(0, 0, -days))
		// Orphaned events are dropped by age too.
		if _, err = tx.ExecContext(ctx, `DELETE FROM job_events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if expired, err = deleted(tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff)); err != nil {
			return err
		}
	}
	if s.cfg.MaxJobs > 0 {
		const q = `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?)`
		if overflow, err = deleted(tx.ExecContext(ctx, q, s.cfg.MaxJobs)); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	if expired+overflow > 0 {
		s.logger.Debug("pruned job timeline",
			slog.Int64("expired", expired),
			slog.Int64("overflow", overflow),
		)
	}
	return nil
}

func deleted(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartPruning reapplies retention every PruneInterval minutes until ctx is
// done or the store is closed. It does nothing when the interval is zero or
// the store is ephemeral.
func (s *Store) StartPruning(ctx context.Context) {
	if s.disabled() || s.cfg.PruneInterval <= 0 || s.stop != nil {
		return
	}
	ctx, s.stop = context.WithCancel(ctx)
	interval := time.Duration(s.cfg.PruneInterval) * time.Minute

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
					s.logger.Warn("scheduled prune failed", slogError(err))
				}
			}
		}
	}()
}

package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Job is one audio job as first submitted.
type Job struct {
	ID           string
	Kind         string
	ContentID    string
	ContentType  string
	ChapterIndex int
	Voice        string
	CreatedAt    time.Time
}

// Event is one entry on a job's timeline.
type Event struct {
	ID        int64
	JobID     string
	Status    string
	Progress  int
	Message   string
	Payload   []byte
	CreatedAt time.Time
}

// AppendJob records a job. Recording the same id twice keeps the first row.
func (s *Store) AppendJob(ctx context.Context, job Job) error {
	if s.disabled() {
		return nil
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.clock()
	}
	const q = `INSERT INTO jobs(job_id, kind, content_id, content_type, chapter_index, voice, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?) ON CONFLICT(job_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q, job.ID, job.Kind, job.ContentID, job.ContentType,
		job.ChapterIndex, job.Voice, formatTime(job.CreatedAt)); err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if s.disabled() {
		return nil, ErrJobNotFound
	}
	const q = `SELECT job_id, kind, content_id, content_type, chapter_index, voice, created_at
		FROM jobs WHERE job_id = ?`
	var (
		job         Job
		contentType sql.NullString
		voice       sql.NullString
		created     string
	)
	err := s.db.QueryRowContext(ctx, q, jobID).Scan(&job.ID, &job.Kind, &job.ContentID,
		&contentType, &job.ChapterIndex, &voice, &created)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	case err != nil:
		return nil, err
	}
	job.ContentType = contentType.String
	job.Voice = voice.String
	job.CreatedAt = parseTime(created)
	return &job, nil
}

// AppendEvent adds evt to its job's timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	const q = `INSERT INTO job_events(job_id, status, progress, message, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, evt.JobID, evt.Status, evt.Progress, evt.Message,
		evt.Payload, formatTime(evt.CreatedAt)); err != nil {
		return fmt.Errorf("record %s event for job %s: %w", evt.Status, evt.JobID, err)
	}
	return nil
}

// ListJobEvents returns at most limit events of a job, oldest first. A
// non-positive limit means 100.
func (s *Store) ListJobEvents(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, job_id, status, progress, message, payload, created_at
		FROM job_events WHERE job_id = ? ORDER BY id LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events of job %s: %w", jobID, err)
	}
	defer rows.Close()

	out := make([]Event, 0, 8)
	for rows.Next() {
		var (
			evt     Event
			message sql.NullString
			created string
		)
		if err := rows.Scan(&evt.ID, &evt.JobID, &evt.Status, &evt.Progress, &message, &evt.Payload, &created); err != nil {
			return nil, err
		}
		evt.Message = message.String
		evt.CreatedAt = parseTime(created)
		out = append(out, evt)
	}
	return out, rows.Err()
}

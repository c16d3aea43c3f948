package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/lectern/internal/config"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a content item or chapter audio slot does not exist.
var ErrNotFound = errors.New("content not found")

const (
	TypeCourse = "course"
	TypeBook   = "book"
)

// ValidType reports whether t names a content type.
func ValidType(t string) bool {
	return t == TypeCourse || t == TypeBook
}

type Chapter struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type QuizQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	Answer      int      `json:"answer"`
	Explanation string   `json:"explanation,omitempty"`
}

// CombinedAudio describes the cached single-track rendition of an item.
type CombinedAudio struct {
	Path         string    `json:"path"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename"`
	ChapterCount int       `json:"chapterCount"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Item is a course or book.
type Item struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Summary       string         `json:"summary,omitempty"`
	Chapters      []Chapter      `json:"chapters"`
	Quiz          []QuizQuestion `json:"quiz,omitempty"`
	Audios        map[int]string `json:"audios"`
	AudioLocation string         `json:"audioLocation,omitempty"`
	Combined      *CombinedAudio `json:"combinedAudio,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Store persists content items in SQLite. Chapter audio URLs live in their own
// table, one row per (item, chapter), so concurrent chapter jobs never overwrite
// each other.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates the database file and schema if needed.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite rejects concurrent read-to-write upgrades under WAL.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log.With(slog.String("component", "content-store")), clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS contents (
    id TEXT PRIMARY KEY,
    content_type TEXT NOT NULL,
    title TEXT NOT NULL,
    summary TEXT,
    chapters TEXT,
    quiz TEXT,
    audio_location TEXT,
    combined_audio TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_contents_type_created ON contents(content_type, created_at);
CREATE TABLE IF NOT EXISTS chapter_audio (
    content_id TEXT NOT NULL,
    chapter_index INTEGER NOT NULL,
    url TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY(content_id, chapter_index),
    FOREIGN KEY(content_id) REFERENCES contents(id) ON DELETE CASCADE
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init content schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// Create inserts item, assigning an ID and timestamps when unset.
func (s *Store) Create(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if !ValidType(item.Type) {
		return fmt.Errorf("invalid content type %q", item.Type)
	}
	chapters, err := json.Marshal(nonNilChapters(item.Chapters))
	if err != nil {
		return err
	}
	quiz, err := json.Marshal(item.Quiz)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contents(id, content_type, title, summary, chapters, quiz, audio_location, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Type, item.Title, item.Summary, string(chapters), string(quiz), item.AudioLocation, now, now)
	if err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	item.CreatedAt = parseTime(now)
	item.UpdatedAt = item.CreatedAt
	if item.Audios == nil {
		item.Audios = map[int]string{}
	}
	return nil
}

// Get loads an item with its chapter audio slots.
func (s *Store) Get(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, content_type, title, summary, chapters, quiz, audio_location, combined_audio, created_at, updated_at
		 FROM contents WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	audios, err := s.ChapterAudio(ctx, id)
	if err != nil {
		return nil, err
	}
	item.Audios = audios
	return item, nil
}

// Find loads an item and checks that it has the given type.
func (s *Store) Find(ctx context.Context, contentType, id string) (*Item, error) {
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Type != contentType {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, contentType, id)
	}
	return item, nil
}

// List returns items newest first, optionally filtered by type. Chapter audio
// slots are not loaded.
func (s *Store) List(ctx context.Context, contentType string) ([]Item, error) {
	query := `SELECT id, content_type, title, summary, chapters, quiz, audio_location, combined_audio, created_at, updated_at
		 FROM contents`
	var args []any
	if contentType != "" {
		query += ` WHERE content_type = ?`
		args = append(args, contentType)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// UpdateContent replaces the generated text fields of an item.
func (s *Store) UpdateContent(ctx context.Context, item *Item) error {
	chapters, err := json.Marshal(nonNilChapters(item.Chapters))
	if err != nil {
		return err
	}
	quiz, err := json.Marshal(item.Quiz)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET title = ?, summary = ?, chapters = ?, quiz = ?, updated_at = ? WHERE id = ?`,
		item.Title, item.Summary, string(chapters), string(quiz), s.now(), item.ID)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return requireRow(res, item.ID)
}

// SetChapterAudio records url as the audio of one chapter.
func (s *Store) SetChapterAudio(ctx context.Context, id string, index int, url string) error {
	if index < 0 {
		return fmt.Errorf("invalid chapter index %d", index)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chapter_audio(content_id, chapter_index, url, updated_at)
		 SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM contents WHERE id = ?)
		 ON CONFLICT(content_id, chapter_index) DO UPDATE SET url = excluded.url, updated_at = excluded.updated_at`,
		id, index, url, now, id)
	if err != nil {
		return fmt.Errorf("set chapter audio: %w", err)
	}
	return requireRow(res, id)
}

// ClearChapterAudio removes one chapter slot and drops combined metadata that
// included it. It returns the URL that was stored.
func (s *Store) ClearChapterAudio(ctx context.Context, id string, index int) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var url string
	err = tx.QueryRowContext(ctx,
		`SELECT url FROM chapter_audio WHERE content_id = ? AND chapter_index = ?`, id, index).Scan(&url)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: chapter %d audio of %s", ErrNotFound, index, id)
	}
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chapter_audio WHERE content_id = ? AND chapter_index = ?`, id, index); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE contents SET combined_audio = NULL, updated_at = ? WHERE id = ?`, s.now(), id); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return url, nil
}

// ChapterAudio returns the chapter index to URL mapping for an item.
func (s *Store) ChapterAudio(ctx context.Context, id string) (map[int]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chapter_index, url FROM chapter_audio WHERE content_id = ? ORDER BY chapter_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audios := map[int]string{}
	for rows.Next() {
		var index int
		var url string
		if err := rows.Scan(&index, &url); err != nil {
			return nil, err
		}
		audios[index] = url
	}
	return audios, rows.Err()
}

// SetAudioLocation stores the whole-content audio URL.
func (s *Store) SetAudioLocation(ctx context.Context, id, url string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET audio_location = ?, updated_at = ? WHERE id = ?`, url, s.now(), id)
	if err != nil {
		return fmt.Errorf("set audio location: %w", err)
	}
	return requireRow(res, id)
}

// SetCombinedAudio stores combined metadata. A nil value clears it.
func (s *Store) SetCombinedAudio(ctx context.Context, id string, combined *CombinedAudio) error {
	var value any
	if combined != nil {
		data, err := json.Marshal(combined)
		if err != nil {
			return err
		}
		value = string(data)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE contents SET combined_audio = ?, updated_at = ? WHERE id = ?`, value, s.now(), id)
	if err != nil {
		return fmt.Errorf("set combined audio: %w", err)
	}
	return requireRow(res, id)
}

// SortedIndexes returns the chapter indexes of audios in ascending order.
func SortedIndexes(audios map[int]string) []int {
	indexes := make([]int, 0, len(audios))
	for i := range audios {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	return indexes
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var (
		item                    Item
		summary, chapters, quiz sql.NullString
		audioLocation, combined sql.NullString
		createdAt, updatedAt    string
	)
	if err := row.Scan(&item.ID, &item.Type, &item.Title, &summary, &chapters, &quiz,
		&audioLocation, &combined, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item.Summary = summary.String
	item.AudioLocation = audioLocation.String
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	item.Audios = map[int]string{}
	if chapters.Valid && chapters.String != "" {
		if err := json.Unmarshal([]byte(chapters.String), &item.Chapters); err != nil {
			return nil, fmt.Errorf("decode chapters of %s: %w", item.ID, err)
		}
	}
	if quiz.Valid && quiz.String != "" && quiz.String != "null" {
		if err := json.Unmarshal([]byte(quiz.String), &item.Quiz); err != nil {
			return nil, fmt.Errorf("decode quiz of %s: %w", item.ID, err)
		}
	}
	if combined.Valid && combined.String != "" {
		var c CombinedAudio
		if err := json.Unmarshal([]byte(combined.String), &c); err != nil {
			return nil, fmt.Errorf("decode combined audio of %s: %w", item.ID, err)
		}
		item.Combined = &c
	}
	return &item, nil
}

func parseTime(s string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nonNilChapters(chapters []Chapter) []Chapter {
	if chapters == nil {
		return []Chapter{}
	}
	return chapters
}

package combiner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/lectern/internal/blob"
	"github.com/loqalabs/lectern/internal/config"
	"github.com/loqalabs/lectern/internal/content"
)

const instrumentation = "github.com/loqalabs/lectern/combiner"

// OutputFilename is the name of every combined track.
const OutputFilename = "combined_audio.mp3"

const defaultTimeout = 5 * time.Minute

var (
	// ErrNoChapterAudio is returned when an item has no chapter audio at all.
	ErrNoChapterAudio = errors.New("no chapter audio to combine")

	// ErrMissingChapter is returned when a chapter in the sequence has no audio file.
	ErrMissingChapter = errors.New("missing chapter audio file")
)

// Store is the persistence the combiner reads and updates.
type Store interface {
	Find(ctx context.Context, contentType, id string) (*content.Item, error)
	SetCombinedAudio(ctx context.Context, id string, combined *content.CombinedAudio) error
}

// Options tunes one combine call.
type Options struct {
	Timeout time.Duration
	Force   bool
}

// Result is the combined track metadata. IsExisting is set when a cached
// track was returned without merging.
type Result struct {
	content.CombinedAudio
	IsExisting bool `json:"isExisting"`
}

// Combiner merges per-chapter audio into one track per content item.
type Combiner struct {
	cfg      config.CombinerConfig
	store    Store
	blobs    blob.Store
	ffmpeg   []string
	log      *slog.Logger
	combines metric.Int64Counter
	now      func() time.Time
}

func New(cfg config.CombinerConfig, store Store, blobs blob.Store, logger *slog.Logger) (*Combiner, error) {
	c := &Combiner{
		cfg:   cfg,
		store: store,
		blobs: blobs,
		log:   logger.With(slog.String("component", "combiner")),
		now:   time.Now,
	}
	switch cfg.Mode {
	case "", "copy":
	case "ffmpeg":
		args, err := shellwords.Parse(cfg.FFmpegCommand)
		if err != nil {
			return nil, fmt.Errorf("parse ffmpeg command: %w", err)
		}
		if len(args) == 0 {
			return nil, fmt.Errorf("ffmpeg command empty")
		}
		c.ffmpeg = args
	default:
		return nil, fmt.Errorf("unknown combiner mode %q", cfg.Mode)
	}
	combines, err := otel.Meter(instrumentation).Int64Counter("lectern.audio.combines",
		metric.WithDescription("Combine requests by result"))
	if err == nil {
		c.combines = combines
	}
	return c, nil
}

// Combine joins the chapter audio of an item in ascending chapter order. The
// whole operation is bounded by opts.Timeout (or the configured default).
func (c *Combiner) Combine(ctx context.Context, contentType, id string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(c.cfg.DefaultTimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer(instrumentation).Start(ctx, "combiner.combine")
	span.SetAttributes(
		attribute.String("content.id", id),
		attribute.String("content.type", contentType),
		attribute.Bool("combine.force", opts.Force),
	)
	defer span.End()

	res, err := c.combine(ctx, contentType, id, opts.Force)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("combine timed out after %s: %w", timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.count("error")
		return nil, err
	}
	if res.IsExisting {
		c.count("existing")
	} else {
		c.count("created")
	}
	return res, nil
}

func (c *Combiner) combine(ctx context.Context, contentType, id string, force bool) (*Result, error) {
	item, err := c.store.Find(ctx, contentType, id)
	if err != nil {
		return nil, err
	}
	if !force && item.Combined != nil {
		if _, err := os.Stat(item.Combined.Path); err == nil {
			c.log.Debug("combined audio cached", slog.String("content_id", item.ID))
			return &Result{CombinedAudio: *item.Combined, IsExisting: true}, nil
		}
	}

	sources, err := chapterSources(item.Audios)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(c.cfg.OutputDir, item.Type, item.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create combined dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".combined-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("create combined file: %w", err)
	}
	tmpName := tmp.Name()
	if c.ffmpeg == nil {
		err = c.concatCopy(ctx, sources, tmp)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
	} else {
		tmp.Close()
		err = c.concatFFmpeg(ctx, sources, tmpName)
	}
	if err != nil {
		os.Remove(tmpName)
		return nil, err
	}

	info, err := os.Stat(tmpName)
	if err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	out := filepath.Join(dir, OutputFilename)
	if err := os.Rename(tmpName, out); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("publish combined file: %w", err)
	}

	meta := content.CombinedAudio{
		Path:         out,
		URL:          c.publicURL(item.Type, item.ID),
		Filename:     OutputFilename,
		ChapterCount: len(sources),
		Size:         info.Size(),
		CreatedAt:    c.now().UTC(),
	}
	if err := c.store.SetCombinedAudio(ctx, item.ID, &meta); err != nil {
		os.Remove(out)
		return nil, fmt.Errorf("record combined audio: %w", err)
	}
	c.log.Info("combined audio created",
		slog.String("content_id", item.ID),
		slog.Int("chapters", len(sources)),
		slog.Int64("size", meta.Size))
	return &Result{CombinedAudio: meta}, nil
}

// chapterSources orders chapter audio URLs by index. Indexes must run 0..n-1.
func chapterSources(audios map[int]string) ([]string, error) {
	if len(audios) == 0 {
		return nil, ErrNoChapterAudio
	}
	indexes := content.SortedIndexes(audios)
	sources := make([]string, 0, len(indexes))
	for i, idx := range indexes {
		if idx != i {
			return nil, fmt.Errorf("%w: chapter %d", ErrMissingChapter, i)
		}
		sources = append(sources, audios[idx])
	}
	return sources, nil
}

func (c *Combiner) concatCopy(ctx context.Context, sources []string, w io.Writer) error {
	for i, src := range sources {
		if err := c.copySource(ctx, i, src, w); err != nil {
			return err
		}
	}
	return nil
}

func (c *Combiner) copySource(ctx context.Context, index int, src string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rc, err := c.blobs.Open(ctx, src)
	if errors.Is(err, blob.ErrNotExist) {
		return fmt.Errorf("%w: chapter %d (%s)", ErrMissingChapter, index, src)
	}
	if err != nil {
		return fmt.Errorf("open chapter %d audio: %w", index, err)
	}
	defer rc.Close()
	if _, err := io.Copy(w, &ctxReader{ctx: ctx, r: rc}); err != nil {
		return fmt.Errorf("copy chapter %d audio: %w", index, err)
	}
	return nil
}

// concatFFmpeg stages sources in a temp dir and joins them with the concat demuxer.
func (c *Combiner) concatFFmpeg(ctx context.Context, sources []string, out string) error {
	stage, err := os.MkdirTemp("", "lectern-combine-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	var list strings.Builder
	for i, src := range sources {
		name := filepath.Join(stage, fmt.Sprintf("chapter_%04d.mp3", i))
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		err = c.copySource(ctx, i, src, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(name, "'", `'\''`))
	}
	listPath := filepath.Join(stage, "list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return err
	}

	args := append(append([]string{}, c.ffmpeg[1:]...),
		"-y", "-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", out)
	cmd := exec.CommandContext(ctx, c.ffmpeg[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("ffmpeg concat: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (c *Combiner) publicURL(contentType, id string) string {
	return strings.TrimRight(c.cfg.PublicURL, "/") + "/" + path.Join(contentType, id, OutputFilename)
}

func (c *Combiner) count(result string) {
	if c.combines == nil {
		return
	}
	c.combines.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

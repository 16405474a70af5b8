// Package builder runs the end-to-end archive pipeline: dedupe the
// selection, expand folders, fetch every file with bounded concurrency,
// write the zip and persist tracking once.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"coursezipgo/internal/archive"
	"coursezipgo/internal/expand"
	"coursezipgo/internal/fetch"
	"coursezipgo/internal/models"
	"coursezipgo/internal/resource"
	"coursezipgo/internal/telemetry"
	"coursezipgo/internal/tracking"
)

// Build states. Per-file failures never leave the fetching state; only
// serialization or the final tracking persist can fail a build.
type State string

const (
	StateIdle        State = "idle"
	StateExpanding   State = "expanding"
	StateFetching    State = "fetching"
	StateSerializing State = "serializing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// ErrBusy is returned when a build is requested while another one is in
// flight. The tracking store is single-writer; builds never overlap.
var ErrBusy = errors.New("a build is already in progress")

const DefaultWorkers = 3

type ProgressFunc func(models.Progress)

type Builder struct {
	engine   *fetch.Engine
	expander *expand.Expander
	tracking *tracking.Store
	counters *telemetry.Counters
	workers  int
	log      *slog.Logger

	mu   sync.Mutex
	busy bool
}

func New(engine *fetch.Engine, expander *expand.Expander, store *tracking.Store,
	counters *telemetry.Counters, workers int, log *slog.Logger) *Builder {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Builder{
		engine:   engine,
		expander: expander,
		tracking: store,
		counters: counters,
		workers:  workers,
		log:      log.With(slog.String("item", "Builder")),
	}
}

func (b *Builder) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.busy
}

// Tracking exposes the store for status reads and resets.
func (b *Builder) Tracking() *tracking.Store {
	return b.tracking
}

func (b *Builder) Counters() *telemetry.Counters {
	return b.counters
}

// session is the state owned by one in-flight build. Created at build
// start, discarded at completion; nothing build-scoped outlives it.
type session struct {
	id     string
	state  State
	writer *archive.Writer

	mu      sync.Mutex
	failed  []string
	success int
	done    int
}

func (s *session) fail(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, url)
	s.done++
	return s.done
}

func (s *session) succeed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.success++
	s.done++
	return s.done
}

// Build runs one full pipeline pass. On a tracking persist failure the
// archive bytes are still returned alongside the error, because the
// archive itself is intact; callers must treat the build as failed.
func (b *Builder) Build(ctx context.Context, resources []models.Resource, onProgress ProgressFunc) (*models.BuildResult, error) {
	b.mu.Lock()
	if b.busy {
		b.mu.Unlock()
		return nil, ErrBusy
	}
	b.busy = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.busy = false
		b.mu.Unlock()
	}()

	sess := &session{
		id:     uuid.NewString(),
		state:  StateExpanding,
		writer: archive.NewWriter(),
	}
	log := b.log.With(slog.String("build", sess.id))
	log.Info("Build started", slog.Int("selected", len(resources)))

	files := b.expandSelection(ctx, sess, resource.Dedupe(resources), log)
	// A folder's children can overlap with independently selected files.
	files = resource.Dedupe(files)

	sess.state = StateFetching
	b.fetchAll(ctx, sess, files, onProgress, log)

	sess.state = StateSerializing
	archiveBytes, err := sess.writer.Serialize(func(percent int) {
		if onProgress != nil {
			onProgress(models.Progress{Phase: models.PhaseZip, Current: percent, Total: 100})
		}
	})
	if err != nil {
		sess.state = StateFailed
		return nil, fmt.Errorf("cannot serialize archive: %w", err)
	}

	result := &models.BuildResult{
		ArchiveBytes: archiveBytes,
		FailedURLs:   sess.failed,
		SuccessCount: sess.success,
		TotalCount:   len(files),
	}

	if err := b.tracking.Persist(ctx); err != nil {
		sess.state = StateFailed
		log.Error("Tracking persist failed", slog.Any("error", err))
		return result, fmt.Errorf("cannot persist tracking: %w", err)
	}

	sess.state = StateDone
	log.Info("Build finished",
		slog.Int("success", sess.success),
		slog.Int("failed", len(sess.failed)),
		slog.Int("archive_bytes", len(archiveBytes)))
	return result, nil
}

// expandSelection turns the deduped selection into a flat file list,
// expanding each folder one level. A folder whose listing cannot be
// fetched is skipped and counted; the build goes on.
func (b *Builder) expandSelection(ctx context.Context, sess *session, selection []models.Resource, log *slog.Logger) []models.Resource {
	files := make([]models.Resource, 0, len(selection))
	for _, res := range selection {
		if res.Kind != models.KindFolder {
			files = append(files, res)
			continue
		}
		children, err := b.expander.Expand(ctx, res)
		if err != nil {
			b.counters.Inc(fetch.KindFolder)
			sess.mu.Lock()
			sess.failed = append(sess.failed, res.URL)
			sess.mu.Unlock()
			log.Warn("Folder expansion failed", "url", res.URL, "error", err)
			continue
		}
		files = append(files, children...)
	}
	return files
}

func (b *Builder) fetchAll(ctx context.Context, sess *session, files []models.Resource, onProgress ProgressFunc, log *slog.Logger) {
	total := len(files)

	var eg errgroup.Group
	eg.SetLimit(b.workers)
	for _, res := range files {
		res := res
		eg.Go(func() error {
			b.fetchOne(ctx, sess, res, total, onProgress, log)
			// Per-file isolation: a failed file never aborts the batch.
			return nil
		})
	}
	_ = eg.Wait() // workers always return nil
}

func (b *Builder) fetchOne(ctx context.Context, sess *session, res models.Resource, total int, onProgress ProgressFunc, log *slog.Logger) {
	result, err := b.engine.FetchFile(ctx, res, nil)
	if err != nil {
		kind := fetch.Classify(err)
		b.counters.Inc(kind)
		done := sess.fail(res.URL)
		log.Warn("Fetch failed", "url", res.URL, "kind", kind, "error", err)
		if onProgress != nil {
			onProgress(models.Progress{Phase: models.PhaseFetch, Current: done, Total: total, FileName: res.Name})
		}
		return
	}

	entryPath := sess.writer.Add(res.ArchivePath, result.FileName, result.Bytes)
	identity := resource.NormalizeIdentity(res.URL)
	b.tracking.RecordSuccess(identity, resource.ContentHash(result.Bytes), result.FileName, time.Now().UnixMilli())

	done := sess.succeed()
	log.Debug("Archived", "path", entryPath, "bytes", len(result.Bytes))
	if onProgress != nil {
		onProgress(models.Progress{Phase: models.PhaseFetch, Current: done, Total: total, FileName: result.FileName})
	}
}

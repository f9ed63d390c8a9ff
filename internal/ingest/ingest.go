// Package ingest implements C7: the embed/update/compact/stats
// orchestration that drives C2–C6 over the configured sources (§4.7 of
// SPEC_FULL.md).
package ingest

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vasic-digital/embedder/internal/chunker"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/model"
	"github.com/vasic-digital/embedder/internal/source"
	"github.com/vasic-digital/embedder/internal/store"
)

// maxConsecutiveFailures is the quarantine threshold of §4.7 update().
const maxConsecutiveFailures = 3

// Embedder is the subset of C4 the engine depends on.
type Embedder interface {
	Generate(texts []string, kind model.EmbedKind) ([][]float64, error)
}

// EmbedStats summarizes one embed() run.
type EmbedStats struct {
	FilesEmbedded  int
	ChunksAdded    int
	TokensEmbedded int
}

// UpdateStats summarizes one update() run (§4.7 UpdateInfo).
type UpdateStats struct {
	New       int
	Modified  int
	Deleted   int
	Unchanged int
}

// Report is the cached result of stats() (§4.7 stats()).
type Report struct {
	TotalFiles     int            `json:"total_files"`
	TotalLines     int            `json:"total_lines"`
	TotalSizeBytes int64          `json:"total_size_bytes"`
	ByLanguage     map[string]int `json:"by_language"`
	ByDirectory    map[string]int `json:"by_directory"`
	TopFiles       []TopFile      `json:"top_files"`
}

type TopFile struct {
	Path   string `json:"path"`
	Chunks int    `json:"chunks"`
}

// Engine orchestrates ingest against a store, source processor, chunker,
// and embedding client.
type Engine struct {
	mu         sync.Mutex
	cfg        *config.Config
	configPath string
	src        *source.Processor
	chunker    *chunker.Chunker
	embed      Embedder
	store      *store.Store
	log        *logrus.Logger
	failures   map[string]int
	ignoreSet  map[string]bool // in-memory only; not persisted across restarts (§9 open question)
	statsCache *Report
}

// New builds an Engine. configPath, if non-empty, is re-read at the top of
// every Update() call (§4.7 update()); pass "" to skip reload (e.g. a
// config built in-process without a backing file).
func New(cfg *config.Config, src *source.Processor, ch *chunker.Chunker, embed Embedder, st *store.Store, log *logrus.Logger, configPath string) *Engine {
	if log == nil {
		log = logrus.New()
	}
	return &Engine{
		cfg:        cfg,
		configPath: configPath,
		src:        src,
		chunker:    ch,
		embed:      embed,
		store:      st,
		log:        log,
		failures:   make(map[string]int),
		ignoreSet:  make(map[string]bool),
	}
}

// Embed collects and indexes every currently untracked source (§4.7
// embed(no_prompt)).
func (e *Engine) Embed(noPrompt bool) (EmbedStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var stats EmbedStats
	changed := false
	for _, coll := range e.src.CollectSources(false) {
		if coll.IsURL {
			continue // URL sources are handled via explicit POST /api/documents, not bulk embed
		}
		tracked, err := e.store.FileExistsInMetadata(coll.SourceID)
		if err != nil {
			e.log.WithError(err).WithField("source", coll.SourceID).Warn("ingest: file_exists_in_metadata failed")
			continue
		}
		if tracked {
			continue
		}
		added, err := e.embedOneFile(coll.SourceID)
		if err != nil {
			e.log.WithError(err).WithField("source", coll.SourceID).Warn("ingest: embed failed for file")
			continue
		}
		stats.FilesEmbedded++
		stats.ChunksAdded += added
		changed = true
	}
	if changed {
		if err := e.store.Persist(); err != nil {
			e.log.WithError(err).Warn("ingest: persist failed after embed")
		}
		e.statsCache = nil
	}
	return stats, nil
}

// embedOneFile reads, chunks, and batch-embeds a single file within one
// transaction. Caller must hold e.mu.
func (e *Engine) embedOneFile(path string) (int, error) {
	content, err := e.src.ReadFile(path)
	if err != nil {
		return 0, err
	}
	opts := chunker.Options{
		MinTokens:    e.cfg.Chunking.NofMinTokens,
		MaxTokens:    e.cfg.Chunking.NofMaxTokens,
		OverlapRatio: e.cfg.Chunking.OverlapPercentage,
		Semantic:     e.cfg.Chunking.Semantic,
	}
	chunks := e.chunker.Chunk(content, path, opts)
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := e.store.BeginTransaction()
	if err != nil {
		return 0, err
	}
	if err := e.embedAndInsert(tx, chunks); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// embedAndInsert embeds chunks in batches of embedding.batch_size,
// prepending embedding.prepend_label_format, and inserts them (§4.7 embed).
func (e *Engine) embedAndInsert(tx *store.Tx, chunks []model.Chunk) error {
	batchSize := e.cfg.Embedding.BatchSize
	if batchSize <= 0 {
		batchSize = len(chunks)
	}
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = applyLabel(e.cfg.Embedding.PrependLabelFormat, c.SourceID, c.Content)
		}
		vectors, err := e.embed.Generate(texts, model.Document)
		if err != nil {
			return err
		}
		if _, err := tx.AddDocuments(batch, vectors); err != nil {
			return err
		}
	}
	return nil
}

func applyLabel(format, sourceID, content string) string {
	if format == "" {
		return content
	}
	if strings.Contains(format, "{}") {
		return strings.Replace(format, "{}", sourceID, 1) + content
	}
	return format + content
}

// reloadConfig best-effort re-reads the settings file so that source-path
// and chunking changes made after startup are picked up by update() (§4.7
// update(): "re-read settings file (best effort; log and continue on parse
// error)"). Caller must hold e.mu. No-op if the engine wasn't given a
// config path.
func (e *Engine) reloadConfig() {
	if e.configPath == "" {
		return
	}
	cfg, err := config.Load(e.configPath)
	if err != nil {
		e.log.WithError(err).WithField("path", e.configPath).Warn("ingest: failed to reload settings file, keeping previous config")
		return
	}
	e.cfg = cfg
	e.src.SetConfig(cfg.Source)
}

// Update re-scans sources and applies the failure-quarantine policy
// (§4.7 update()).
func (e *Engine) Update() (UpdateStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.reloadConfig()

	tracked, err := e.store.GetTrackedFiles()
	if err != nil {
		return UpdateStats{}, err
	}
	if len(tracked) == 0 {
		stats, err := e.embedLocked(true)
		return UpdateStats{New: stats.FilesEmbedded}, err
	}

	trackedMap := make(map[string]model.FileMetadata, len(tracked))
	for _, m := range tracked {
		trackedMap[m.Path] = m
	}

	current := make(map[string]bool)
	var stats UpdateStats
	changed := false

	for _, coll := range e.src.CollectSources(false) {
		if coll.IsURL || e.ignoreSet[coll.SourceID] {
			continue
		}
		current[coll.SourceID] = true
		meta, isTracked := trackedMap[coll.SourceID]
		if !isTracked {
			if e.reembedFile(coll.SourceID) {
				stats.New++
				changed = true
			}
			continue
		}
		statMtime, statSize, ok := e.statFile(coll.SourceID)
		if !ok || (statMtime == meta.LastModified && statSize == meta.FileSize) {
			stats.Unchanged++
			continue
		}
		if e.reembedFile(coll.SourceID) {
			stats.Modified++
			changed = true
		}
	}

	for path := range trackedMap {
		if current[path] {
			continue
		}
		if e.deleteFile(path) {
			stats.Deleted++
			changed = true
		}
	}

	if changed {
		if err := e.store.Persist(); err != nil {
			e.log.WithError(err).Warn("ingest: persist failed after update")
		}
		e.statsCache = nil
	}
	return stats, nil
}

func (e *Engine) embedLocked(noPrompt bool) (EmbedStats, error) {
	// Update's path when nothing is tracked yet: embeds every collected file
	// like Embed, but is callable while e.mu is already held and applies the
	// same failure-quarantine policy as reembedFile.
	var stats EmbedStats
	changed := false
	for _, coll := range e.src.CollectSources(false) {
		if coll.IsURL || e.ignoreSet[coll.SourceID] {
			continue
		}
		added, err := e.embedOneFile(coll.SourceID)
		if err != nil {
			e.log.WithError(err).WithField("source", coll.SourceID).Warn("ingest: embed failed for file")
			e.recordFailure(coll.SourceID)
			continue
		}
		delete(e.failures, coll.SourceID)
		stats.FilesEmbedded++
		stats.ChunksAdded += added
		changed = true
	}
	if changed {
		if err := e.store.Persist(); err != nil {
			e.log.WithError(err).Warn("ingest: persist failed after embed")
		}
		e.statsCache = nil
	}
	return stats, nil
}

func (e *Engine) statFile(path string) (mtime, size int64, ok bool) {
	return source.StatModTimeAndSize(path)
}

// reembedFile replaces path's chunks within one transaction, applying the
// 3-strike quarantine policy on failure (§4.7 "On exception: rollback ...
// increment per-file failure count").
func (e *Engine) reembedFile(path string) bool {
	content, err := e.src.ReadFile(path)
	if err != nil {
		e.recordFailure(path)
		return false
	}
	opts := chunker.Options{
		MinTokens:    e.cfg.Chunking.NofMinTokens,
		MaxTokens:    e.cfg.Chunking.NofMaxTokens,
		OverlapRatio: e.cfg.Chunking.OverlapPercentage,
		Semantic:     e.cfg.Chunking.Semantic,
	}
	chunks := e.chunker.Chunk(content, path, opts)

	tx, err := e.store.BeginTransaction()
	if err != nil {
		e.recordFailure(path)
		return false
	}
	if _, err := tx.DeleteDocumentsBySource(path); err != nil {
		tx.Rollback()
		e.recordFailure(path)
		return false
	}
	if len(chunks) > 0 {
		if err := e.embedAndInsert(tx, chunks); err != nil {
			tx.Rollback()
			e.recordFailure(path)
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		e.recordFailure(path)
		return false
	}
	delete(e.failures, path)
	return true
}

func (e *Engine) deleteFile(path string) bool {
	tx, err := e.store.BeginTransaction()
	if err != nil {
		return false
	}
	if _, err := tx.DeleteDocumentsBySource(path); err != nil {
		tx.Rollback()
		return false
	}
	if err := tx.RemoveFileMetadata(path); err != nil {
		tx.Rollback()
		return false
	}
	return tx.Commit() == nil
}

func (e *Engine) recordFailure(path string) {
	e.failures[path]++
	if e.failures[path] >= maxConsecutiveFailures {
		e.ignoreSet[path] = true
		e.log.WithField("path", path).Warn("ingest: file quarantined after repeated failures")
	}
}

// Compact requests the store to reclaim deleted-vector space (§4.7
// compact()).
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Compact()
}

// Stats returns the cached file-system summary, recomputing it if absent
// (§4.7 stats()).
func (e *Engine) Stats() (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.statsCache != nil {
		return *e.statsCache, nil
	}
	report, err := e.computeStats()
	if err != nil {
		return Report{}, err
	}
	e.statsCache = &report
	return report, nil
}

func (e *Engine) computeStats() (Report, error) {
	tracked, err := e.store.GetTrackedFiles()
	if err != nil {
		return Report{}, fmt.Errorf("ingest: stats: %w", err)
	}
	counts, err := e.store.GetChunkCountsBySource()
	if err != nil {
		return Report{}, fmt.Errorf("ingest: stats: %w", err)
	}

	report := Report{
		ByLanguage:  make(map[string]int),
		ByDirectory: make(map[string]int),
	}
	report.TotalFiles = len(tracked)
	for _, m := range tracked {
		report.TotalLines += m.NofLines
		report.TotalSizeBytes += m.FileSize
		ext := filepath.Ext(m.Path)
		if ext == "" {
			ext = "(none)"
		}
		report.ByLanguage[ext]++
		report.ByDirectory[filepath.Dir(m.Path)]++
	}

	top := make([]TopFile, 0, len(tracked))
	for _, m := range tracked {
		top = append(top, TopFile{Path: m.Path, Chunks: counts[m.Path]})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Chunks != top[j].Chunks {
			return top[i].Chunks > top[j].Chunks
		}
		return top[i].Path < top[j].Path
	})
	if len(top) > 10 {
		top = top[:10]
	}
	report.TopFiles = top
	return report, nil
}

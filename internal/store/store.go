// Package store implements C6: the hybrid vector store pairing a SQLite
// relational store of chunk/file metadata with an in-process ANN index,
// kept mutually consistent under a single lock (§4.6 of SPEC_FULL.md).
package store

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/vasic-digital/embedder/internal/annindex"
	"github.com/vasic-digital/embedder/internal/apperrors"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content TEXT NOT NULL,
	source_id TEXT NOT NULL,
	start INTEGER NOT NULL,
	end INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	unit TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_id);

CREATE TABLE IF NOT EXISTS files_metadata (
	path TEXT PRIMARY KEY,
	last_modified INTEGER NOT NULL,
	file_size INTEGER NOT NULL,
	nof_lines INTEGER NOT NULL,
	indexed_at INTEGER NOT NULL
);
`

// Store is the C6 hybrid vector store: a SQLite relational substore plus an
// ANN index, serialized behind a single mutex (§4.6, §5 shared-resource
// policy).
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	index     *annindex.Index
	indexPath string
	dim       int
	metric    annindex.Metric
	log       *logrus.Logger
}

// Open opens (creating if absent) the relational store at cfg.SqlitePath
// and loads or initializes the ANN index at cfg.IndexPath (§6 Persisted
// state).
func Open(cfg config.DatabaseConfig, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open("sqlite", cfg.SqlitePath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w: %w", cfg.SqlitePath, apperrors.ErrStorageFailure, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.WithError(err).WithField("pragma", pragma).Warn("store: failed to set pragma")
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w: %w", apperrors.ErrStorageFailure, err)
	}

	metric := annindex.Cosine
	if cfg.DistanceMetric == "l2" {
		metric = annindex.L2
	}
	idx, err := annindex.Load(cfg.IndexPath, cfg.VectorDim, metric, cfg.MaxElements)
	if err != nil {
		log.WithError(err).WithField("path", cfg.IndexPath).Warn("store: ANN index corrupt, starting fresh")
	}

	return &Store{
		db:        db,
		index:     idx,
		indexPath: cfg.IndexPath,
		dim:       cfg.VectorDim,
		metric:    metric,
		log:       log,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx wraps one relational transaction plus the ANN mutations staged to
// apply only on successful commit (§4.6 "reference policy: on transaction
// rollback, do not propagate ANN mutations", achieved here by staging).
type Tx struct {
	store   *Store
	sqlTx   *sql.Tx
	staged  []stagedInsert
	deletes []int64
	done    bool
}

type stagedInsert struct {
	label  int64
	vector []float64
}

// BeginTransaction locks the store and starts a relational transaction.
// Callers must not span multiple source files within one transaction (§5).
func (s *Store) BeginTransaction() (*Tx, error) {
	s.mu.Lock()
	sqlTx, err := s.db.Begin()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("store: begin transaction: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return &Tx{store: s, sqlTx: sqlTx}, nil
}

// Commit applies the relational transaction, then applies staged ANN
// inserts and deletes, then releases the store lock.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	defer func() { t.done = true; t.store.mu.Unlock() }()

	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w: %w", apperrors.ErrStorageFailure, err)
	}
	for _, ins := range t.staged {
		_ = t.store.index.Insert(ins.vector, ins.label)
	}
	for _, label := range t.deletes {
		t.store.index.MarkDeleted(label)
	}
	return nil
}

// Rollback discards the relational transaction and all staged ANN
// mutations.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	defer func() { t.done = true; t.store.mu.Unlock() }()
	if err := t.sqlTx.Rollback(); err != nil {
		return fmt.Errorf("store: rollback: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return nil
}

// AddDocument inserts chunk metadata and stages the vector for ANN
// insertion on commit (§4.6 add_document).
func (t *Tx) AddDocument(chunk model.Chunk, vector []float64) (int64, error) {
	if len(vector) != t.store.dim {
		return 0, fmt.Errorf("store: vector has dimension %d, want %d: %w", len(vector), t.store.dim, apperrors.ErrPrecondition)
	}
	now := time.Now().Unix()
	res, err := t.sqlTx.Exec(
		`INSERT INTO chunks (content, source_id, start, end, token_count, unit, type, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.Content, chunk.SourceID, chunk.Start, chunk.End, chunk.TokenCount, string(chunk.Unit), string(chunk.Type), now,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert chunk: %w: %w", apperrors.ErrStorageFailure, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: last insert id: %w: %w", apperrors.ErrStorageFailure, err)
	}

	if err := upsertFileMetadataTx(t.sqlTx, chunk.SourceID, now); err != nil {
		return 0, err
	}

	t.staged = append(t.staged, stagedInsert{label: id, vector: vector})
	return id, nil
}

// AddDocuments applies AddDocument per (chunk, vector) pair.
func (t *Tx) AddDocuments(chunks []model.Chunk, vectors [][]float64) ([]int64, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("store: %d chunks vs %d vectors: %w", len(chunks), len(vectors), apperrors.ErrPrecondition)
	}
	ids := make([]int64, len(chunks))
	for i := range chunks {
		id, err := t.AddDocument(chunks[i], vectors[i])
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// DeleteDocumentsBySource deletes matching chunk rows and stages the ANN
// labels for mark-deleted on commit (§4.6 delete_documents_by_source).
// Callers must remove file metadata separately within the same transaction.
func (t *Tx) DeleteDocumentsBySource(sourceID string) (int, error) {
	rows, err := t.sqlTx.Query(`SELECT id FROM chunks WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("store: select chunk ids: %w: %w", apperrors.ErrStorageFailure, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: scan chunk id: %w: %w", apperrors.ErrStorageFailure, err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	res, err := t.sqlTx.Exec(`DELETE FROM chunks WHERE source_id = ?`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("store: delete chunks: %w: %w", apperrors.ErrStorageFailure, err)
	}
	n, _ := res.RowsAffected()
	t.deletes = append(t.deletes, ids...)
	return int(n), nil
}

// RemoveFileMetadata deletes path's tracked-file row.
func (t *Tx) RemoveFileMetadata(path string) error {
	if _, err := t.sqlTx.Exec(`DELETE FROM files_metadata WHERE path = ?`, path); err != nil {
		return fmt.Errorf("store: remove file metadata: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return nil
}

func upsertFileMetadataTx(sqlTx *sql.Tx, path string, now int64) error {
	info, err := os.Stat(path)
	if err != nil {
		// URL-derived source ids or already-deleted files: nothing to track.
		return nil
	}
	lines, _ := countLines(path)
	_, execErr := sqlTx.Exec(
		`INSERT INTO files_metadata (path, last_modified, file_size, nof_lines, indexed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET last_modified=excluded.last_modified, file_size=excluded.file_size, nof_lines=excluded.nof_lines, indexed_at=excluded.indexed_at`,
		path, info.ModTime().UTC().Unix(), info.Size(), lines, now,
	)
	if execErr != nil {
		return fmt.Errorf("store: upsert file metadata: %w: %w", apperrors.ErrStorageFailure, execErr)
	}
	return nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	return strings.Count(string(data), "\n") + 1, nil
}

// UpsertFileMetadata writes/updates a tracked-file row outside a
// transaction (used directly by callers that already hold no lock).
func (s *Store) UpsertFileMetadata(meta model.FileMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO files_metadata (path, last_modified, file_size, nof_lines, indexed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET last_modified=excluded.last_modified, file_size=excluded.file_size, nof_lines=excluded.nof_lines, indexed_at=excluded.indexed_at`,
		meta.Path, meta.LastModified, meta.FileSize, meta.NofLines, meta.IndexedAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert file metadata: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return nil
}

func (s *Store) FileExistsInMetadata(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM files_metadata WHERE path = ?`, path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: file_exists_in_metadata: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return n > 0, nil
}

func (s *Store) GetTrackedFiles() ([]model.FileMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT path, last_modified, file_size, nof_lines, indexed_at FROM files_metadata ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("store: get_tracked_files: %w: %w", apperrors.ErrStorageFailure, err)
	}
	defer rows.Close()
	var out []model.FileMetadata
	for rows.Next() {
		var m model.FileMetadata
		if err := rows.Scan(&m.Path, &m.LastModified, &m.FileSize, &m.NofLines, &m.IndexedAt); err != nil {
			return nil, fmt.Errorf("store: scan file metadata: %w: %w", apperrors.ErrStorageFailure, err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) GetChunkIDsBySource(sourceID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id FROM chunks WHERE source_id = ? ORDER BY id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("store: get_chunk_ids_by_source: %w: %w", apperrors.ErrStorageFailure, err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan chunk id: %w: %w", apperrors.ErrStorageFailure, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) GetChunkData(chunkID int64) (model.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getChunkDataLocked(chunkID)
}

func (s *Store) getChunkDataLocked(chunkID int64) (model.Chunk, error) {
	row := s.db.QueryRow(`SELECT id, content, source_id, start, end, token_count, unit, type FROM chunks WHERE id = ?`, chunkID)
	var c model.Chunk
	var unit, typ string
	if err := row.Scan(&c.ID, &c.Content, &c.SourceID, &c.Start, &c.End, &c.TokenCount, &unit, &typ); err != nil {
		if err == sql.ErrNoRows {
			return model.Chunk{}, fmt.Errorf("store: chunk %d: %w", chunkID, apperrors.ErrNotFound)
		}
		return model.Chunk{}, fmt.Errorf("store: get_chunk_data: %w: %w", apperrors.ErrStorageFailure, err)
	}
	c.Unit = model.Unit(unit)
	c.Type = model.ContentType(typ)
	return c, nil
}

func (s *Store) GetChunkCountsBySource() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT source_id, COUNT(1) FROM chunks GROUP BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("store: get_chunk_counts_by_source: %w: %w", apperrors.ErrStorageFailure, err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, fmt.Errorf("store: scan chunk count: %w: %w", apperrors.ErrStorageFailure, err)
		}
		out[src] = n
	}
	return out, nil
}

func (s *Store) GetEmbeddingVector(chunkID int64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.index.GetVector(chunkID)
	if !ok {
		return nil, fmt.Errorf("store: embedding vector for chunk %d: %w", chunkID, apperrors.ErrNotFound)
	}
	return v, nil
}

// Search runs search_knn and maps results to chunk metadata, ordered by
// similarity descending (§4.6 search).
func (s *Store) Search(queryVector []float64, topK int) ([]model.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searchLocked(queryVector, topK)
}

func (s *Store) searchLocked(queryVector []float64, topK int) ([]model.SearchResult, error) {
	neighbors, err := s.index.SearchKNN(queryVector, topK)
	if err != nil {
		return nil, err
	}
	out := make([]model.SearchResult, 0, len(neighbors))
	for _, n := range neighbors {
		chunk, err := s.getChunkDataLocked(n.Label)
		if err != nil {
			continue // stale ANN label with no backing row; skip
		}
		out = append(out, model.SearchResult{
			ChunkID:    chunk.ID,
			Content:    chunk.Content,
			SourceID:   chunk.SourceID,
			Type:       chunk.Type,
			Unit:       chunk.Unit,
			Start:      chunk.Start,
			End:        chunk.End,
			Similarity: annindex.DistanceToSimilarity(s.metric, n.Distance),
			Distance:   n.Distance,
		})
	}
	return out, nil
}

// SearchWithFilter oversamples 2*topK then filters by source substring and
// exact type (§4.6 search_with_filter).
func (s *Store) SearchWithFilter(queryVector []float64, sourceSubstring string, typeExact model.ContentType, topK int) ([]model.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := s.searchLocked(queryVector, topK*2)
	if err != nil {
		return nil, err
	}
	out := make([]model.SearchResult, 0, topK)
	for _, r := range raw {
		if sourceSubstring != "" && !strings.Contains(r.SourceID, sourceSubstring) {
			continue
		}
		if typeExact != "" && r.Type != typeExact {
			continue
		}
		out = append(out, r)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}

// Clear transactionally truncates both tables and reinitializes the ANN
// index (§4.6 clear).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: clear begin: %w: %w", apperrors.ErrStorageFailure, err)
	}
	if _, err := tx.Exec(`DELETE FROM chunks`); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: clear chunks: %w: %w", apperrors.ErrStorageFailure, err)
	}
	if _, err := tx.Exec(`DELETE FROM files_metadata`); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: clear files_metadata: %w: %w", apperrors.ErrStorageFailure, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: clear commit: %w: %w", apperrors.ErrStorageFailure, err)
	}
	s.index.Clear()
	return nil
}

// Persist flushes the ANN index to disk (§4.6 persist).
func (s *Store) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index.Persist(s.indexPath)
}

// GetStats returns aggregate totals (§4.6 get_stats).
func (s *Store) GetStats() (model.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM chunks`).Scan(&total); err != nil {
		return model.Stats{}, fmt.Errorf("store: get_stats: %w: %w", apperrors.ErrStorageFailure, err)
	}
	rows, err := s.db.Query(`SELECT source_id, COUNT(1) FROM chunks GROUP BY source_id`)
	if err != nil {
		return model.Stats{}, fmt.Errorf("store: get_stats by source: %w: %w", apperrors.ErrStorageFailure, err)
	}
	defer rows.Close()
	bySource := make(map[string]int)
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return model.Stats{}, fmt.Errorf("store: scan stats row: %w: %w", apperrors.ErrStorageFailure, err)
		}
		bySource[src] = n
	}
	return model.Stats{
		TotalChunks:    total,
		LiveVectors:    s.index.Count(),
		DeletedVectors: s.index.DeletedCount(),
		ChunksBySource: bySource,
	}, nil
}

// Compact rebuilds the ANN index, dropping soft-deleted vectors, and
// persists the result (§4.7 compact()).
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := annindex.New(s.dim, s.metric, 0)
	labels := s.index.Labels()
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	for _, label := range labels {
		if v, ok := s.index.GetVector(label); ok {
			_ = fresh.Insert(v, label)
		}
	}
	s.index = fresh
	return s.index.Persist(s.indexPath)
}

package ingest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/embedder/internal/chunker"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/model"
	"github.com/vasic-digital/embedder/internal/source"
	"github.com/vasic-digital/embedder/internal/store"
	"github.com/vasic-digital/embedder/internal/tokenizer"
)

type fakeEmbedder struct {
	failFor map[string]bool
}

func (f *fakeEmbedder) Generate(texts []string, _ model.EmbedKind) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		if f.failFor[t] {
			return nil, assertErr
		}
		out[i] = []float64{1, 0, 0, 0}
	}
	return out, nil
}

var assertErr = &fakeError{"embed failed"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func newTestEngine(t *testing.T, dir string, embedder Embedder) (*Engine, *store.Store) {
	t.Helper()
	cfg := &config.Config{
		Chunking:  config.ChunkingConfig{NofMaxTokens: 500, NofMinTokens: 1, OverlapPercentage: 0},
		Embedding: config.EmbeddingConfig{BatchSize: 4},
		Source:    config.SourceConfig{MaxFileSizeMB: 10, Paths: []config.SourceDescriptor{{Kind: "directory", Path: dir, Recursive: true, Extensions: []string{".txt"}}}},
	}
	st, err := store.Open(config.DatabaseConfig{
		SqlitePath: filepath.Join(dir, "db.sqlite"), IndexPath: filepath.Join(dir, "index.bin"),
		VectorDim: 4, MaxElements: 1000, DistanceMetric: "cosine",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.New(cfg.Source, nil)
	tok := tokenizer.New(100)
	ch := chunker.New(tok)
	return New(cfg, src, ch, embedder, st, nil, ""), st
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmbedIndexesNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world")
	writeFile(t, dir, "b.txt", "goodbye world")

	eng, st := newTestEngine(t, dir, &fakeEmbedder{})
	stats, err := eng.Embed(true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.FilesEmbedded)

	dbStats, err := st.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, dbStats.TotalChunks)
}

func TestEmbedSkipsAlreadyTrackedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world")

	eng, _ := newTestEngine(t, dir, &fakeEmbedder{})
	_, err := eng.Embed(true)
	require.NoError(t, err)

	stats, err := eng.Embed(true)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.FilesEmbedded)
}

func TestUpdateWithEmptyStoreBehavesLikeEmbed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world")

	eng, _ := newTestEngine(t, dir, &fakeEmbedder{})
	stats, err := eng.Update()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)
}

func TestUpdateDetectsModifiedAndDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "hello world")

	eng, st := newTestEngine(t, dir, &fakeEmbedder{})
	_, err := eng.Update() // initial embed-like pass
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("hello world, modified"), 0o644))
	now := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, now, now))

	stats, err := eng.Update()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Modified)

	ids, err := st.GetChunkIDsBySource(path)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, os.Remove(path))
	stats, err = eng.Update()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
}

func TestUpdateQuarantinesAfterThreeFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.txt", "poison")

	embedder := &fakeEmbedder{failFor: map[string]bool{"poison": true}}
	eng, _ := newTestEngine(t, dir, embedder)

	for i := 0; i < 3; i++ {
		_, err := eng.Update()
		require.NoError(t, err)
	}
	assert.True(t, eng.ignoreSet["bad.txt"] || eng.ignoreSet[filepath.Join(dir, "bad.txt")])
}

func TestStatsCachedAndInvalidatedOnUpdate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world")

	eng, _ := newTestEngine(t, dir, &fakeEmbedder{})
	_, err := eng.Embed(true)
	require.NoError(t, err)

	r1, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, r1.TotalFiles)

	writeFile(t, dir, "b.txt", "more content")
	_, err = eng.Update()
	require.NoError(t, err)

	r2, err := eng.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, r2.TotalFiles)
}

func TestUpdateReloadsSettingsFileAndPicksUpNewSourcePath(t *testing.T) {
	dir := t.TempDir()
	srcA := filepath.Join(dir, "a")
	require.NoError(t, os.Mkdir(srcA, 0o755))
	writeFile(t, srcA, "one.txt", "hello world")

	cfg := &config.Config{
		Chunking:  config.ChunkingConfig{NofMaxTokens: 500, NofMinTokens: 1},
		Embedding: config.EmbeddingConfig{BatchSize: 4},
		Source: config.SourceConfig{
			MaxFileSizeMB: 10,
			Paths:         []config.SourceDescriptor{{Kind: "directory", Path: srcA, Recursive: true, Extensions: []string{".txt"}}},
		},
	}
	configPath := filepath.Join(dir, "embedder.config.json")
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))

	st, err := store.Open(config.DatabaseConfig{
		SqlitePath: filepath.Join(dir, "db.sqlite"), IndexPath: filepath.Join(dir, "index.bin"),
		VectorDim: 4, MaxElements: 1000, DistanceMetric: "cosine",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.New(cfg.Source, nil)
	tok := tokenizer.New(100)
	ch := chunker.New(tok)
	eng := New(cfg, src, ch, &fakeEmbedder{}, st, nil, configPath)

	stats, err := eng.Update()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)

	// Add a second source directory to the settings file on disk, without
	// touching the in-memory cfg or src directly.
	srcB := filepath.Join(dir, "b")
	require.NoError(t, os.Mkdir(srcB, 0o755))
	writeFile(t, srcB, "two.txt", "goodbye world")
	cfg.Source.Paths = append(cfg.Source.Paths, config.SourceDescriptor{Kind: "directory", Path: srcB, Recursive: true, Extensions: []string{".txt"}})
	data, err = json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, data, 0o644))

	stats, err = eng.Update()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New, "update() should reload the settings file and pick up the new source path")
}

func TestUpdateIgnoresMissingSettingsFileAndKeepsPreviousConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world")

	cfg := &config.Config{
		Chunking:  config.ChunkingConfig{NofMaxTokens: 500, NofMinTokens: 1},
		Embedding: config.EmbeddingConfig{BatchSize: 4},
		Source:    config.SourceConfig{MaxFileSizeMB: 10, Paths: []config.SourceDescriptor{{Kind: "directory", Path: dir, Recursive: true, Extensions: []string{".txt"}}}},
	}
	st, err := store.Open(config.DatabaseConfig{
		SqlitePath: filepath.Join(dir, "db.sqlite"), IndexPath: filepath.Join(dir, "index.bin"),
		VectorDim: 4, MaxElements: 1000, DistanceMetric: "cosine",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.New(cfg.Source, nil)
	tok := tokenizer.New(100)
	ch := chunker.New(tok)
	eng := New(cfg, src, ch, &fakeEmbedder{}, st, nil, filepath.Join(dir, "does-not-exist.json"))

	stats, err := eng.Update()
	require.NoError(t, err, "a missing settings file must not fail update(), only be logged and skipped")
	assert.Equal(t, 1, stats.New)
}

func TestCompactDelegatesToStore(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "hello world")
	eng, _ := newTestEngine(t, dir, &fakeEmbedder{})
	_, err := eng.Embed(true)
	require.NoError(t, err)
	assert.NoError(t, eng.Compact())
}

package source

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/embedder/internal/config"
)

func mkfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCollectSourcesFile(t *testing.T) {
	dir := t.TempDir()
	path := mkfile(t, dir, "a.txt", "hello world")
	cfg := config.SourceConfig{MaxFileSizeMB: 10, Paths: []config.SourceDescriptor{{Kind: "file", Path: path}}}
	p := New(cfg, nil)
	got := p.CollectSources(false)
	require.Len(t, got, 1)
	assert.Equal(t, path, got[0].SourceID)
	assert.Equal(t, "hello world", got[0].Content)
}

func TestCollectSourcesDirectoryRecursive(t *testing.T) {
	dir := t.TempDir()
	mkfile(t, dir, "a.go", "package a")
	mkfile(t, dir, "sub/b.go", "package b")
	mkfile(t, dir, "ignore.txt", "nope")

	cfg := config.SourceConfig{
		MaxFileSizeMB: 10,
		Paths: []config.SourceDescriptor{
			{Kind: "directory", Path: dir, Recursive: true, Extensions: []string{".go"}},
		},
	}
	p := New(cfg, nil)
	got := p.CollectSources(false)
	assert.Len(t, got, 2)
}

func TestCollectSourcesDirectoryNonRecursive(t *testing.T) {
	dir := t.TempDir()
	mkfile(t, dir, "a.go", "package a")
	mkfile(t, dir, "sub/b.go", "package b")

	cfg := config.SourceConfig{
		MaxFileSizeMB: 10,
		Paths: []config.SourceDescriptor{
			{Kind: "directory", Path: dir, Recursive: false, Extensions: []string{".go"}},
		},
	}
	p := New(cfg, nil)
	got := p.CollectSources(false)
	assert.Len(t, got, 1)
}

func TestFetchSourceMissingIsError(t *testing.T) {
	cfg := config.SourceConfig{MaxFileSizeMB: 10}
	p := New(cfg, nil)
	_, err := p.FetchSource("/no/such/file")
	assert.Error(t, err)
}

func TestReadFileEmpty(t *testing.T) {
	dir := t.TempDir()
	path := mkfile(t, dir, "empty.txt", "")
	cfg := config.SourceConfig{MaxFileSizeMB: 10}
	p := New(cfg, nil)
	content, err := p.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestReadFileOversizeSkipped(t *testing.T) {
	dir := t.TempDir()
	path := mkfile(t, dir, "small.txt", "0123456789")
	p := New(config.SourceConfig{MaxFileSizeMB: 1}, nil)
	_, err := p.ReadFile(path)
	assert.NoError(t, err) // 10 bytes is well under 1MB

	big := mkfile(t, dir, "big.txt", string(make([]byte, 1024*1024+1)))
	_, err = p.ReadFile(big)
	assert.Error(t, err) // one byte over the 1MB cap
}

func TestFilterRelatedSourcesExcludesTargetAndPairsHeaders(t *testing.T) {
	p := New(config.SourceConfig{}, nil)
	candidates := []string{"main.cpp", "main.h", "util.go", "other.cpp"}
	related := p.FilterRelatedSources(candidates, "main.h")
	assert.Contains(t, related, "main.cpp")
	assert.NotContains(t, related, "main.h")
}

func TestFilterRelatedSourcesDeterministic(t *testing.T) {
	p := New(config.SourceConfig{}, nil)
	candidates := []string{"b.go", "a.go", "c.go"}
	r1 := p.FilterRelatedSources(candidates, "main.go")
	r2 := p.FilterRelatedSources(candidates, "main.go")
	assert.Equal(t, r1, r2)
}

func TestStripQueryFragment(t *testing.T) {
	assert.Equal(t, "https://example.com/page", StripQueryFragment("https://example.com/page?x=1#frag"))
}

func TestCollectSourcesURLWithBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote content"))
	}))
	defer srv.Close()

	cfg := config.SourceConfig{Paths: []config.SourceDescriptor{{Kind: "url", URL: srv.URL + "/x?y=1", TimeoutMs: 1000}}}
	p := New(cfg, nil)
	got := p.CollectSources(true)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsURL)
	assert.Equal(t, "remote content", got[0].Content)
}

package lifecycle

import (
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasic-digital/embedder/internal/chunker"
	"github.com/vasic-digital/embedder/internal/config"
	"github.com/vasic-digital/embedder/internal/ingest"
	"github.com/vasic-digital/embedder/internal/registry"
	"github.com/vasic-digital/embedder/internal/source"
	"github.com/vasic-digital/embedder/internal/store"
	"github.com/vasic-digital/embedder/internal/tokenizer"
)

func newTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st, err := store.Open(config.DatabaseConfig{
		SqlitePath: filepath.Join(dir, "embedder.db"), IndexPath: filepath.Join(dir, "embedder.ann"),
		VectorDim: 4, MaxElements: 100, DistanceMetric: "cosine",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg, err := registry.Open(filepath.Join(dir, "registry.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	tok := tokenizer.New(100)
	ch := chunker.New(tok)
	src := source.New(config.SourceConfig{MaxFileSizeMB: 10}, log)
	cfg := &config.Config{Chunking: config.ChunkingConfig{NofMinTokens: 1, NofMaxTokens: 50}}
	eng := ingest.New(cfg, src, ch, nil, st, log, "")

	return New(log, st, eng, reg), dir
}

func TestBindIncrementalFallsBackWhenPortTaken(t *testing.T) {
	taken, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer taken.Close()
	takenPort := taken.Addr().(*net.TCPAddr).Port

	ln, port, err := bindIncremental(takenPort)
	require.NoError(t, err)
	defer ln.Close()
	assert.NotEqual(t, takenPort, port)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t)
	s.Shutdown()
	assert.NotPanics(t, func() { s.Shutdown() })
}

func TestWatchFSEventsTriggersUpdateOnFileWrite(t *testing.T) {
	s, dir := newTestSupervisor(t)
	watched := filepath.Join(dir, "watched")
	require.NoError(t, os.Mkdir(watched, 0o755))

	go s.watchFSEvents([]string{watched})
	t.Cleanup(s.Shutdown)

	require.NoError(t, os.WriteFile(filepath.Join(watched, "new.txt"), []byte("hello"), 0o644))

	// watchFSEvents debounces for 500ms before calling Update(); just assert
	// it doesn't panic or deadlock within a generous margin.
	time.Sleep(800 * time.Millisecond)
}

func TestServeWritesInfoFileAndShutsDownOnSignalChannel(t *testing.T) {
	s, dir := newTestSupervisor(t)
	infoPath := filepath.Join(dir, "info.json")

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}), Options{Port: 0, InfoFile: infoPath})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(infoPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, err := os.Stat(infoPath)
	require.NoError(t, err)

	s.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

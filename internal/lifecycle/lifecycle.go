// Package lifecycle implements C11: incremental port binding, the
// optional-info-file handshake, the background file-watch loop, and
// graceful shutdown on SIGINT/SIGTERM or POST /api/shutdown (§4.11 of
// SPEC_FULL.md), grounded on the teacher's cmd/helixagent/main.go
// server-lifecycle pattern (http.Server + signal.Notify + a timed
// shutdown context).
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"os/signal"

	"github.com/vasic-digital/embedder/internal/ingest"
	"github.com/vasic-digital/embedder/internal/registry"
	"github.com/vasic-digital/embedder/internal/store"
)

const (
	maxPortAttempts  = 20
	watchSliceMillis = 100
	shutdownTimeout  = 30 * time.Second
)

// Options configures one serve() invocation (§4.11).
type Options struct {
	Port            int
	Watch           bool
	IntervalSeconds int
	InfoFile        string
	ProjectID       string
	Name            string
	Cwd             string
	ConfigPath      string
	// WatchPaths are directories fsnotify watches for an immediate update()
	// trigger, ahead of the IntervalSeconds poll fallback (§4.11 watch mode).
	WatchPaths []string
}

// info is the JSON handshake document written to InfoFile once the listener
// is bound, so launcher scripts can discover the actual port (§4.11).
type info struct {
	Port          int    `json:"port"`
	Timestamp     int64  `json:"timestamp"`
	WatchEnabled  bool   `json:"watch_enabled"`
	WatchInterval int    `json:"watch_interval"`
	PID           int    `json:"pid"`
	Exec          string `json:"exec"`
}

// Supervisor owns the HTTP listener, the instance registry heartbeat, and
// the background update-watch loop for one running embedder process.
type Supervisor struct {
	log      *logrus.Logger
	store    *store.Store
	ingest   *ingest.Engine
	registry *registry.Registry

	instanceID string
	shutdown   atomic.Bool
	shutdownCh chan struct{}
}

func New(log *logrus.Logger, st *store.Store, eng *ingest.Engine, reg *registry.Registry) *Supervisor {
	return &Supervisor{log: log, store: st, ingest: eng, registry: reg, shutdownCh: make(chan struct{})}
}

// Shutdown requests a graceful stop; safe to call from an HTTP handler
// goroutine (POST /api/shutdown) or a signal handler. Idempotent.
func (s *Supervisor) Shutdown() {
	if s.shutdown.CompareAndSwap(false, true) {
		close(s.shutdownCh)
	}
}

// bindIncremental tries the requested port, then up to maxPortAttempts more
// sequential ports, falling back to an OS-assigned ephemeral port (§4.11
// "incremental port binding").
func bindIncremental(requested int) (net.Listener, int, error) {
	if requested > 0 {
		for offset := 0; offset <= maxPortAttempts; offset++ {
			port := requested + offset
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err == nil {
				return ln, port, nil
			}
		}
	}
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, 0, fmt.Errorf("lifecycle: failed to bind any port: %w", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

func writeInfoFile(path string, i info) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return fmt.Errorf("lifecycle: marshal info file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Serve binds the listener, registers the instance, starts the optional
// watch loop, and blocks until a shutdown signal arrives, then drains the
// HTTP server and persists the store (§4.11 serve).
func (s *Supervisor) Serve(handler http.Handler, opts Options) error {
	ln, boundPort, err := bindIncremental(opts.Port)
	if err != nil {
		return err
	}

	exec, _ := os.Executable()
	if err := writeInfoFile(opts.InfoFile, info{
		Port: boundPort, Timestamp: time.Now().Unix(), WatchEnabled: opts.Watch,
		WatchInterval: opts.IntervalSeconds, PID: os.Getpid(), Exec: exec,
	}); err != nil {
		s.log.WithError(err).Warn("lifecycle: failed to write info file")
	}

	host, _ := os.Hostname()
	s.instanceID = fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
	if host == "" {
		s.instanceID = uuid.NewString()
	}
	cwd := opts.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if err := s.registry.Register(s.instanceID, boundPort, host, opts.ProjectID, opts.Name, cwd, opts.ConfigPath, nil); err != nil {
		s.log.WithError(err).Warn("lifecycle: failed to register instance")
	}
	s.registry.StartHeartbeat()
	defer s.registry.Stop()

	if opts.Watch {
		go s.watchLoop(opts.IntervalSeconds)
		if len(opts.WatchPaths) > 0 {
			go s.watchFSEvents(opts.WatchPaths)
		}
	}

	server := &http.Server{Handler: handler, ReadTimeout: 30 * time.Second, WriteTimeout: 300 * time.Second, IdleTimeout: 120 * time.Second}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serverErr:
		return fmt.Errorf("lifecycle: server failed: %w", err)
	case <-sigCh:
		s.Shutdown()
	case <-s.shutdownCh:
	}

	s.log.Info("lifecycle: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("lifecycle: server shutdown did not complete cleanly")
	}
	if err := s.store.Persist(); err != nil {
		s.log.WithError(err).Warn("lifecycle: failed to persist store on shutdown")
	}
	return nil
}

// watchLoop polls Update() every interval seconds, slicing its wait into
// short ticks so a pending shutdown is honored within watchSliceMillis
// (§4.11 "watch mode polls update() ... responsive to shutdown").
func (s *Supervisor) watchLoop(intervalSeconds int) {
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}
	slice := time.Duration(watchSliceMillis) * time.Millisecond
	elapsed := time.Duration(0)
	interval := time.Duration(intervalSeconds) * time.Second
	ticker := time.NewTicker(slice)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return
		case <-ticker.C:
			elapsed += slice
			if elapsed < interval {
				continue
			}
			elapsed = 0
			if _, err := s.ingest.Update(); err != nil {
				s.log.WithError(err).Warn("lifecycle: watch update failed")
			}
		}
	}
}

// watchFSEvents runs update() as soon as fsnotify reports a write/create/
// remove under any of paths, so edits surface well before the next interval
// poll. The interval poll in watchLoop remains the backstop for changes
// fsnotify misses (network filesystems, editors that replace-by-rename
// outside a watched directory).
func (s *Supervisor) watchFSEvents(paths []string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.WithError(err).Warn("lifecycle: fsnotify unavailable, relying on interval poll only")
		return
	}
	defer watcher.Close()

	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			s.log.WithError(err).WithField("path", p).Warn("lifecycle: failed to watch path")
		}
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	const debounceDelay = 500 * time.Millisecond

	for {
		select {
		case <-s.shutdownCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			if _, err := s.ingest.Update(); err != nil {
				s.log.WithError(err).Warn("lifecycle: fsnotify-triggered update failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.WithError(err).Warn("lifecycle: fsnotify watcher error")
		}
	}
}

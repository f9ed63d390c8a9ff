// Package registry implements C10: the shared cross-process instance
// registry backing `GET /api/instances` (§4.10 of SPEC_FULL.md).
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/vasic-digital/embedder/internal/apperrors"
)

const (
	staleAfter     = 60 * time.Second
	activeWithin   = 30 * time.Second
	heartbeatEvery = 10 * time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	pid INTEGER NOT NULL,
	port INTEGER NOT NULL,
	host TEXT NOT NULL,
	project_id TEXT NOT NULL,
	name TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	started_at_str TEXT NOT NULL,
	last_heartbeat INTEGER NOT NULL,
	last_heartbeat_str TEXT NOT NULL,
	cwd TEXT NOT NULL,
	config_path TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	params TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instances_heartbeat ON instances(last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_instances_pid ON instances(pid);
CREATE INDEX IF NOT EXISTS idx_instances_project ON instances(project_id);
`

// ResolvePath implements the §4.10 lookup order for the shared registry
// file: $EMBEDDER_REGISTRY, then the user's home directory, then cwd.
func ResolvePath() string {
	if p := os.Getenv("EMBEDDER_REGISTRY"); p != "" {
		return p
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home + string(os.PathSeparator) + ".embedder_instances.sqlite"
	}
	return "embedder_instances.sqlite"
}

// Record is one row of the instances table (§3 Instance record).
type Record struct {
	ID            string          `json:"id"`
	PID           int             `json:"pid"`
	Port          int             `json:"port"`
	Host          string          `json:"host"`
	ProjectID     string          `json:"project_id"`
	Name          string          `json:"name"`
	StartedAt     int64           `json:"started_at"`
	LastHeartbeat int64           `json:"last_heartbeat"`
	Cwd           string          `json:"cwd"`
	ConfigPath    string          `json:"config_path"`
	Status        string          `json:"status"`
	Params        json.RawMessage `json:"params"`
}

// Registry is a handle to the shared instance registry, serialized by a
// single in-process mutex (§4.10 "a single in-process mutex wraps all DB
// calls; cross-process concurrency is provided by SQLite with WAL").
type Registry struct {
	mu   sync.Mutex
	db   *sql.DB
	log  *logrus.Logger
	self string

	stop chan struct{}
	done chan struct{}
}

// Open opens (creating if absent) the registry database at path.
func Open(path string, log *logrus.Logger) (*Registry, error) {
	if log == nil {
		log = logrus.New()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w: %w", path, apperrors.ErrStorageFailure, err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			log.WithError(err).WithField("pragma", pragma).Warn("registry: failed to set pragma")
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create schema: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return &Registry{db: db, log: log}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Register upserts this process's row, keyed by host-pid-start_time
// (§4.10 Register, §3 Instance record id).
func (r *Registry) Register(id string, port int, host, projectID, name, cwd, configPath string, params any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = id

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("registry: marshal params: %w", err)
	}
	now := time.Now().UTC()
	_, err = r.db.Exec(
		`INSERT INTO instances (id, pid, port, host, project_id, name, started_at, started_at_str, last_heartbeat, last_heartbeat_str, cwd, config_path, status, created_at, params)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET pid=excluded.pid, port=excluded.port, host=excluded.host, project_id=excluded.project_id,
			name=excluded.name, started_at=excluded.started_at, started_at_str=excluded.started_at_str,
			last_heartbeat=excluded.last_heartbeat, last_heartbeat_str=excluded.last_heartbeat_str,
			cwd=excluded.cwd, config_path=excluded.config_path, status=excluded.status, params=excluded.params`,
		id, os.Getpid(), port, host, projectID, name, now.Unix(), now.Format(time.RFC3339), now.Unix(), now.Format(time.RFC3339), cwd, configPath, "healthy", now.Unix(), string(paramsJSON),
	)
	if err != nil {
		return fmt.Errorf("registry: register: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return nil
}

// Unregister deletes this process's own row (§4.10 Unregister).
func (r *Registry) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == "" {
		return nil
	}
	_, err := r.db.Exec(`DELETE FROM instances WHERE id = ?`, r.self)
	if err != nil {
		return fmt.Errorf("registry: unregister: %w: %w", apperrors.ErrStorageFailure, err)
	}
	return nil
}

func (r *Registry) heartbeatOnce() {
	r.mu.Lock()
	if r.self != "" {
		now := time.Now().UTC()
		if _, err := r.db.Exec(
			`UPDATE instances SET last_heartbeat = ?, last_heartbeat_str = ?, status = 'healthy' WHERE id = ?`,
			now.Unix(), now.Format(time.RFC3339), r.self,
		); err != nil {
			r.log.WithError(err).Warn("registry: heartbeat update failed")
		}
	}
	r.mu.Unlock()
	r.reap()
}

// reap removes stale entries: stale heartbeat beyond staleAfter, or a pid
// no longer alive on this host (§4.10 Reaping).
func (r *Registry) reap() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter).Unix()
	if _, err := r.db.Exec(`DELETE FROM instances WHERE last_heartbeat < ?`, cutoff); err != nil {
		r.log.WithError(err).Warn("registry: reap stale-heartbeat rows failed")
	}

	rows, err := r.db.Query(`SELECT id, pid FROM instances`)
	if err != nil {
		r.log.WithError(err).Warn("registry: reap select failed")
		return
	}
	type row struct {
		id  string
		pid int
	}
	var dead []row
	for rows.Next() {
		var rr row
		if err := rows.Scan(&rr.id, &rr.pid); err != nil {
			continue
		}
		if !processAlive(rr.pid) {
			dead = append(dead, rr)
		}
	}
	rows.Close()
	for _, d := range dead {
		if _, err := r.db.Exec(`DELETE FROM instances WHERE id = ?`, d.id); err != nil {
			r.log.WithError(err).WithField("id", d.id).Warn("registry: reap dead-pid row failed")
		}
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true // os.FindProcess always succeeds on Windows; best effort only
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// GetActiveInstances returns instances heartbeated within activeWithin,
// most-recent first (§4.10 Get active instances).
func (r *Registry) GetActiveInstances() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-activeWithin).Unix()
	rows, err := r.db.Query(
		`SELECT id, pid, port, host, project_id, name, started_at, last_heartbeat, cwd, config_path, status, params
		 FROM instances WHERE last_heartbeat >= ? ORDER BY last_heartbeat DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("registry: get_active_instances: %w: %w", apperrors.ErrStorageFailure, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var params string
		if err := rows.Scan(&rec.ID, &rec.PID, &rec.Port, &rec.Host, &rec.ProjectID, &rec.Name, &rec.StartedAt, &rec.LastHeartbeat, &rec.Cwd, &rec.ConfigPath, &rec.Status, &params); err != nil {
			return nil, fmt.Errorf("registry: scan instance: %w: %w", apperrors.ErrStorageFailure, err)
		}
		rec.Params = json.RawMessage(params)
		out = append(out, rec)
	}
	return out, nil
}

// StartHeartbeat launches the background heartbeat+reap loop; stop it with
// Stop().
func (r *Registry) StartHeartbeat() {
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.heartbeatOnce()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the heartbeat loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
}

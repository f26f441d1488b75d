package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const staleWait = 2 * time.Second

// PIDRecord is what a PID file holds: the pid on the first line, then JSON.
type PIDRecord struct {
	PID       int    `json:"pid"`
	StartUnix int64  `json:"start_unix"` // process start time; guards against pid reuse
	Name      string `json:"name"`
}

// WritePIDFile records the running child when Spec.PIDFile is set.
func (r *Process) WritePIDFile() {
	r.mu.Lock()
	path := r.spec.PIDFile
	pid := r.status.PID
	r.mu.Unlock()
	if path == "" || pid == 0 {
		return
	}
	rec := PIDRecord{PID: pid, StartUnix: procStartUnix(pid), Name: r.spec.Name}
	b, _ := json.Marshal(rec)
	_ = os.MkdirAll(filepath.Dir(path), 0o750)
	_ = os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"+string(b)+"\n"), 0o600)
}

// RemovePIDFile best-effort
func (r *Process) RemovePIDFile() {
	if r.spec.PIDFile == "" {
		return
	}
	_ = os.Remove(r.spec.PIDFile)
}

// ReadPIDFile parses a PID file. Files holding only a pid are accepted.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- path is the configured pid file
	if err != nil {
		return PIDRecord{}, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return PIDRecord{}, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	rec := PIDRecord{PID: pid}
	if rest = strings.TrimSpace(rest); rest != "" {
		_ = json.Unmarshal([]byte(rest), &rec)
		rec.PID = pid
	}
	return rec, nil
}

// KillStale terminates a program left behind by an earlier daemon, as recorded
// in path. The process is only signalled when its start time still matches the
// record. The PID file is removed afterwards. It reports whether a live process
// was found.
func KillStale(path string) (bool, error) {
	rec, err := ReadPIDFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	defer func() { _ = os.Remove(path) }()
	if err != nil {
		return false, err
	}
	if !processAlive(rec.PID) {
		return false, nil
	}
	if rec.StartUnix != 0 {
		if cur := procStartUnix(rec.PID); cur != 0 && cur != rec.StartUnix {
			return false, nil
		}
	}
	_ = terminateGroup(rec.PID)
	deadline := time.Now().Add(staleWait)
	for time.Now().Before(deadline) && processAlive(rec.PID) {
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(rec.PID) {
		_ = killGroup(rec.PID)
	}
	return true, nil
}

package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PIDFile records the managed worker so a later shell can reap it after a crash.
// Format: first line is the PID, second line is JSON metadata.
type PIDFile struct {
	Path string
}

// PIDRecord is the parsed content of a PIDFile.
type PIDRecord struct {
	PID       int    `json:"-"`
	StartUnix int64  `json:"start_unix"`
	Command   string `json:"command,omitempty"`
}

// Write stores pid along with its start time and command.
func (f PIDFile) Write(pid int, command string) error {
	if f.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	meta, err := json.Marshal(PIDRecord{StartUnix: startUnix(pid), Command: command})
	if err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(f.Path, []byte(data), 0o600)
}

// Read parses the pidfile. Files holding only a PID are accepted.
func (f PIDFile) Read() (PIDRecord, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return PIDRecord{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return PIDRecord{}, fmt.Errorf("invalid pid in %s: %w", f.Path, err)
	}
	rec := PIDRecord{}
	if rest = strings.TrimSpace(rest); rest != "" {
		// metadata is optional; a damaged line still yields the PID
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}

func (f PIDFile) Remove() {
	if f.Path != "" {
		_ = os.Remove(f.Path)
	}
}

// Alive reports whether the recorded process still runs. A start time that no
// longer matches means the PID was reused by an unrelated process.
func (f PIDFile) Alive() (PIDRecord, bool, error) {
	rec, err := f.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return PIDRecord{}, false, nil
		}
		return PIDRecord{}, false, err
	}
	if rec.StartUnix > 0 {
		if cur := startUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			return rec, false, nil
		}
	}
	return rec, Alive(rec.PID), nil
}

// ReapOrphan kills a worker left behind by a previous shell and removes the
// pidfile. It returns the reaped PID, or 0 when there was nothing to reap.
func (f PIDFile) ReapOrphan(wait time.Duration) (int, error) {
	if f.Path == "" {
		return 0, nil
	}
	rec, alive, err := f.Alive()
	if err != nil {
		f.Remove()
		return 0, err
	}
	if !alive {
		f.Remove()
		return 0, nil
	}
	slog.Warn("reaping orphaned worker", "pid", rec.PID, "command", rec.Command)
	if err := KillTree(rec.PID); err != nil {
		return 0, fmt.Errorf("kill orphaned worker %d: %w", rec.PID, err)
	}
	if !WaitGone(rec.PID, wait) {
		return 0, fmt.Errorf("orphaned worker %d still running after %s", rec.PID, wait)
	}
	f.Remove()
	return rec.PID, nil
}

package process

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPIDFileRoundTripWithMeta(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "sub", "worker.pid")}
	pid := os.Getpid()
	if err := f.Write(pid, "worker send-file a.bin"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec, err := f.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.PID != pid || rec.Command != "worker send-file a.bin" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	b, _ := os.ReadFile(f.Path)
	if strings.Contains(string(b), `"PID"`) {
		t.Fatalf("pid must only appear on the first line: %s", b)
	}
	got, alive, err := f.Alive()
	if err != nil || !alive || got.PID != pid {
		t.Fatalf("own process should be alive: %+v alive=%v err=%v", got, alive, err)
	}
}

func TestReadPIDFileLegacyFormat(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "legacy.pid")}
	if err := os.WriteFile(f.Path, []byte("12345\n"), 0o600); err != nil {
		t.Fatalf("write legacy: %v", err)
	}
	rec, err := f.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.PID != 12345 || rec.StartUnix != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestReadPIDFileInvalid(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "bad.pid")}
	if err := os.WriteFile(f.Path, []byte("abc\n{}"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Read(); err == nil {
		t.Fatal("expected error for non-numeric pid")
	}
	if _, err := f.ReapOrphan(0); err == nil {
		t.Fatal("expected error from ReapOrphan on a damaged pidfile")
	}
	if _, err := os.Stat(f.Path); !os.IsNotExist(err) {
		t.Fatal("damaged pidfile should be removed")
	}
}

func TestPIDFileReusedPIDNotAlive(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "reused.pid")}
	data := []byte("1\n{\"start_unix\":42}\n")
	if err := os.WriteFile(f.Path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if startUnix(1) == 0 {
		t.Skip("start time of pid 1 not readable on this platform")
	}
	if _, alive, err := f.Alive(); err != nil || alive {
		t.Fatalf("mismatched start time must not be alive: alive=%v err=%v", alive, err)
	}
}

func TestReapOrphanMissingFile(t *testing.T) {
	f := PIDFile{Path: filepath.Join(t.TempDir(), "none.pid")}
	pid, err := f.ReapOrphan(0)
	if err != nil || pid != 0 {
		t.Fatalf("missing pidfile should be a no-op: pid=%d err=%v", pid, err)
	}
	if pid, err := (PIDFile{}).ReapOrphan(0); err != nil || pid != 0 {
		t.Fatalf("empty path should be a no-op: pid=%d err=%v", pid, err)
	}
}

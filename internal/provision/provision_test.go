package provision

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// countingFs counts files opened for writing.
type countingFs struct {
	afero.Fs
	writes atomic.Int64
}

func (c *countingFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		c.writes.Add(1)
	}
	return c.Fs.OpenFile(name, flag, perm)
}

func (c *countingFs) Create(name string) (afero.File, error) {
	c.writes.Add(1)
	return c.Fs.Create(name)
}

func seed(t *testing.T, fs afero.Fs) Config {
	t.Helper()
	src := "/app/resources/worker"
	must(t, fs.MkdirAll(filepath.Join(src, "lib"), 0o755))
	must(t, afero.WriteFile(fs, filepath.Join(src, "worker"), []byte("#!/bin/sh\necho hi\n"), 0o644))
	must(t, afero.WriteFile(fs, filepath.Join(src, "lib", "dep.so"), []byte("dep"), 0o644))
	return Config{
		AppVersion: "1.2.0",
		SourceDir:  src,
		Executable: "worker",
		TargetDir:  "/data/backend-runtime",
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func TestEnsureInstallsThenIsIdempotent(t *testing.T) {
	fs := &countingFs{Fs: afero.NewMemMapFs()}
	cfg := seed(t, fs)
	p := NewWithFs(fs, cfg)

	inst, err := p.Ensure()
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !inst.Installed {
		t.Fatal("first Ensure should install")
	}
	for _, f := range []string{"worker", "lib/dep.so", MarkerName} {
		if ok, _ := afero.Exists(fs, filepath.Join(cfg.TargetDir, f)); !ok {
			t.Fatalf("%s missing after install", f)
		}
	}
	fi, _ := fs.Stat(inst.ExecutablePath)
	if fi.Mode().Perm()&0o100 == 0 {
		t.Fatalf("executable bit not set: %v", fi.Mode())
	}
	marker, _ := afero.ReadFile(fs, filepath.Join(cfg.TargetDir, MarkerName))
	if string(marker) != inst.Fingerprint {
		t.Fatalf("marker %q != fingerprint %q", marker, inst.Fingerprint)
	}

	writes := fs.writes.Load()
	again, err := p.Ensure()
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if again.Installed || fs.writes.Load() != writes {
		t.Fatalf("second Ensure must not write (installed=%v writes %d -> %d)", again.Installed, writes, fs.writes.Load())
	}
	if again.Fingerprint != inst.Fingerprint {
		t.Fatal("fingerprint changed without source change")
	}
}

func TestEnsureReinstallsOnSourceChange(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := seed(t, fs)
	p := NewWithFs(fs, cfg)
	first, err := p.Ensure()
	must(t, err)

	// stale file from an older bundle must disappear on reinstall
	must(t, afero.WriteFile(fs, filepath.Join(cfg.TargetDir, "stale.txt"), []byte("x"), 0o644))
	must(t, afero.WriteFile(fs, filepath.Join(cfg.SourceDir, "worker"), []byte("#!/bin/sh\necho a longer body\n"), 0o644))

	second, err := p.Ensure()
	must(t, err)
	if !second.Installed || second.Fingerprint == first.Fingerprint {
		t.Fatalf("size change should reinstall: %+v", second)
	}
	if ok, _ := afero.Exists(fs, filepath.Join(cfg.TargetDir, "stale.txt")); ok {
		t.Fatal("target dir should be recreated from scratch")
	}
	body, _ := afero.ReadFile(fs, second.ExecutablePath)
	if !strings.Contains(string(body), "longer body") {
		t.Fatalf("new executable not copied: %q", body)
	}

	later := time.Now().Add(time.Hour)
	must(t, fs.Chtimes(filepath.Join(cfg.SourceDir, "worker"), later, later))
	third, err := p.Ensure()
	must(t, err)
	if !third.Installed {
		t.Fatal("mtime change should reinstall")
	}
}

func TestEnsureTamperedMarker(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := seed(t, fs)
	p := NewWithFs(fs, cfg)
	_, err := p.Ensure()
	must(t, err)
	must(t, afero.WriteFile(fs, filepath.Join(cfg.TargetDir, MarkerName), []byte("other"), 0o644))
	inst, err := p.Ensure()
	must(t, err)
	if !inst.Installed {
		t.Fatal("mismatched marker should force reinstall")
	}
}

func TestEnsureMissingSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := NewWithFs(fs, Config{SourceDir: "/nowhere", Executable: "worker", TargetDir: "/data/rt"})
	if _, err := p.Ensure(); !errors.Is(err, ErrRuntimeMissing) {
		t.Fatalf("want ErrRuntimeMissing, got %v", err)
	}
	if _, err := p.ResolveInvocation(); !errors.Is(err, ErrRuntimeMissing) {
		t.Fatalf("ResolveInvocation: want ErrRuntimeMissing, got %v", err)
	}

	must(t, fs.MkdirAll("/empty", 0o755))
	p = NewWithFs(fs, Config{SourceDir: "/empty", Executable: "worker", TargetDir: "/data/rt"})
	if _, err := p.Ensure(); !errors.Is(err, ErrRuntimeExecutableMissing) {
		t.Fatalf("want ErrRuntimeExecutableMissing, got %v", err)
	}
}

func TestResolveInvocationPackaged(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := seed(t, fs)
	cfg.Env = map[string]string{"WORKER_HOME": "${HOME}/w"}
	t.Setenv("HOME", "/home/u")
	inv, err := NewWithFs(fs, cfg).ResolveInvocation()
	must(t, err)
	if inv.Command != filepath.Join(cfg.TargetDir, "worker") || inv.WorkDir != cfg.TargetDir {
		t.Fatalf("unexpected invocation: %+v", inv)
	}
	if len(inv.BaseArgs) != 0 {
		t.Fatalf("packaged worker takes no base args: %v", inv.BaseArgs)
	}
	if inv.Env["PYTHONUNBUFFERED"] != "1" || inv.Env["WORKER_HOME"] != "/home/u/w" {
		t.Fatalf("unexpected env: %v", inv.Env)
	}
	argv := inv.Argv("scan-network")
	if len(argv) != 1 || argv[0] != "scan-network" {
		t.Fatalf("argv: %v", argv)
	}
}

func TestResolveInvocationDevMode(t *testing.T) {
	fs := afero.NewMemMapFs()
	must(t, afero.WriteFile(fs, "/src/backend/main.py", []byte("print()"), 0o644))
	p := NewWithFs(fs, Config{DevMode: true, Script: "/src/backend/main.py", SourceDir: "/missing"})
	inv, err := p.ResolveInvocation()
	must(t, err)
	want := "python3"
	if runtime.GOOS == "windows" {
		want = "python"
	}
	if inv.Command != want || inv.WorkDir != "/src/backend" {
		t.Fatalf("unexpected dev invocation: %+v", inv)
	}
	argv := inv.Argv("send-file", "a.bin")
	if len(argv) != 3 || argv[0] != "/src/backend/main.py" || argv[1] != "send-file" {
		t.Fatalf("argv: %v", argv)
	}
	if ok, _ := afero.DirExists(fs, "/missing"); ok {
		t.Fatal("dev mode must not provision")
	}

	p = NewWithFs(fs, Config{DevMode: true, Script: "/src/backend/gone.py"})
	if _, err := p.ResolveInvocation(); !errors.Is(err, ErrRuntimeExecutableMissing) {
		t.Fatalf("want ErrRuntimeExecutableMissing, got %v", err)
	}
}

func TestFingerprintFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	must(t, afero.WriteFile(fs, "/w", []byte("12345"), 0o644))
	ts := time.UnixMilli(1700000000123)
	must(t, fs.Chtimes("/w", ts, ts))
	fi, err := fs.Stat("/w")
	must(t, err)
	want := "2.0.1-" + runtime.GOARCH + "-5-1700000000123"
	if got := Fingerprint("2.0.1", fi); got != want {
		t.Fatalf("Fingerprint=%q want %q", got, want)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAYSHELL_DATA_DIR", t.TempDir())
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Listen != "127.0.0.1:8090" || c.Server.BasePath != "/api" {
		t.Fatalf("server defaults: %+v", c.Server)
	}
	if c.Worker.StopTimeout != 3*time.Second || c.Worker.WaitDelay != time.Second {
		t.Fatalf("worker defaults: %+v", c.Worker)
	}
	if c.Transfer.MaxHistory != 100 || c.Transfer.MaxStats != 100 {
		t.Fatalf("transfer defaults: %+v", c.Transfer)
	}
	if !strings.HasPrefix(c.StoreDSN(), "sqlite://") || !strings.HasSuffix(c.StoreDSN(), DBFileName) {
		t.Fatalf("default dsn: %s", c.StoreDSN())
	}
	if c.Log.Dir != c.LogsDir() {
		t.Fatalf("log dir should default below data dir: %s", c.Log.Dir)
	}
}

func TestLoadFileResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "relayshell.toml")
	data := `
data_dir = "state"

[worker]
app_version = "1.4.0"
source_dir = "dist/worker"
executable = "tpi-worker"
stop_timeout = "5s"

[worker.env]
tpi_mode = "lab"

[server]
listen = "0.0.0.0:9000"
base_path = "ctl"

[store]
dsn = "memory://"

[transfer]
max_history = 10
settle = "1s"
`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("data dir: %s", c.DataDir)
	}
	if c.Worker.SourceDir != filepath.Join(dir, "dist/worker") {
		t.Fatalf("source dir: %s", c.Worker.SourceDir)
	}
	if c.Worker.StopTimeout != 5*time.Second || c.Transfer.Settle != time.Second {
		t.Fatalf("durations: %+v %+v", c.Worker, c.Transfer)
	}
	if c.Server.BasePath != "/ctl" {
		t.Fatalf("base path not normalized: %s", c.Server.BasePath)
	}
	if c.StoreDSN() != "memory://" {
		t.Fatalf("dsn: %s", c.StoreDSN())
	}
	if c.WorkerEnv["TPI_MODE"] != "lab" {
		t.Fatalf("worker env: %v", c.WorkerEnv)
	}

	p := c.Provision()
	if p.TargetDir != filepath.Join(dir, "state", RuntimeDirName) || p.AppVersion != "1.4.0" || p.Executable != "tpi-worker" {
		t.Fatalf("provision config: %+v", p)
	}
	s := c.Supervisor()
	if s.PIDFile != filepath.Join(dir, "state", PIDFileName) || s.StopTimeout != 5*time.Second {
		t.Fatalf("supervisor config: %+v", s)
	}
	if h := c.History(); h.MaxItems != 10 || h.MaxStats != 100 {
		t.Fatalf("history config: %+v", h)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "c.toml")
	if err := os.WriteFile(file, []byte("[server]\nlisten = \"127.0.0.1:1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAYSHELL_SERVER_LISTEN", "127.0.0.1:2")
	t.Setenv("RELAYSHELL_WORKER_DEV_MODE", "true")
	c, err := Load(file)
	if err != nil {
		t.Fatal(err)
	}
	if c.Server.Listen != "127.0.0.1:2" || !c.Worker.DevMode {
		t.Fatalf("env override not applied: %+v %+v", c.Server, c.Worker)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(bad, []byte("[worker]\nstop_timeout = \"0s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(bad); err == nil {
		t.Fatal("expected error for zero stop timeout")
	}
	broken := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(broken, []byte("data_dir = [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(broken); err == nil {
		t.Fatal("expected parse error")
	}
}

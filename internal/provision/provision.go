// Package provision locates the packaged worker tree and keeps an extracted copy
// of it under the application data directory.
package provision

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/loykin/relayshell/internal/env"
	"github.com/loykin/relayshell/internal/metrics"
)

// MarkerName is the file inside the install directory holding the fingerprint.
const MarkerName = ".runtime-fingerprint"

var (
	// ErrRuntimeMissing means no packaged worker tree was found.
	ErrRuntimeMissing = errors.New("worker runtime not found")
	// ErrRuntimeExecutableMissing means the resolved worker command does not exist.
	ErrRuntimeExecutableMissing = errors.New("worker executable missing")
)

// Config describes where the packaged worker lives and how to run it.
type Config struct {
	AppVersion string `mapstructure:"app_version"`
	// SourceDir is the packaged worker tree shipped with the application.
	SourceDir string `mapstructure:"source_dir"`
	// Executable is the main worker binary, relative to SourceDir.
	Executable string `mapstructure:"executable"`
	// TargetDir receives the extracted copy.
	TargetDir string `mapstructure:"target_dir"`

	DevMode     bool   `mapstructure:"dev_mode"`
	Interpreter string `mapstructure:"interpreter"`
	Script      string `mapstructure:"script"`

	Env map[string]string `mapstructure:"env"`

	// IsolateEnv hands the worker only Env instead of layering it over the
	// shell's own environment.
	IsolateEnv bool `mapstructure:"isolate_env"`
}

// Invocation is everything needed to start the worker.
type Invocation struct {
	Command  string
	BaseArgs []string
	WorkDir  string
	Env      map[string]string
}

// Argv returns the full argument vector for the given subcommand arguments.
func (i Invocation) Argv(args ...string) []string {
	out := make([]string, 0, len(i.BaseArgs)+len(args))
	out = append(out, i.BaseArgs...)
	return append(out, args...)
}

// Installation is a provisioned copy of the worker tree.
type Installation struct {
	TargetDir      string
	ExecutablePath string
	Fingerprint    string
	// Installed is true when this call (re)copied the tree.
	Installed bool
}

type Provisioner struct {
	fs  afero.Fs
	cfg Config
	env *env.Env

	mu sync.Mutex
}

// New creates a Provisioner on the real filesystem.
func New(cfg Config) *Provisioner { return NewWithFs(afero.NewOsFs(), cfg) }

// NewWithFs creates a Provisioner on fs.
func NewWithFs(fs afero.Fs, cfg Config) *Provisioner {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter()
	}
	e := env.New()
	if cfg.IsolateEnv {
		e.Isolate()
	} else {
		e.FromOS()
	}
	for k, v := range cfg.Env {
		e.Set(k, v)
	}
	return &Provisioner{fs: fs, cfg: cfg, env: e}
}

func defaultInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// Fingerprint identifies a source executable cheaply: version, architecture,
// byte size and modification time. It is not a content hash.
func Fingerprint(version string, fi os.FileInfo) string {
	return fmt.Sprintf("%s-%s-%d-%d", version, runtime.GOARCH, fi.Size(), fi.ModTime().UnixMilli())
}

// ResolveInvocation returns the command to run the worker, provisioning it
// first when needed. It is cheap when the installation is current.
func (p *Provisioner) ResolveInvocation() (Invocation, error) {
	workerEnv := p.env.Compose(env.Var{"PYTHONUNBUFFERED": "1"})
	if p.cfg.DevMode {
		if p.cfg.Script == "" {
			return Invocation{}, fmt.Errorf("%w: no dev script configured", ErrRuntimeMissing)
		}
		if _, err := p.fs.Stat(p.cfg.Script); err != nil {
			return Invocation{}, fmt.Errorf("%w: %s", ErrRuntimeExecutableMissing, p.cfg.Script)
		}
		return Invocation{
			Command:  p.cfg.Interpreter,
			BaseArgs: []string{p.cfg.Script},
			WorkDir:  filepath.Dir(p.cfg.Script),
			Env:      workerEnv,
		}, nil
	}

	inst, err := p.Ensure()
	if err != nil {
		return Invocation{}, err
	}
	if _, err := p.fs.Stat(inst.ExecutablePath); err != nil {
		return Invocation{}, fmt.Errorf("%w: %s", ErrRuntimeExecutableMissing, inst.ExecutablePath)
	}
	return Invocation{
		Command: inst.ExecutablePath,
		WorkDir: inst.TargetDir,
		Env:     workerEnv,
	}, nil
}

// Ensure makes the target directory hold the current source tree. It is safe
// to call on every launch; it only copies when the fingerprint changed.
func (p *Provisioner) Ensure() (Installation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cfg.SourceDir == "" {
		return Installation{}, fmt.Errorf("%w: no source directory configured", ErrRuntimeMissing)
	}
	if fi, err := p.fs.Stat(p.cfg.SourceDir); err != nil || !fi.IsDir() {
		return Installation{}, fmt.Errorf("%w: %s", ErrRuntimeMissing, p.cfg.SourceDir)
	}
	srcExe := filepath.Join(p.cfg.SourceDir, p.cfg.Executable)
	fi, err := p.fs.Stat(srcExe)
	if err != nil || fi.IsDir() {
		return Installation{}, fmt.Errorf("%w: %s", ErrRuntimeExecutableMissing, srcExe)
	}

	inst := Installation{
		TargetDir:      p.cfg.TargetDir,
		ExecutablePath: filepath.Join(p.cfg.TargetDir, p.cfg.Executable),
		Fingerprint:    Fingerprint(p.cfg.AppVersion, fi),
	}
	marker := filepath.Join(p.cfg.TargetDir, MarkerName)
	if cur, err := afero.ReadFile(p.fs, marker); err == nil && strings.TrimSpace(string(cur)) == inst.Fingerprint {
		return inst, nil
	}

	slog.Info("provisioning worker runtime", "source", p.cfg.SourceDir, "target", p.cfg.TargetDir, "fingerprint", inst.Fingerprint)
	if err := p.fs.RemoveAll(p.cfg.TargetDir); err != nil {
		return Installation{}, fmt.Errorf("clear runtime dir: %w", err)
	}
	if err := p.fs.MkdirAll(p.cfg.TargetDir, 0o755); err != nil {
		return Installation{}, fmt.Errorf("create runtime dir: %w", err)
	}
	if err := copyTree(p.fs, p.cfg.SourceDir, p.cfg.TargetDir); err != nil {
		return Installation{}, fmt.Errorf("copy runtime: %w", err)
	}
	if err := p.fs.Chmod(inst.ExecutablePath, 0o755); err != nil {
		return Installation{}, fmt.Errorf("chmod worker: %w", err)
	}
	// the marker is written last so an interrupted copy is redone next time
	if err := afero.WriteFile(p.fs, marker, []byte(inst.Fingerprint), 0o644); err != nil {
		return Installation{}, fmt.Errorf("write marker: %w", err)
	}
	metrics.IncProvisionInstall()
	inst.Installed = true
	return inst, nil
}

func copyTree(fs afero.Fs, src, dst string) error {
	return afero.Walk(fs, src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return fs.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(fs, path, target, info.Mode().Perm())
	})
}

func copyFile(fs afero.Fs, src, dst string, mode os.FileMode) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := fs.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// Package supervisor owns the single managed worker slot and runs one-shot
// worker commands.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/relayshell/internal/env"
	"github.com/loykin/relayshell/internal/events"
	"github.com/loykin/relayshell/internal/logger"
	"github.com/loykin/relayshell/internal/metrics"
	"github.com/loykin/relayshell/internal/process"
	"github.com/loykin/relayshell/internal/provision"
)

// Resolver returns the command used to start the worker.
type Resolver interface {
	ResolveInvocation() (provision.Invocation, error)
}

// State of the managed worker slot.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
)

type Config struct {
	// StopTimeout bounds the wait for a killed worker to exit.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	// WaitDelay bounds how long output pipes are drained after the worker exits.
	WaitDelay time.Duration `mapstructure:"wait_delay"`
	PIDFile   string        `mapstructure:"pid_file"`
	// Capture tees worker output into rotating files configured by Log.File.
	Capture bool          `mapstructure:"capture"`
	Log     logger.Config `mapstructure:"-"`
}

// Handle identifies a started managed worker.
type Handle struct {
	Gen uint64 `json:"gen"`
	PID int    `json:"pid"`
}

// Status is a snapshot of the managed slot.
type Status struct {
	Gen       uint64    `json:"gen"`
	PID       int       `json:"pid"`
	State     State     `json:"state"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
}

type worker struct {
	gen    uint64
	cmd    *exec.Cmd
	stdout *events.Demux
	stderr *events.Demux
	files  []io.Closer
	done   chan struct{}
	status Status
}

type Supervisor struct {
	resolver Resolver
	pub      events.Publisher
	cfg      Config
	pidfile  process.PIDFile

	// opMu serializes spawn and stop so kill-then-spawn is atomic.
	opMu sync.Mutex

	mu   sync.Mutex
	gen  uint64
	cur  *worker
	last Status
}

func New(resolver Resolver, pub events.Publisher, cfg Config) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 3 * time.Second
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = time.Second
	}
	return &Supervisor{
		resolver: resolver,
		pub:      pub,
		cfg:      cfg,
		pidfile:  process.PIDFile{Path: cfg.PIDFile},
		last:     Status{State: StateIdle},
	}
}

// ReapOrphan kills a worker left running by a previous shell instance.
func (s *Supervisor) ReapOrphan() (int, error) {
	return s.pidfile.ReapOrphan(s.cfg.StopTimeout)
}

// SpawnManaged replaces the managed worker with a new one running args. The
// previous worker tree is killed and its exit confirmed first. Every event the
// new worker produces carries the returned generation.
func (s *Supervisor) SpawnManaged(ctx context.Context, args []string) (Handle, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.stop(ctx); err != nil {
		return Handle{}, err
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.last = Status{Gen: gen, State: StateStarting, Args: args}
	s.mu.Unlock()

	inv, err := s.resolver.ResolveInvocation()
	if err != nil {
		s.spawnFailed(gen, "managed", err)
		return Handle{}, err
	}

	cmd := exec.Command(inv.Command, inv.Argv(args...)...)
	cmd.Dir = inv.WorkDir
	cmd.Env = env.Var(inv.Env).List()
	cmd.WaitDelay = s.cfg.WaitDelay
	process.Configure(cmd)

	w := &worker{
		gen:    gen,
		cmd:    cmd,
		stdout: events.NewStdoutDemux(s.pub, gen),
		stderr: events.NewStderrDemux(s.pub, gen),
		done:   make(chan struct{}),
	}
	var stdout, stderr io.Writer = w.stdout, w.stderr
	if s.cfg.Capture {
		fo, fe, err := s.cfg.Log.ProcessWriters("worker")
		if err != nil {
			slog.Warn("worker output capture disabled", "error", err)
		}
		if fo != nil {
			stdout = io.MultiWriter(w.stdout, fo)
			w.files = append(w.files, fo)
		}
		if fe != nil {
			stderr = io.MultiWriter(w.stderr, fe)
			w.files = append(w.files, fe)
		}
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		closeAll(w.files)
		serr := &SpawnError{Command: inv.Command, Err: err}
		s.spawnFailed(gen, "managed", serr)
		return Handle{}, serr
	}

	pid := cmd.Process.Pid
	w.status = Status{Gen: gen, PID: pid, State: StateRunning, Args: args, StartedAt: time.Now()}
	s.mu.Lock()
	s.cur = w
	s.last = w.status
	s.mu.Unlock()

	if err := s.pidfile.Write(pid, strings.Join(cmd.Args, " ")); err != nil {
		slog.Warn("write worker pidfile", "path", s.pidfile.Path, "error", err)
	}
	metrics.IncSpawn("managed")
	metrics.SetWorkerRunning(true)
	slog.Info("worker started", "gen", gen, "pid", pid, "args", args)

	go s.wait(w)
	return Handle{Gen: gen, PID: pid}, nil
}

func (s *Supervisor) spawnFailed(gen uint64, mode string, err error) {
	metrics.IncSpawnFailure(mode)
	slog.Error("worker spawn failed", "gen", gen, "error", err)
	s.mu.Lock()
	s.last = Status{Gen: gen, State: StateIdle}
	s.mu.Unlock()
	s.pub.Publish(events.Message{
		Topic: events.TopicLog,
		Gen:   gen,
		Event: events.RawLog{Text: "failed to start worker: " + err.Error(), Stream: events.Stderr},
	})
}

// oneShotFailed reports a one-shot command that never started. One-shot runs
// have no generation, so the log line carries gen 0.
func (s *Supervisor) oneShotFailed(args []string, err error) {
	metrics.IncSpawnFailure("oneshot")
	slog.Error("one-shot worker spawn failed", "args", args, "error", err)
	s.pub.Publish(events.Message{
		Topic: events.TopicLog,
		Event: events.RawLog{Text: "failed to start worker: " + err.Error(), Stream: events.Stderr},
	})
}

func (s *Supervisor) wait(w *worker) {
	err := w.cmd.Wait()
	w.stdout.Flush()
	w.stderr.Flush()
	closeAll(w.files)

	if err != nil && w.cmd.ProcessState == nil {
		slog.Warn("wait for worker", "gen", w.gen, "error", err)
	}
	exit := exitInfo(w.cmd.ProcessState)
	outcome := "clean"
	switch {
	case exit.Signal != "":
		outcome = "signal"
	case exit.Code != 0:
		outcome = "error"
	}
	metrics.IncExit(outcome)

	s.mu.Lock()
	st := w.status
	st.State = StateExited
	st.ExitedAt = time.Now()
	st.ExitCode = exit.Code
	st.Signal = exit.Signal
	if s.cur == w {
		s.cur = nil
		s.pidfile.Remove()
		metrics.SetWorkerRunning(false)
	}
	if s.last.Gen == w.gen {
		s.last = st
	}
	s.mu.Unlock()

	slog.Info("worker exited", "gen", w.gen, "pid", st.PID, "code", exit.Code, "signal", exit.Signal)
	s.pub.Publish(events.Message{Topic: events.TopicProcessExit, Gen: w.gen, Event: exit})
	close(w.done)
}

func exitInfo(ps *os.ProcessState) events.ProcessExit {
	if ps == nil {
		return events.ProcessExit{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return events.ProcessExit{Code: -1, Signal: ws.Signal().String()}
	}
	return events.ProcessExit{Code: ps.ExitCode()}
}

// Stop kills the managed worker tree and waits for it to exit. It is a no-op
// when no worker is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx)
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.mu.Lock()
	w := s.cur
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	pid := w.cmd.Process.Pid
	slog.Info("stopping worker", "gen", w.gen, "pid", pid)
	if err := process.KillTree(pid); err != nil {
		slog.Warn("kill worker tree", "pid", pid, "error", err)
	}
	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-w.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w: pid %d after %s", ErrStopTimeout, pid, s.cfg.StopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SpawnOnce runs a short-lived worker command to completion and returns its
// stdout. It does not touch the managed slot. Cancelling ctx kills the tree.
func (s *Supervisor) SpawnOnce(ctx context.Context, args []string) ([]byte, error) {
	inv, err := s.resolver.ResolveInvocation()
	if err != nil {
		s.oneShotFailed(args, err)
		return nil, err
	}
	cmd := exec.CommandContext(ctx, inv.Command, inv.Argv(args...)...)
	cmd.Dir = inv.WorkDir
	cmd.Env = env.Var(inv.Env).List()
	cmd.WaitDelay = s.cfg.WaitDelay
	process.Configure(cmd)
	cmd.Cancel = func() error { return process.KillTree(cmd.Process.Pid) }

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	if err := cmd.Start(); err != nil {
		serr := &SpawnError{Command: inv.Command, Err: err}
		s.oneShotFailed(args, serr)
		return nil, serr
	}
	metrics.IncSpawn("oneshot")
	err = cmd.Wait()
	if len(args) > 0 {
		metrics.ObserveOneShot(args[0], time.Since(started).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return stdout.Bytes(), &NonZeroExitError{
				Args:   args,
				Code:   ee.ExitCode(),
				Output: stdout.Bytes(),
				Stderr: stderr.Bytes(),
			}
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

// Status returns the current worker, or the most recent one when idle.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// PID returns the managed worker pid, or 0 when none is running.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.status.PID
}

// Done returns a channel closed when the given generation has exited. It is
// nil when gen is not the running worker.
func (s *Supervisor) Done(gen uint64) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.gen != gen {
		return nil
	}
	return s.cur.done
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

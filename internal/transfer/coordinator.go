// Package transfer sequences a batch of file sends against the managed worker
// and turns its progress events into session state and history.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/loykin/relayshell/internal/events"
	"github.com/loykin/relayshell/internal/history"
	"github.com/loykin/relayshell/internal/metrics"
	"github.com/loykin/relayshell/internal/supervisor"
	"github.com/loykin/relayshell/internal/worker"
)

var (
	// ErrBusy means a batch is being sent.
	ErrBusy = errors.New("a transfer batch is in progress")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Spawner is the part of the supervisor the coordinator drives.
type Spawner interface {
	SpawnManaged(ctx context.Context, args []string) (supervisor.Handle, error)
	Stop(ctx context.Context) error
}

// Recorder persists finished transfers.
type Recorder interface {
	Append(ctx context.Context, it history.Item) (history.Item, error)
	AppendStats(ctx context.Context, r history.StatsRecord) (history.StatsRecord, error)
}

// Bus delivers worker events and receives state snapshots.
type Bus interface {
	Handle(fn func(events.Message), topics ...events.Topic) func()
	Publish(m events.Message)
}

type Status string

const (
	Idle      Status = "idle"
	Sending   Status = "sending"
	Completed Status = "completed"
)

// Mode is what the managed worker was started for.
type Mode string

const (
	ModeNone    Mode = ""
	ModeSend    Mode = "send"
	ModeReceive Mode = "receive"
	ModeProxy   Mode = "proxy"
)

// File is one queued file of a batch.
type File struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// Snapshot is the observable session state. It is published on the
// transfer-state topic after every change.
type Snapshot struct {
	Status       Status    `json:"status"`
	Mode         Mode      `json:"mode"`
	Gen          uint64    `json:"gen"`
	Protocol     string    `json:"protocol,omitempty"`
	Files        []File    `json:"files"`
	CurrentIndex int       `json:"current_index"`
	TotalFiles   int       `json:"total_files"`
	CurrentFile  string    `json:"current_file,omitempty"`
	Bytes        int64     `json:"bytes"`
	Total        int64     `json:"total"`
	Progress     float64   `json:"progress"`
	Throughput   float64   `json:"throughput,omitempty"`
	RTT          float64   `json:"rtt,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	Listening    bool      `json:"listening"`
	Port         int       `json:"port,omitempty"`
	Error        string    `json:"error,omitempty"`
}

func (Snapshot) Topic() events.Topic { return events.TopicTransferState }

// maxBacklog bounds events buffered while a spawn is in flight.
const maxBacklog = 4096

type Coordinator struct {
	sp  Spawner
	rec Recorder
	bus Bus
	fs  afero.Fs

	unhandle func()
	now      func() time.Time

	mu        sync.Mutex
	st        Snapshot
	session   uint64
	activeGen uint64
	pending   bool
	backlog   []events.Message
	fileStart time.Time
	// receive mode: name and start of the file being received
	recvName  string
	recvStart time.Time
}

// New wires a coordinator to the bus. Close detaches it.
func New(sp Spawner, rec Recorder, bus Bus, fs afero.Fs) *Coordinator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	c := &Coordinator{sp: sp, rec: rec, bus: bus, fs: fs, now: time.Now, st: Snapshot{Status: Idle, Files: []File{}}}
	c.unhandle = bus.Handle(c.onMessage,
		events.TopicTransferUpdate,
		events.TopicStats,
		events.TopicWindowUpdate,
		events.TopicServerReady,
		events.TopicWorkerError,
		events.TopicProcessExit,
	)
	return c
}

func (c *Coordinator) Close() {
	if c.unhandle != nil {
		c.unhandle()
	}
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := c.st
	s.Files = append([]File{}, c.st.Files...)
	return s
}

func (c *Coordinator) publish(s Snapshot) {
	c.bus.Publish(events.Message{Topic: events.TopicTransferState, Gen: s.Gen, Event: s})
}

// Start queues the files of req and launches one worker for the whole batch.
func (c *Coordinator) Start(ctx context.Context, req worker.SendRequest) (Snapshot, error) {
	req.Defaults()
	if err := worker.Validate(req); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	files := make([]File, 0, len(req.Files))
	for _, p := range req.Files {
		fi, err := c.fs.Stat(p)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if fi.IsDir() {
			return Snapshot{}, fmt.Errorf("%w: %s is a directory", ErrInvalidRequest, p)
		}
		files = append(files, File{Path: p, Name: filepath.Base(p), Size: fi.Size()})
	}

	return c.launch(ctx, req.Args(), func() {
		c.st = Snapshot{
			Status:     Sending,
			Mode:       ModeSend,
			Protocol:   string(req.Protocol),
			Files:      files,
			TotalFiles: len(files),
			StartedAt:  c.now(),
		}
		c.fileStart = c.st.StartedAt
	})
}

// StartServer launches the worker as a receiver. The caller fills SaveDir.
func (c *Coordinator) StartServer(ctx context.Context, req worker.ServerRequest) (Snapshot, error) {
	if err := worker.Validate(req); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := c.fs.MkdirAll(req.SaveDir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("create save dir: %w", err)
	}
	return c.launch(ctx, req.Args(), func() {
		c.st = Snapshot{Status: Idle, Mode: ModeReceive, Protocol: string(req.Protocol), Files: []File{}, Port: req.Port}
	})
}

// StartProxy launches the worker as an interception proxy.
func (c *Coordinator) StartProxy(ctx context.Context, req worker.ProxyRequest) (Snapshot, error) {
	req.Defaults()
	if err := worker.Validate(req); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return c.launch(ctx, req.Args(), func() {
		c.st = Snapshot{Status: Idle, Mode: ModeProxy, Protocol: string(req.Protocol), Files: []File{}, Port: req.ListenPort}
	})
}

// launch spawns the worker without holding the lock: the supervisor waits for
// the previous worker to exit, and that worker's last events still need the
// handler. Events arriving meanwhile are kept and replayed for the new
// generation only.
func (c *Coordinator) launch(ctx context.Context, args []string, init func()) (Snapshot, error) {
	c.mu.Lock()
	if c.st.Status == Sending || c.pending {
		c.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	c.session++
	session := c.session
	init()
	c.pending = true
	c.activeGen = 0
	c.backlog = nil
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)

	h, err := c.sp.SpawnManaged(ctx, args)

	c.mu.Lock()
	if session != c.session {
		// cancelled or stopped while spawning
		c.mu.Unlock()
		return c.Snapshot(), err
	}
	c.pending = false
	backlog := c.backlog
	c.backlog = nil
	if err != nil {
		c.st.Status = Idle
		c.st.Mode = ModeNone
		c.st.Error = err.Error()
		snap = c.snapshotLocked()
		c.mu.Unlock()
		c.publish(snap)
		return snap, err
	}
	c.activeGen = h.Gen
	c.st.Gen = h.Gen
	var effects []func()
	for _, m := range backlog {
		if m.Gen == h.Gen {
			effects = append(effects, c.apply(m)...)
		}
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()

	runEffects(effects)
	c.publish(snap)
	return snap, nil
}

// Cancel stops the worker of a running batch and records the in-flight file as
// cancelled. The current index is left where it was.
func (c *Coordinator) Cancel(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.st.Status != Sending {
		snap := c.snapshotLocked()
		c.mu.Unlock()
		return snap, nil
	}
	effects := c.abortLocked(history.Cancelled, "")
	c.session++
	c.pending = false
	c.activeGen = 0
	snap := c.snapshotLocked()
	c.mu.Unlock()

	err := c.sp.Stop(ctx)
	runEffects(effects)
	c.publish(snap)
	return snap, err
}

// Reset returns a finished or failed session to idle.
func (c *Coordinator) Reset() (Snapshot, error) {
	c.mu.Lock()
	if c.st.Status == Sending {
		c.mu.Unlock()
		return Snapshot{}, ErrBusy
	}
	mode, port, listening, gen := c.st.Mode, c.st.Port, c.st.Listening, c.st.Gen
	c.st = Snapshot{Status: Idle, Files: []File{}}
	// a running receiver or proxy is not affected by a reset
	if mode == ModeReceive || mode == ModeProxy {
		c.st.Mode, c.st.Port, c.st.Listening, c.st.Gen = mode, port, listening, gen
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap)
	return snap, nil
}

// StopWorker stops whatever managed worker runs. A running batch is cancelled.
func (c *Coordinator) StopWorker(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	if c.st.Status == Sending {
		c.mu.Unlock()
		return c.Cancel(ctx)
	}
	c.session++
	c.pending = false
	c.activeGen = 0
	if c.st.Mode != ModeSend {
		c.st.Mode = ModeNone
	}
	c.st.Listening = false
	snap := c.snapshotLocked()
	c.mu.Unlock()

	err := c.sp.Stop(ctx)
	c.publish(snap)
	return snap, err
}

func (c *Coordinator) onMessage(m events.Message) {
	c.mu.Lock()
	if c.pending {
		if len(c.backlog) < maxBacklog {
			c.backlog = append(c.backlog, m)
		}
		c.mu.Unlock()
		return
	}
	if m.Gen == 0 || m.Gen != c.activeGen {
		c.mu.Unlock()
		return
	}
	effects := c.apply(m)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	runEffects(effects)
	switch m.Topic {
	case events.TopicWindowUpdate:
	case events.TopicStats:
		if snap.Status == Sending {
			c.publish(snap)
		}
	default:
		c.publish(snap)
	}
}

// apply folds one event of the active generation into the state. Persistence
// is returned as effects to run after the lock is released.
func (c *Coordinator) apply(m events.Message) []func() {
	switch ev := m.Event.(type) {
	case events.TransferUpdate:
		if c.st.Mode == ModeReceive {
			return c.applyReceive(ev)
		}
		if c.st.Status == Sending {
			return c.applySend(ev)
		}
	case events.Stats:
		c.st.Throughput = ev.Throughput
		c.st.RTT = ev.RTT
		if c.sendingLocked() {
			n := c.st.Bytes + ev.DeltaBytes
			if ev.TotalSent > 0 {
				n = max(c.st.Bytes, ev.TotalSent)
			}
			if ev.Progress > 0 && c.st.Total > 0 {
				n = max(n, int64(ev.Progress/100*float64(c.st.Total)))
			}
			c.observeBytes(n)
		}
	case events.WindowUpdate:
		if c.sendingLocked() {
			if c.st.Total <= 0 && ev.Total > 0 {
				c.st.Total = ev.Total
			}
			c.observeBytes(max(c.st.Bytes, ev.NextSeq))
		}
	case events.ServerReady:
		c.st.Listening = true
		if ev.Port > 0 {
			c.st.Port = ev.Port
		}
	case events.WorkerError:
		if c.st.Status == Sending {
			return c.abortLocked(history.Failed, ev.Message)
		}
		c.st.Error = ev.Message
	case events.ProcessExit:
		c.activeGen = 0
		c.st.Listening = false
		if c.st.Status == Sending {
			msg := fmt.Sprintf("worker exited before the batch completed (code %d)", ev.Code)
			if ev.Signal != "" {
				msg = "worker exited before the batch completed (" + ev.Signal + ")"
			}
			return c.abortLocked(history.Failed, msg)
		}
		if c.st.Mode == ModeReceive || c.st.Mode == ModeProxy {
			c.st.Mode = ModeNone
		}
	}
	return nil
}

func (c *Coordinator) applySend(ev events.TransferUpdate) []func() {
	switch ev.Status {
	case events.TransferStart:
		c.st.CurrentFile = c.st.Files[c.st.CurrentIndex].Name
		if i := c.match(ev.Filename); i >= 0 && i != c.st.CurrentIndex {
			slog.Debug("worker started a different file than expected", "filename", ev.Filename, "expected", c.st.CurrentFile)
			c.st.CurrentFile = c.st.Files[i].Name
		}
		c.st.Bytes = 0
		c.st.Total = ev.Total
		if c.st.Total <= 0 {
			c.st.Total = c.st.Files[c.st.CurrentIndex].Size
		}
		c.st.Progress = 0
		c.fileStart = c.now()
	case events.TransferProgress:
		c.st.Bytes = ev.Current
		if ev.Total > 0 {
			c.st.Total = ev.Total
		}
		if c.st.Total > 0 {
			c.st.Progress = float64(c.st.Bytes) / float64(c.st.Total)
		}
	case events.TransferComplete:
		f := c.st.Files[c.st.CurrentIndex]
		elapsed := c.now().Sub(c.fileStart)
		item := history.Item{Filename: f.Name, Size: f.Size, Direction: history.Sent, Status: history.Success, Protocol: c.st.Protocol}
		rec := statsRecord(f.Name, f.Size, elapsed, c.st.Protocol)

		c.st.CurrentIndex++
		c.st.CurrentFile = ""
		c.st.Bytes, c.st.Total, c.st.Progress = 0, 0, 0
		c.fileStart = c.now()
		if c.st.CurrentIndex == c.st.TotalFiles {
			c.st.Status = Completed
			c.st.Progress = 1
		}
		return []func(){func() { c.record(item, &rec) }}
	}
	return nil
}

func (c *Coordinator) applyReceive(ev events.TransferUpdate) []func() {
	switch ev.Status {
	case events.TransferStart:
		c.recvName = filepath.Base(ev.Filename)
		c.recvStart = c.now()
		c.st.CurrentFile = c.recvName
		c.st.Bytes, c.st.Total, c.st.Progress = 0, ev.Total, 0
	case events.TransferProgress:
		c.st.Bytes = ev.Current
		if ev.Total > 0 {
			c.st.Total = ev.Total
			c.st.Progress = float64(ev.Current) / float64(ev.Total)
		}
	case events.TransferComplete:
		name := filepath.Base(ev.Filename)
		if name == "." || name == "" {
			name = c.recvName
		}
		size := ev.Total
		if size <= 0 {
			size = max(ev.Current, c.st.Bytes)
		}
		start := c.recvStart
		if start.IsZero() || name != c.recvName {
			start = c.now()
		}
		item := history.Item{Filename: name, Size: size, Direction: history.Received, Status: history.Success, Protocol: c.st.Protocol}
		rec := statsRecord(name, size, c.now().Sub(start), c.st.Protocol)
		c.st.CurrentFile = ""
		c.st.Bytes, c.st.Total, c.st.Progress = 0, 0, 0
		c.recvName = ""
		return []func(){func() { c.record(item, &rec) }}
	}
	return nil
}

func (c *Coordinator) sendingLocked() bool {
	return c.st.Mode == ModeSend && c.st.Status == Sending
}

// observeBytes sets the in-flight file's byte count, capped at its total.
func (c *Coordinator) observeBytes(n int64) {
	if c.st.Total > 0 {
		n = min(n, c.st.Total)
		c.st.Progress = float64(n) / float64(c.st.Total)
	}
	c.st.Bytes = n
}

// match finds the queued file the worker refers to, from the current index on.
func (c *Coordinator) match(name string) int {
	if name == "" {
		return -1
	}
	for i := c.st.CurrentIndex; i < len(c.st.Files); i++ {
		f := c.st.Files[i]
		if strings.HasSuffix(f.Path, name) || strings.HasSuffix(name, f.Name) {
			return i
		}
	}
	return -1
}

// abortLocked ends a sending batch, recording the in-flight file with status.
func (c *Coordinator) abortLocked(status history.Status, msg string) []func() {
	var effects []func()
	if c.st.CurrentIndex < len(c.st.Files) {
		f := c.st.Files[c.st.CurrentIndex]
		item := history.Item{
			Filename:  f.Name,
			Size:      c.st.Bytes,
			Direction: history.Sent,
			Status:    status,
			Protocol:  c.st.Protocol,
			Error:     msg,
		}
		effects = append(effects, func() { c.record(item, nil) })
	}
	c.st.Status = Idle
	c.st.Error = msg
	c.st.CurrentFile = ""
	c.st.Progress = 0
	return effects
}

func (c *Coordinator) record(item history.Item, rec *history.StatsRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metrics.IncTransfer(string(item.Direction), string(item.Status))
	if item.Status == history.Success {
		metrics.AddTransferBytes(string(item.Direction), item.Size)
	}
	if _, err := c.rec.Append(ctx, item); err != nil {
		slog.Error("record transfer", "filename", item.Filename, "error", err)
	}
	if rec != nil {
		if _, err := c.rec.AppendStats(ctx, *rec); err != nil {
			slog.Error("record transfer stats", "filename", rec.Filename, "error", err)
		}
	}
}

func statsRecord(name string, size int64, elapsed time.Duration, protocol string) history.StatsRecord {
	r := history.StatsRecord{Filename: name, Size: size, DurationMs: elapsed.Milliseconds(), Protocol: protocol}
	if secs := elapsed.Seconds(); secs > 0 {
		r.ThroughputBps = float64(size) / secs
	}
	return r
}

func runEffects(fs []func()) {
	for _, f := range fs {
		f()
	}
}

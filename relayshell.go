// Package relayshell is the control shell around the file-transfer worker:
// it provisions the worker runtime, supervises worker processes, turns their
// output into typed events and keeps transfer history.
package relayshell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	cfg "github.com/loykin/relayshell/internal/config"
	"github.com/loykin/relayshell/internal/events"
	"github.com/loykin/relayshell/internal/history"
	"github.com/loykin/relayshell/internal/inbox"
	"github.com/loykin/relayshell/internal/integrity"
	"github.com/loykin/relayshell/internal/metrics"
	"github.com/loykin/relayshell/internal/provision"
	iapi "github.com/loykin/relayshell/internal/server"
	"github.com/loykin/relayshell/internal/store"
	"github.com/loykin/relayshell/internal/store/factory"
	"github.com/loykin/relayshell/internal/supervisor"
	"github.com/loykin/relayshell/internal/transfer"
	"github.com/loykin/relayshell/internal/worker"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type (
	SendRequest   = worker.SendRequest
	ServerRequest = worker.ServerRequest
	ProxyRequest  = worker.ProxyRequest
	Peer          = worker.Peer
	Interface     = worker.Interface
	Snapshot      = transfer.Snapshot
	WorkerStatus  = supervisor.Status
	HistoryItem   = history.Item
	StatsRecord   = history.StatsRecord
	VerifyResult  = integrity.Result
	Installation  = provision.Installation
	Message       = events.Message
	Topic         = events.Topic
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// Shell wires the components together. Create it with New and release it with Close.
type Shell struct {
	cfg      *Config
	bus      *events.Bus
	st       store.Store
	prov     *provision.Provisioner
	sup      *supervisor.Supervisor
	coord    *transfer.Coordinator
	hist     *history.History
	verifier *integrity.Verifier
	sampler  *metrics.ResourceSampler
}

// New opens the store and builds the shell. A worker left behind by a
// previous run is killed before anything is spawned.
func New(ctx context.Context, c *Config) (*Shell, error) {
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := factory.NewFromDSN(c.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("prepare store: %w", err)
	}

	s := &Shell{
		cfg:      c,
		bus:      events.NewBus(),
		st:       st,
		prov:     provision.New(c.Provision()),
		verifier: integrity.New(),
		sampler:  metrics.NewResourceSampler(c.Metrics.Resources),
	}
	s.sup = supervisor.New(s.prov, s.bus, c.Supervisor())
	s.hist = history.New(st, c.History())
	s.coord = transfer.New(s.sup, s.hist, s.bus, nil)

	if pid, err := s.sup.ReapOrphan(); err != nil {
		slog.Warn("orphan worker check failed", "error", err)
	} else if pid > 0 {
		slog.Info("killed orphaned worker", "pid", pid)
	}
	return s, nil
}

// RegisterMetrics registers the shell's collectors with r.
func (s *Shell) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return s.sampler.RegisterMetrics(r)
}

// Run drives the background parts (received-files watcher, resource
// sampling) until ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inbox.New(s.cfg.ReceivedDir(), s.bus, s.cfg.Transfer.Settle).Run(ctx)
	})
	g.Go(func() error {
		s.sampler.Start(ctx, s.sup.PID)
		<-ctx.Done()
		s.sampler.Stop()
		return nil
	})
	return g.Wait()
}

// Close stops the managed worker and closes the store.
func (s *Shell) Close(ctx context.Context) error {
	s.coord.Close()
	stopErr := s.sup.Stop(ctx)
	return errors.Join(stopErr, s.st.Close())
}

// NewHTTPServer starts the control API on the configured listen address.
func (s *Shell) NewHTTPServer() (*http.Server, error) {
	r := iapi.NewRouter(s, s.cfg.Server.BasePath, s.cfg.Metrics.Enabled)
	return iapi.NewServer(s.cfg.Server.Listen, r)
}

func (s *Shell) Config() *Config { return s.cfg }

// Provision installs or refreshes the packaged worker runtime.
func (s *Shell) Provision() (Installation, error) { return s.prov.Ensure() }

func (s *Shell) Send(ctx context.Context, req SendRequest) (Snapshot, error) {
	return s.coord.Start(ctx, req)
}
func (s *Shell) Cancel(ctx context.Context) (Snapshot, error) { return s.coord.Cancel(ctx) }
func (s *Shell) Reset() (Snapshot, error)                     { return s.coord.Reset() }
func (s *Shell) TransferState() Snapshot                      { return s.coord.Snapshot() }

func (s *Shell) StartServer(ctx context.Context, req ServerRequest) (Snapshot, error) {
	req.Defaults(s.cfg.ReceivedDir())
	return s.coord.StartServer(ctx, req)
}
func (s *Shell) StartProxy(ctx context.Context, req ProxyRequest) (Snapshot, error) {
	return s.coord.StartProxy(ctx, req)
}
func (s *Shell) StopWorker(ctx context.Context) (Snapshot, error) { return s.coord.StopWorker(ctx) }
func (s *Shell) WorkerStatus() WorkerStatus                       { return s.sup.Status() }
func (s *Shell) ReceivedDir() string                              { return s.cfg.ReceivedDir() }

// WorkerDone is closed when the worker of generation gen has exited.
func (s *Shell) WorkerDone(gen uint64) <-chan struct{} { return s.sup.Done(gen) }

func (s *Shell) WorkerResources() []metrics.ResourceSample {
	if !s.sampler.IsEnabled() {
		return nil
	}
	return s.sampler.History()
}

// ScanNetwork runs the worker's peer discovery and returns the peers found.
// A failed or unparsable scan yields whatever peers its output still names,
// possibly none.
func (s *Shell) ScanNetwork(ctx context.Context) ([]Peer, error) {
	out, err := s.sup.SpawnOnce(ctx, []string{worker.CmdScanNetwork})
	if err != nil {
		var exitErr *supervisor.NonZeroExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		slog.Warn("scan-network failed", "code", exitErr.Code, "error", err)
		out = exitErr.Output
	}
	peers, err := worker.ParsePeers(out)
	if err != nil || peers == nil {
		if err != nil {
			slog.Warn("scan-network printed no peer list", "error", err)
		}
		return []Peer{}, nil
	}
	return peers, nil
}

// ListInterfaces asks the worker for the capture-capable interfaces. An
// {"error": ...} answer is returned as an error; output without a list yields
// an empty one.
func (s *Shell) ListInterfaces(ctx context.Context) ([]Interface, error) {
	out, err := s.sup.SpawnOnce(ctx, []string{worker.CmdListInterfaces})
	if err != nil {
		var exitErr *supervisor.NonZeroExitError
		if !errors.As(err, &exitErr) {
			return nil, err
		}
		slog.Warn("list-interfaces failed", "code", exitErr.Code, "error", err)
		out = exitErr.Output
	}
	ifaces, err := worker.ParseInterfaces(out)
	switch {
	case errors.Is(err, worker.ErrNoJSON):
		return []Interface{}, nil
	case err != nil:
		return nil, err
	case ifaces == nil:
		return []Interface{}, nil
	}
	return ifaces, nil
}

func (s *Shell) Verify(path string) (VerifyResult, error) { return s.verifier.Verify(path) }

func (s *Shell) History(ctx context.Context) ([]HistoryItem, error) { return s.hist.List(ctx) }
func (s *Shell) Stats(ctx context.Context) ([]StatsRecord, error)   { return s.hist.Stats(ctx) }
func (s *Shell) ClearHistory(ctx context.Context) error             { return s.hist.Clear(ctx) }

// Subscribe returns a bus subscription; no topics means all topics.
func (s *Shell) Subscribe(buffer int, topics ...Topic) *events.Subscription {
	return s.bus.Subscribe(buffer, topics...)
}

// Wait blocks until the current batch leaves the sending state or ctx is done.
func (s *Shell) Wait(ctx context.Context) (Snapshot, error) {
	sub := s.bus.Subscribe(64, events.TopicTransferState)
	defer sub.Close()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		snap := s.coord.Snapshot()
		if snap.Status != transfer.Sending {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-sub.C:
		case <-tick.C:
		}
	}
}

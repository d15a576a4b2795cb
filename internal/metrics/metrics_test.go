package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncEvent("stats-update")
	IncSpawn("managed")
	IncSpawnFailure("oneshot")
	IncExit("clean")
	SetWorkerRunning(true)
	ObserveOneShot("scan-network", 0.4)
	IncTransfer("sent", "success")
	AddTransferBytes("sent", 60)
	IncProvisionInstall()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"relayshell_events_published_total":          false,
		"relayshell_worker_spawns_total":             false,
		"relayshell_worker_spawn_failures_total":     false,
		"relayshell_worker_exits_total":              false,
		"relayshell_worker_running":                  false,
		"relayshell_worker_oneshot_duration_seconds": false,
		"relayshell_transfer_files_total":            false,
		"relayshell_transfer_bytes_total":            false,
		"relayshell_provision_installs_total":        false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncEvent("log")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "relayshell_events_published_total") {
		t.Fatalf("metrics output missing events_published_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncEvent("log")
			IncSpawn("managed")
			IncExit("signal")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	IncEvent("log")
	IncSpawn("managed")
	IncSpawnFailure("managed")
	IncExit("clean")
	SetWorkerRunning(false)
	ObserveOneShot("verify", 1)
	IncTransfer("received", "success")
	AddTransferBytes("received", 1)
	IncProvisionInstall()
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
	if regOK.Load() {
		t.Fatal("failed registration must leave helpers disabled")
	}
}

func TestResourceSamplerSelf(t *testing.T) {
	s := NewResourceSampler(SamplerConfig{Enabled: true, MaxHistory: 2})
	reg := prometheus.NewRegistry()
	if err := s.RegisterMetrics(reg); err != nil {
		t.Fatal(err)
	}
	pid := int32(os.Getpid())
	for i := 0; i < 3; i++ {
		s.SampleOnce(pid, time.Now())
	}
	latest, ok := s.Latest()
	if !ok || latest.PID != pid || latest.MemoryRSS == 0 {
		t.Fatalf("unexpected latest sample: %+v ok=%v", latest, ok)
	}
	if n := len(s.History()); n != 2 {
		t.Fatalf("history should be capped at 2, got %d", n)
	}

	s.SampleOnce(0, time.Now())
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestResourceSamplerDisabled(t *testing.T) {
	s := NewResourceSampler(SamplerConfig{})
	if s.IsEnabled() {
		t.Fatal("zero config should be disabled")
	}
	if err := s.RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatal(err)
	}
	s.Start(t.Context(), func() int { return os.Getpid() })
	s.Stop()
}

type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }

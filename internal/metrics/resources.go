package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory reading of the managed worker.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for worker resource sampling.
type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ResourceSampler periodically reads resource usage of whatever PID the
// supplied function returns. A zero PID means no worker is running.
type ResourceSampler struct {
	enabled  bool
	interval time.Duration
	max      int

	mu      sync.RWMutex
	history []ResourceSample
	pid     int32
	proc    *process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpu     prometheus.Gauge
	memory  prometheus.Gauge
	threads prometheus.Gauge
	fds     prometheus.Gauge
}

func NewResourceSampler(cfg SamplerConfig) *ResourceSampler {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 120
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayshell",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		})
	}
	return &ResourceSampler{
		enabled:  cfg.Enabled,
		interval: cfg.Interval,
		max:      cfg.MaxHistory,
		stopCh:   make(chan struct{}),
		cpu:      gauge("cpu_percent", "CPU usage percentage of the managed worker."),
		memory:   gauge("memory_mb", "Resident memory of the managed worker in MB."),
		threads:  gauge("num_threads", "Thread count of the managed worker."),
		fds:      gauge("num_fds", "Open file descriptors of the managed worker (Unix only)."),
	}
}

// RegisterMetrics registers the sampler gauges with the provided registerer.
func (s *ResourceSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpu, s.memory, s.threads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.fds)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

func (s *ResourceSampler) IsEnabled() bool { return s.enabled }

// Start begins periodic sampling until ctx is done or Stop is called.
func (s *ResourceSampler) Start(ctx context.Context, pid func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case now := <-ticker.C:
				s.SampleOnce(int32(pid()), now)
			}
		}
	}()
}

func (s *ResourceSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// SampleOnce records one reading for pid. Readings for a new PID reset the
// history; a zero PID clears the gauges.
func (s *ResourceSampler) SampleOnce(pid int32, now time.Time) {
	if pid <= 0 {
		s.mu.Lock()
		s.pid, s.proc = 0, nil
		s.mu.Unlock()
		s.setGauges(ResourceSample{})
		return
	}
	sample, err := s.read(pid, now)
	if err != nil {
		slog.Debug("worker resource sample failed", "pid", pid, "error", err)
		return
	}
	s.setGauges(sample)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, sample)
	if len(s.history) > s.max {
		s.history = s.history[len(s.history)-s.max:]
	}
}

func (s *ResourceSampler) read(pid int32, now time.Time) (ResourceSample, error) {
	s.mu.Lock()
	if s.proc == nil || s.pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return ResourceSample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.pid, s.proc, s.history = pid, p, nil
	}
	proc := s.proc
	s.mu.Unlock()

	// CPUPercent is relative to the previous call on the same handle
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	out := ResourceSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  now,
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDs(); err == nil {
			out.NumFDs = n
		}
	}
	return out, nil
}

func (s *ResourceSampler) setGauges(r ResourceSample) {
	if !s.enabled {
		return
	}
	s.cpu.Set(r.CPUPercent)
	s.memory.Set(r.MemoryMB)
	s.threads.Set(float64(r.NumThreads))
	s.fds.Set(float64(r.NumFDs))
}

// Latest returns the most recent sample.
func (s *ResourceSampler) Latest() (ResourceSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return ResourceSample{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (s *ResourceSampler) History() []ResourceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ResourceSample(nil), s.history...)
}

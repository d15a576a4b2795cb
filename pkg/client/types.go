package client

import (
	"encoding/json"
	"time"
)

// SendRequest asks the daemon to send a batch of files.
type SendRequest struct {
	Files     []string `json:"files"`
	IP        string   `json:"ip,omitempty"`
	Port      int      `json:"port,omitempty"`
	Protocol  string   `json:"protocol,omitempty"`
	Sniff     bool     `json:"sniff,omitempty"`
	Interface string   `json:"interface,omitempty"`
	Delay     float64  `json:"delay,omitempty"`
	ChunkSize int      `json:"chunk_size,omitempty"`
}

// ServerRequest starts a receiver; empty SaveDir uses the daemon's received_files.
type ServerRequest struct {
	Port      int    `json:"port,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	SaveDir   string `json:"save_dir,omitempty"`
	Sniff     bool   `json:"sniff,omitempty"`
	Interface string `json:"interface,omitempty"`
}

type ProxyRequest struct {
	ListenPort     int     `json:"listen_port,omitempty"`
	TargetIP       string  `json:"target_ip,omitempty"`
	TargetPort     int     `json:"target_port,omitempty"`
	CorruptionRate float64 `json:"corruption_rate"`
	Interface      string  `json:"interface,omitempty"`
	Protocol       string  `json:"protocol,omitempty"`
}

type QueuedFile struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// TransferState mirrors the daemon's session snapshot.
type TransferState struct {
	Status       string       `json:"status"`
	Mode         string       `json:"mode"`
	Gen          uint64       `json:"gen"`
	Protocol     string       `json:"protocol,omitempty"`
	Files        []QueuedFile `json:"files"`
	CurrentIndex int          `json:"current_index"`
	TotalFiles   int          `json:"total_files"`
	CurrentFile  string       `json:"current_file,omitempty"`
	Bytes        int64        `json:"bytes"`
	Total        int64        `json:"total"`
	Progress     float64      `json:"progress"`
	Throughput   float64      `json:"throughput,omitempty"`
	Listening    bool         `json:"listening"`
	Port         int          `json:"port,omitempty"`
	Error        string       `json:"error,omitempty"`
}

type WorkerStatus struct {
	Gen       uint64    `json:"gen"`
	PID       int       `json:"pid"`
	State     string    `json:"state"`
	Args      []string  `json:"args,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitedAt  time.Time `json:"exited_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	Signal    string    `json:"signal,omitempty"`
}

type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

type WorkerInfo struct {
	Status    WorkerStatus     `json:"status"`
	Resources []ResourceSample `json:"resources,omitempty"`
}

type Peer struct {
	IP       string `json:"ip"`
	Port     int    `json:"port,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

type Interface struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Addresses   []string `json:"addresses,omitempty"`
}

type VerifyResult struct {
	Path     string `json:"path"`
	Valid    bool   `json:"valid"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type HistoryItem struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	Protocol  string    `json:"protocol"`
	Error     string    `json:"error,omitempty"`
}

type StatsRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	DurationMs    int64     `json:"duration_ms"`
	ThroughputBps float64   `json:"throughput_bps"`
	Protocol      string    `json:"protocol"`
}

// Event is one frame of the daemon's event stream. Payload is left raw and
// can be decoded according to Topic.
type Event struct {
	Topic   string          `json:"topic"`
	Gen     uint64          `json:"gen"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"event"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Package events classifies the worker's line protocol into typed events and fans
// them out to subscribers by topic.
package events

import (
	"bytes"
	"encoding/json"
	"time"
)

// Topic names a fan-out channel.
type Topic string

const (
	TopicLog            Topic = "log"
	TopicWindowUpdate   Topic = "window-update"
	TopicStats          Topic = "stats-update"
	TopicPacketCapture  Topic = "packet-capture"
	TopicSnifferError   Topic = "sniffer-error"
	TopicSnifferReady   Topic = "sniffer-ready"
	TopicTransferUpdate Topic = "transfer-update"
	TopicServerReady    Topic = "server-ready"
	TopicWorkerError    Topic = "worker-error"
	TopicProcessExit    Topic = "process-exit"
	TopicTransferState  Topic = "transfer-state"
	TopicFileReceived   Topic = "file-received"
)

// Event is any payload carried on the bus. Worker-originated kinds are produced by Parse;
// other packages add their own (transfer state snapshots, received files).
type Event interface {
	Topic() Topic
}

// Message is the envelope delivered to subscribers. Gen identifies the managed worker
// generation that produced the event; 0 means not tied to a worker.
type Message struct {
	Topic Topic     `json:"topic"`
	Gen   uint64    `json:"gen"`
	At    time.Time `json:"at"`
	Event Event     `json:"event"`
}

// Wire type tags emitted by the worker.
const (
	TypeServerReady    = "SERVER_READY"
	TypeTransferUpdate = "TRANSFER_UPDATE"
	TypeStats          = "STATS"
	TypeWindowUpdate   = "WINDOW_UPDATE"
	TypePacketCapture  = "PACKET_CAPTURE"
	TypeSnifferError   = "SNIFFER_ERROR"
	TypeSnifferReady   = "SNIFFER_READY"
	TypeError          = "ERROR"
)

type ServerReady struct {
	Protocol string `json:"protocol,omitempty"`
	Port     int    `json:"port"`
}

// TransferStatus is the phase reported in a TRANSFER_UPDATE.
type TransferStatus string

const (
	TransferStart    TransferStatus = "start"
	TransferProgress TransferStatus = "progress"
	TransferComplete TransferStatus = "complete"
)

type TransferUpdate struct {
	Status   TransferStatus `json:"status"`
	Filename string         `json:"filename"`
	Current  int64          `json:"current,omitempty"`
	Total    int64          `json:"total,omitempty"`
}

type Stats struct {
	DeltaBytes int64   `json:"delta_bytes"`
	TotalSent  int64   `json:"total_sent"`
	RTT        float64 `json:"rtt,omitempty"`
	Throughput float64 `json:"throughput,omitempty"`
	Progress   float64 `json:"progress,omitempty"`
}

type WindowUpdate struct {
	Base       int64 `json:"base"`
	NextSeq    int64 `json:"next_seq"`
	WindowSize int64 `json:"window_size"`
	Total      int64 `json:"total"`
}

type PacketCapture struct {
	Src       string  `json:"src"`
	Dst       string  `json:"dst"`
	Protocol  string  `json:"protocol"`
	Flags     string  `json:"flags,omitempty"`
	Seq       int64   `json:"seq"`
	Ack       int64   `json:"ack"`
	Window    int64   `json:"window"`
	Length    int     `json:"length"`
	Timestamp float64 `json:"timestamp"`
	Info      string  `json:"info,omitempty"`
}

type SnifferError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

type SnifferReady struct{}

// WorkerError is an error reported by the worker itself; it aborts a running batch.
type WorkerError struct {
	Message string `json:"message"`
}

// Stream identifies which worker pipe a raw line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// RawLog carries one line of worker output verbatim.
type RawLog struct {
	Text   string `json:"text"`
	Stream Stream `json:"stream"`
}

// ProcessExit reports the end of a managed worker.
type ProcessExit struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (ServerReady) Topic() Topic    { return TopicServerReady }
func (TransferUpdate) Topic() Topic { return TopicTransferUpdate }
func (Stats) Topic() Topic          { return TopicStats }
func (WindowUpdate) Topic() Topic   { return TopicWindowUpdate }
func (PacketCapture) Topic() Topic  { return TopicPacketCapture }
func (SnifferError) Topic() Topic   { return TopicSnifferError }
func (SnifferReady) Topic() Topic   { return TopicSnifferReady }
func (WorkerError) Topic() Topic    { return TopicWorkerError }
func (RawLog) Topic() Topic         { return TopicLog }
func (ProcessExit) Topic() Topic    { return TopicProcessExit }

// Parse classifies one line of worker output. A JSON object is treated as a
// one-element array; elements whose "type" is unknown, absent or malformed are
// skipped. A line that is not JSON yields no events.
func Parse(line []byte) []Event {
	b := bytes.TrimSpace(line)
	if len(b) == 0 || (b[0] != '{' && b[0] != '[') {
		return nil
	}
	var elems []json.RawMessage
	if b[0] == '[' {
		if err := json.Unmarshal(b, &elems); err != nil {
			return nil
		}
	} else {
		if !json.Valid(b) {
			return nil
		}
		elems = []json.RawMessage{b}
	}
	var out []Event
	for _, raw := range elems {
		if ev, ok := decode(raw); ok {
			out = append(out, ev)
		}
	}
	return out
}

func decode(raw json.RawMessage) (Event, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, false
	}
	switch head.Type {
	case TypeServerReady:
		return into[ServerReady](raw)
	case TypeTransferUpdate:
		return into[TransferUpdate](raw)
	case TypeStats:
		return into[Stats](raw)
	case TypeWindowUpdate:
		return into[WindowUpdate](raw)
	case TypePacketCapture:
		return into[PacketCapture](raw)
	case TypeSnifferError:
		return into[SnifferError](raw)
	case TypeSnifferReady:
		return SnifferReady{}, true
	case TypeError:
		var e struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false
		}
		if e.Message == "" {
			e.Message = e.Error
		}
		return WorkerError{Message: e.Message}, true
	default:
		return nil, false
	}
}

func into[T Event](raw json.RawMessage) (Event, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

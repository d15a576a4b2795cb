package events

import (
	"bytes"
	"sync"
)

// DefaultMaxLine bounds how much unterminated output is buffered before it is
// forced out as a raw line.
const DefaultMaxLine = 1 << 20

// Demux is an io.Writer fed with raw chunks from one worker pipe. It splits the
// stream into lines, publishes typed events for stdout lines, and republishes
// every line verbatim on TopicLog, blank lines and carriage returns included. An unterminated trailing line is held until
// the next chunk or Flush, so JSON split across writes is reassembled.
type Demux struct {
	mu       sync.Mutex
	pub      Publisher
	gen      uint64
	stream   Stream
	classify bool
	buf      []byte
	maxLine  int
}

// NewStdoutDemux classifies lines as events and raw logs.
func NewStdoutDemux(pub Publisher, gen uint64) *Demux {
	return &Demux{pub: pub, gen: gen, stream: Stdout, classify: true, maxLine: DefaultMaxLine}
}

// NewStderrDemux only republishes raw lines; stderr is never classified.
func NewStderrDemux(pub Publisher, gen uint64) *Demux {
	return &Demux{pub: pub, gen: gen, stream: Stderr, maxLine: DefaultMaxLine}
}

func (d *Demux) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		d.emit(d.buf[:i])
		d.buf = d.buf[i+1:]
	}
	if len(d.buf) > d.maxLine {
		d.emit(d.buf)
		d.buf = nil
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return len(p), nil
}

// Flush emits any buffered partial line. Call once the pipe reached EOF.
func (d *Demux) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) > 0 {
		d.emit(d.buf)
	}
	d.buf = nil
}

func (d *Demux) emit(line []byte) {
	if d.classify && len(bytes.TrimSpace(line)) > 0 {
		for _, ev := range Parse(line) {
			d.pub.Publish(Message{Topic: ev.Topic(), Gen: d.gen, Event: ev})
		}
	}
	d.pub.Publish(Message{
		Topic: TopicLog,
		Gen:   d.gen,
		Event: RawLog{Text: string(line), Stream: d.stream},
	})
}

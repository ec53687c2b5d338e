package metering

import (
	"bytes"
	"encoding/json"
	"sync"
)

const (
	dataPrefix = "data: "
	doneFrame  = "[DONE]"

	// a line longer than this without a newline is dropped
	maxPendingLine = 1 << 20
)

// StreamMeter observes a server-sent event stream and keeps the last usage
// frame it saw. It is an io.Writer that never fails, so it can sit on the
// side of a copy without ever affecting the forwarded bytes.
type StreamMeter struct {
	mu          sync.Mutex
	pending     []byte
	usage       Usage
	done        bool
	closed      bool
	parseErrors int
}

// NewStreamMeter creates a meter. model seeds Usage.Model until a frame
// names one.
func NewStreamMeter(model string) *StreamMeter {
	return &StreamMeter{usage: Usage{Model: model}}
}

// Write buffers p up to the last newline and parses every complete line. It
// always reports len(p) written and a nil error.
func (m *StreamMeter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done || m.closed {
		return len(p), nil
	}

	m.pending = append(m.pending, p...)

	idx := bytes.LastIndexByte(m.pending, '\n')
	if idx < 0 {
		if len(m.pending) > maxPendingLine {
			m.pending = m.pending[:0]
			m.parseErrors++
		}
		return len(p), nil
	}

	complete := m.pending[:idx]
	for _, line := range bytes.Split(complete, []byte{'\n'}) {
		m.parseLine(line)
		if m.done {
			break
		}
	}

	rest := m.pending[idx+1:]
	m.pending = append(m.pending[:0], rest...)
	return len(p), nil
}

// Close parses a trailing line that was not newline-terminated. Further
// writes are ignored.
func (m *StreamMeter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	if !m.done && len(m.pending) > 0 {
		m.parseLine(m.pending)
	}
	m.pending = nil
	m.closed = true
	return nil
}

func (m *StreamMeter) parseLine(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return
	}

	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if string(payload) == doneFrame {
		m.done = true
		return
	}

	var frame responseFields
	if err := json.Unmarshal(payload, &frame); err != nil {
		m.parseErrors++
		return
	}

	if frame.Model != "" {
		m.usage.Model = frame.Model
	}
	frame.Usage.apply(&m.usage)
}

// Usage returns the latest usage observed
func (m *StreamMeter) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// ParseErrors returns the number of frames that could not be parsed
func (m *StreamMeter) ParseErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parseErrors
}

// Done reports whether the terminal frame was seen
func (m *StreamMeter) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

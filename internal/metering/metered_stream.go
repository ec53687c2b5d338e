package metering

import (
	"errors"
	"io"
	"sync"
)

// StreamResult is handed to the completion callback of a MeteredStream
type StreamResult struct {
	Usage       Usage
	ParseErrors int
	// Complete is true when the upstream body reached EOF rather than being
	// closed early, e.g. by a client disconnect.
	Complete bool
}

// MeteredStream passes an upstream body through unchanged while feeding
// every byte to a StreamMeter. The completion callback runs exactly once, on
// EOF or on Close, whichever comes first.
type MeteredStream struct {
	body       io.ReadCloser
	meter      *StreamMeter
	onComplete func(StreamResult)

	once sync.Once
	eof  bool
}

// NewMeteredStream wraps body. onComplete may be nil.
func NewMeteredStream(body io.ReadCloser, model string, onComplete func(StreamResult)) *MeteredStream {
	return &MeteredStream{
		body:       body,
		meter:      NewStreamMeter(model),
		onComplete: onComplete,
	}
}

// Read reads from the upstream body and copies what it read into the meter.
// Bytes that arrive together with EOF are returned first; the completion
// callback runs on the following Read or on Close.
func (s *MeteredStream) Read(p []byte) (int, error) {
	if s.eof {
		s.finish()
		return 0, io.EOF
	}

	n, err := s.body.Read(p)
	if n > 0 {
		s.meter.Write(p[:n])
	}
	if errors.Is(err, io.EOF) {
		s.eof = true
		if n > 0 {
			return n, nil
		}
		s.finish()
	}
	return n, err
}

// Close closes the upstream body and completes metering
func (s *MeteredStream) Close() error {
	err := s.body.Close()
	s.finish()
	return err
}

// Meter returns the underlying meter
func (s *MeteredStream) Meter() *StreamMeter {
	return s.meter
}

func (s *MeteredStream) finish() {
	s.once.Do(func() {
		s.meter.Close()
		if s.onComplete == nil {
			return
		}
		s.onComplete(StreamResult{
			Usage:       s.meter.Usage(),
			ParseErrors: s.meter.ParseErrors(),
			Complete:    s.eof || s.meter.Done(),
		})
	})
}

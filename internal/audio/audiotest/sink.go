package audiotest

import "sync"

// Sink records every notification it receives. It is safe to read from
// the test goroutine while the delivery thread writes.
type Sink struct {
	mu      sync.Mutex
	started int
	stopped int
	lengths []int
	data    []byte

	// OnBuffer, if set, runs inside BufferReceived on the delivery thread.
	OnBuffer func(buf []byte)
}

func (s *Sink) CaptureStarted() {
	s.mu.Lock()
	s.started++
	s.mu.Unlock()
}

func (s *Sink) CaptureStopped() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *Sink) BufferReceived(buf []byte) {
	if s.OnBuffer != nil {
		s.OnBuffer(buf)
	}
	s.mu.Lock()
	s.lengths = append(s.lengths, len(buf))
	s.data = append(s.data, buf...)
	s.mu.Unlock()
}

// Started is the number of CaptureStarted calls.
func (s *Sink) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stopped is the number of CaptureStopped calls.
func (s *Sink) Stopped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Lengths lists the length of every buffer received, in order.
func (s *Sink) Lengths() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.lengths...)
}

// Data is the concatenation of every buffer received.
func (s *Sink) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

package audio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// SinkSlot holds the single registered sink. Set and Load may race freely:
// a reader sees either the old or the new sink, never a partial value.
type SinkSlot struct {
	p atomic.Pointer[sinkBox]
}

type sinkBox struct {
	sink Sink
}

// Set registers sink, replacing any previous one. A nil sink clears the
// slot.
func (s *SinkSlot) Set(sink Sink) {
	if sink == nil {
		s.p.Store(nil)
		return
	}
	s.p.Store(&sinkBox{sink: sink})
}

// Load returns the registered sink or nil.
func (s *SinkSlot) Load() Sink {
	if b := s.p.Load(); b != nil {
		return b.sink
	}
	return nil
}

// DeliveryStats counts what happened to buffers handed to a channel.
type DeliveryStats struct {
	Delivered  uint64
	Bytes      uint64
	Dropped    uint64
	Violations uint64
}

// DeliveryChannel forwards engine buffers to the registered sink,
// synchronously on the engine's delivery thread. It holds no queue.
//
// The channel is gated: buffers arriving while the gate is shut are
// dropped. Shut blocks until every in-flight delivery has returned, which
// is what lets Stop promise that the sink sees no more buffers.
type DeliveryChannel struct {
	sinks       *SinkSlot
	log         zerolog.Logger
	onViolation func(error)

	gate sync.RWMutex
	open bool

	delivered  atomic.Uint64
	bytes      atomic.Uint64
	dropped    atomic.Uint64
	violations atomic.Uint64
}

// NewDeliveryChannel returns a shut channel forwarding to sinks.
// onViolation, if non-nil, is told about every rejected buffer.
func NewDeliveryChannel(sinks *SinkSlot, log zerolog.Logger, onViolation func(error)) *DeliveryChannel {
	return &DeliveryChannel{
		sinks:       sinks,
		log:         log.With().Str("component", "delivery").Logger(),
		onViolation: onViolation,
	}
}

// BufferReceived implements BufferCallback. A nil buffer is rejected with
// ErrCallbackContract; capture carries on with the next buffer.
func (c *DeliveryChannel) BufferReceived(buf []byte) error {
	if buf == nil {
		err := fmt.Errorf("%w: nil buffer delivered", ErrCallbackContract)
		c.violations.Add(1)
		c.log.Warn().Err(err).Msg("Rejected buffer")
		if c.onViolation != nil {
			c.onViolation(err)
		}
		return err
	}

	c.gate.RLock()
	defer c.gate.RUnlock()

	if !c.open {
		c.dropped.Add(1)
		return nil
	}

	sink := c.sinks.Load()
	if sink == nil {
		c.dropped.Add(1)
		return nil
	}

	sink.BufferReceived(buf)
	c.delivered.Add(1)
	c.bytes.Add(uint64(len(buf)))
	c.log.Debug().Int("len", len(buf)).Msg("Buffer delivered")
	return nil
}

// Open lets buffers through to the sink.
func (c *DeliveryChannel) Open() {
	c.gate.Lock()
	c.open = true
	c.gate.Unlock()
}

// Shut stops forwarding and waits for in-flight deliveries to return.
// It must not be called from inside Sink.BufferReceived.
func (c *DeliveryChannel) Shut() {
	c.gate.Lock()
	c.open = false
	c.gate.Unlock()
}

// Stats returns a snapshot of the delivery counters.
func (c *DeliveryChannel) Stats() DeliveryStats {
	return DeliveryStats{
		Delivered:  c.delivered.Load(),
		Bytes:      c.bytes.Load(),
		Dropped:    c.dropped.Load(),
		Violations: c.violations.Load(),
	}
}

package audio_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/petems/avcapture/internal/audio"
	"github.com/petems/avcapture/internal/audio/audiotest"
	"github.com/rs/zerolog"
)

func TestDeliveryForwardsWhenOpen(t *testing.T) {
	sinks := &audio.SinkSlot{}
	sink := &audiotest.Sink{}
	sinks.Set(sink)
	ch := audio.NewDeliveryChannel(sinks, zerolog.Nop(), nil)

	if err := ch.BufferReceived([]byte{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.Lengths()) != 0 {
		t.Fatal("shut channel must not forward")
	}

	ch.Open()
	if err := ch.BufferReceived([]byte{3, 4, 5}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.Data(); string(got) != string([]byte{3, 4, 5}) {
		t.Fatalf("unexpected data %v", got)
	}

	// Zero-length but non-nil buffers are legal.
	if err := ch.BufferReceived([]byte{}); err != nil {
		t.Fatalf("unexpected error for empty buffer: %v", err)
	}

	stats := ch.Stats()
	if stats.Delivered != 2 || stats.Bytes != 3 || stats.Dropped != 1 || stats.Violations != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeliveryWithoutSinkDrops(t *testing.T) {
	ch := audio.NewDeliveryChannel(&audio.SinkSlot{}, zerolog.Nop(), nil)
	ch.Open()

	if err := ch.BufferReceived(make([]byte, 64)); err != nil {
		t.Fatalf("missing sink must not be an error, got %v", err)
	}
	if ch.Stats().Dropped != 1 {
		t.Fatalf("expected one drop, got %+v", ch.Stats())
	}
}

func TestDeliveryNilBufferIsContractViolation(t *testing.T) {
	sinks := &audio.SinkSlot{}
	sink := &audiotest.Sink{}
	sinks.Set(sink)

	var reported []error
	ch := audio.NewDeliveryChannel(sinks, zerolog.Nop(), func(err error) {
		reported = append(reported, err)
	})
	ch.Open()

	err := ch.BufferReceived(nil)
	if !errors.Is(err, audio.ErrCallbackContract) {
		t.Fatalf("expected ErrCallbackContract, got %v", err)
	}
	if len(reported) != 1 || !errors.Is(reported[0], audio.ErrCallbackContract) {
		t.Fatalf("expected violation to be reported, got %v", reported)
	}

	// Capture carries on.
	if err := ch.BufferReceived([]byte{9}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.Lengths()) != 1 {
		t.Fatalf("expected the following buffer to be delivered, got %v", sink.Lengths())
	}
	if ch.Stats().Violations != 1 {
		t.Fatalf("expected one violation, got %+v", ch.Stats())
	}
}

func TestDeliveryNilBufferThroughPipeline(t *testing.T) {
	engine := audiotest.New([]string{"MicA"}, cd)
	sink := &audiotest.Sink{}
	p := newPipeline(engine, sink)
	if err := p.Initialize("MicA", cd); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := engine.Deliver(nil); !errors.Is(err, audio.ErrCallbackContract) {
		t.Fatalf("expected ErrCallbackContract, got %v", err)
	}
	if p.State() != audio.Running {
		t.Fatalf("violation changed state to %s", p.State())
	}
	if err := engine.Deliver([]byte{1, 2}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(sink.Lengths()) != 1 {
		t.Fatalf("expected one delivered buffer, got %v", sink.Lengths())
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	p.Teardown()
}

func TestSinkSlotSwapIsAtomic(t *testing.T) {
	sinks := &audio.SinkSlot{}
	a, b := &audiotest.Sink{}, &audiotest.Sink{}
	sinks.Set(a)
	ch := audio.NewDeliveryChannel(sinks, zerolog.Nop(), nil)
	ch.Open()

	const buffers = 2000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < buffers; i++ {
			_ = ch.BufferReceived([]byte{byte(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if i%2 == 0 {
				sinks.Set(b)
			} else {
				sinks.Set(a)
			}
		}
	}()
	wg.Wait()

	total := len(a.Lengths()) + len(b.Lengths())
	if total != buffers {
		t.Fatalf("expected every buffer to reach exactly one sink, got %d of %d", total, buffers)
	}

	sinks.Set(nil)
	if sinks.Load() != nil {
		t.Fatal("expected cleared slot")
	}
}

// Package app holds the capture session, the single owner an embedding
// application talks to.
package app

import (
	"fmt"
	"iter"

	"github.com/google/uuid"
	"github.com/petems/avcapture/internal/audio"
	"github.com/rs/zerolog"
)

type Config struct {
	Engine      audio.StreamingEngine
	Logger      zerolog.Logger
	MatchPolicy audio.MatchPolicy
	OnViolation func(error) // Optional - can be nil
}

// Session composes a device catalog, a format negotiator, a capture
// pipeline and the registered sink.
//
// Like the pipeline it wraps, a Session does not serialize its own
// lifecycle calls; the caller must not call Initialize, Uninitialize,
// Start or Stop concurrently. SetSink and Stats are safe from any
// goroutine.
type Session struct {
	id         string
	engine     audio.StreamingEngine
	log        zerolog.Logger
	catalog    *audio.DeviceCatalog
	negotiator *audio.FormatNegotiator
	sinks      *audio.SinkSlot
	channel    *audio.DeliveryChannel
	pipeline   *audio.Pipeline
}

func NewSession(cfg Config) *Session {
	id := uuid.NewString()
	log := cfg.Logger.With().Str("session", id).Logger()
	sinks := &audio.SinkSlot{}

	s := &Session{
		id:         id,
		engine:     cfg.Engine,
		log:        log.With().Str("component", "session").Logger(),
		catalog:    audio.NewDeviceCatalog(cfg.Engine, log),
		negotiator: audio.NewFormatNegotiator(cfg.MatchPolicy, log),
		sinks:      sinks,
		channel:    audio.NewDeliveryChannel(sinks, log, cfg.OnViolation),
	}
	s.log.Debug().Stringer("match_policy", cfg.MatchPolicy).Msg("Session created")
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Devices lazily enumerates capture devices.
func (s *Session) Devices() iter.Seq2[audio.DeviceDescriptor, error] {
	return s.catalog.Devices()
}

func (s *Session) ListDevices() ([]audio.DeviceDescriptor, error) {
	return s.catalog.List()
}

// Initialize builds the capture chain for deviceName at format. An empty
// name selects the default device. After Uninitialize a new chain is
// built from scratch.
func (s *Session) Initialize(deviceName string, format audio.Format) error {
	if s.pipeline == nil || s.pipeline.State() == audio.TornDown {
		s.pipeline = audio.NewPipeline(audio.PipelineConfig{
			Engine:     s.engine,
			Catalog:    s.catalog,
			Negotiator: s.negotiator,
			Sinks:      s.sinks,
			Channel:    s.channel,
			Logger:     s.log,
		})
	}
	return s.pipeline.Initialize(deviceName, format)
}

// Uninitialize tears the capture chain down, stopping it first if it is
// running. It is a no-op when nothing is initialized.
func (s *Session) Uninitialize() {
	if s.pipeline == nil {
		return
	}
	s.pipeline.Teardown()
	s.pipeline = nil
}

func (s *Session) Start() error {
	if s.pipeline == nil {
		return fmt.Errorf("%w: start before initialize", audio.ErrInvalidState)
	}
	return s.pipeline.Start()
}

func (s *Session) Stop() error {
	if s.pipeline == nil {
		return fmt.Errorf("%w: stop before initialize", audio.ErrInvalidState)
	}
	return s.pipeline.Stop()
}

// SetSink registers sink for subsequent notifications. A nil sink clears
// the registration; buffers are then dropped.
func (s *Session) SetSink(sink audio.Sink) {
	s.sinks.Set(sink)
}

// State reports the lifecycle state of the capture chain.
func (s *Session) State() audio.State {
	if s.pipeline == nil {
		return audio.Uninitialized
	}
	return s.pipeline.State()
}

// Device returns the bound device, if any.
func (s *Session) Device() audio.DeviceDescriptor {
	if s.pipeline == nil {
		return audio.DeviceDescriptor{}
	}
	return s.pipeline.Device()
}

// Negotiation returns the agreed format and geometry, if initialized.
func (s *Session) Negotiation() audio.Negotiation {
	if s.pipeline == nil {
		return audio.Negotiation{}
	}
	return s.pipeline.Negotiation()
}

// Stats returns delivery counters accumulated over the session's life.
func (s *Session) Stats() audio.DeliveryStats {
	return s.channel.Stats()
}

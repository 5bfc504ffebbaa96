package audio

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// State of a Pipeline.
type State int

const (
	Uninitialized State = iota
	Initialized
	Running
	Stopped
	TornDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case TornDown:
		return "torn down"
	default:
		return "unknown"
	}
}

// ErrPinNotFound is returned by FindPin when a stage has too few pins of
// the requested direction.
var ErrPinNotFound = errors.New("pin not found")

// GrabberStageName is the graph name of the grabber stage.
const GrabberStageName = "Grabber"

// PipelineConfig wires a Pipeline. Only Engine is required.
type PipelineConfig struct {
	Engine     StreamingEngine
	Catalog    *DeviceCatalog
	Negotiator *FormatNegotiator
	Sinks      *SinkSlot
	Channel    *DeliveryChannel
	Logger     zerolog.Logger
}

// Pipeline owns the device source → grabber chain built on a streaming
// engine.
//
// Lifecycle methods (Initialize, Start, Stop, Teardown) are not safe for
// concurrent use; the caller serializes them. Buffer delivery runs on the
// engine's thread and may overlap any of them.
type Pipeline struct {
	engine     StreamingEngine
	catalog    *DeviceCatalog
	negotiator *FormatNegotiator
	sinks      *SinkSlot
	channel    *DeliveryChannel
	log        zerolog.Logger

	state       State
	graph       Graph
	source      Stage
	grabber     Grabber
	device      DeviceDescriptor
	negotiation Negotiation
}

// NewPipeline returns an Uninitialized pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	log := cfg.Logger.With().Str("component", "pipeline").Logger()

	p := &Pipeline{
		engine:     cfg.Engine,
		catalog:    cfg.Catalog,
		negotiator: cfg.Negotiator,
		sinks:      cfg.Sinks,
		channel:    cfg.Channel,
		log:        log,
	}
	if p.catalog == nil {
		p.catalog = NewDeviceCatalog(cfg.Engine, cfg.Logger)
	}
	if p.negotiator == nil {
		p.negotiator = NewFormatNegotiator(ExactMatchFirst, cfg.Logger)
	}
	if p.sinks == nil {
		p.sinks = &SinkSlot{}
	}
	if p.channel == nil {
		p.channel = NewDeliveryChannel(p.sinks, cfg.Logger, nil)
	}
	return p
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return p.state
}

// Device returns the bound device. Zero unless Initialized, Running or
// Stopped.
func (p *Pipeline) Device() DeviceDescriptor {
	return p.device
}

// Negotiation returns the agreed format and buffer geometry.
func (p *Pipeline) Negotiation() Negotiation {
	return p.negotiation
}

// Channel returns the delivery channel installed on the grabber.
func (p *Pipeline) Channel() *DeliveryChannel {
	return p.channel
}

// releaser runs deferred releases in reverse acquisition order.
type releaser []func()

func (r *releaser) add(f func()) {
	*r = append(*r, f)
}

func (r releaser) run() {
	for i := len(r) - 1; i >= 0; i-- {
		r[i]()
	}
}

// Initialize builds, negotiates and connects the capture chain for the
// named device. On failure every stage created so far is released and
// the pipeline stays Uninitialized.
func (p *Pipeline) Initialize(deviceName string, format Format) (err error) {
	switch p.state {
	case Uninitialized:
	case TornDown:
		return ErrTornDown
	default:
		return fmt.Errorf("%w: initialize while %s", ErrInvalidState, p.state)
	}

	if err := format.Validate(); err != nil {
		return err
	}

	device, err := p.catalog.Resolve(deviceName)
	if err != nil {
		return err
	}

	var undo releaser
	defer func() {
		if err != nil {
			undo.run()
			p.log.Error().Err(err).Str("device", device.Name).Msg("Initialize failed")
		}
	}()

	graph, err := p.engine.NewGraph()
	if err != nil {
		return fmt.Errorf("%w: graph: %w", ErrStageCreation, err)
	}
	undo.add(graph.Release)

	source, err := p.engine.BindSource(device)
	if err != nil {
		return fmt.Errorf("%w: source %q: %w", ErrStageCreation, device.Name, err)
	}
	undo.add(source.Release)

	if err := graph.AddStage(source, device.Name); err != nil {
		return fmt.Errorf("%w: adding source %q: %w", ErrStageCreation, device.Name, err)
	}

	sourceOut, err := FindPin(source, Output, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	grabber, err := p.engine.NewGrabber()
	if err != nil {
		return fmt.Errorf("%w: grabber: %w", ErrStageCreation, err)
	}
	undo.add(grabber.Release)

	if err := grabber.SetMediaType(PCMAudio); err != nil {
		return fmt.Errorf("%w: grabber media type: %w", ErrStageCreation, err)
	}
	if err := graph.AddStage(grabber, GrabberStageName); err != nil {
		return fmt.Errorf("%w: adding grabber: %w", ErrStageCreation, err)
	}

	grabberIn, err := FindPin(grabber, Input, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	// The format must be locked before data can flow.
	negotiation, err := p.negotiator.Negotiate(sourceOut, format)
	if err != nil {
		return err
	}

	if err := graph.Connect(sourceOut, grabberIn); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	if err := grabber.SetBufferSamples(true); err != nil {
		return fmt.Errorf("%w: grabber buffering: %w", ErrStageCreation, err)
	}
	if err := grabber.SetOneShot(false); err != nil {
		return fmt.Errorf("%w: grabber continuous mode: %w", ErrStageCreation, err)
	}
	if err := grabber.SetCallback(p.channel); err != nil {
		return fmt.Errorf("%w: grabber callback: %w", ErrStageCreation, err)
	}

	p.graph = graph
	p.source = source
	p.grabber = grabber
	p.device = device
	p.negotiation = negotiation
	p.state = Initialized

	p.log.Info().
		Str("device", device.Name).
		Stringer("format", negotiation.Format).
		Bool("imposed", negotiation.Imposed).
		Msg("Pipeline initialized")
	return nil
}

// Start runs the graph and notifies the sink. Valid from Initialized or
// Stopped.
func (p *Pipeline) Start() error {
	switch p.state {
	case Initialized, Stopped:
	case TornDown:
		return ErrTornDown
	default:
		return fmt.Errorf("%w: start while %s", ErrInvalidState, p.state)
	}

	if err := p.graph.Run(); err != nil {
		return fmt.Errorf("running graph: %w", err)
	}
	p.state = Running

	if sink := p.sinks.Load(); sink != nil {
		sink.CaptureStarted()
	}
	p.channel.Open()

	p.log.Info().Str("device", p.device.Name).Msg("Capture started")
	return nil
}

// Stop halts the graph. When it returns no buffer callback is running
// and none will reach the sink until the next Start.
func (p *Pipeline) Stop() error {
	switch p.state {
	case Running:
	case TornDown:
		return ErrTornDown
	default:
		return fmt.Errorf("%w: stop while %s", ErrInvalidState, p.state)
	}

	p.channel.Shut()
	if err := p.graph.Stop(); err != nil {
		p.channel.Open()
		return fmt.Errorf("stopping graph: %w", err)
	}
	p.state = Stopped

	if sink := p.sinks.Load(); sink != nil {
		sink.CaptureStopped()
	}

	p.log.Info().Str("device", p.device.Name).Msg("Capture stopped")
	return nil
}

// Teardown releases every stage whatever the state. It is idempotent; a
// torn down pipeline cannot be reused.
func (p *Pipeline) Teardown() {
	if p.state == TornDown {
		return
	}

	if p.state == Running {
		p.channel.Shut()
		if err := p.graph.Stop(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to stop graph during teardown")
		}
		if sink := p.sinks.Load(); sink != nil {
			sink.CaptureStopped()
		}
	}

	if p.grabber != nil {
		p.grabber.Release()
		p.grabber = nil
	}
	if p.source != nil {
		p.source.Release()
		p.source = nil
	}
	if p.graph != nil {
		p.graph.Release()
		p.graph = nil
	}

	p.state = TornDown
	p.log.Debug().Msg("Pipeline torn down")
}

// FindPin returns the index-th pin (zero-based) of stage s whose
// direction is dir, counting only pins of that direction.
func FindPin(s Stage, dir Direction, index int) (Pin, error) {
	pins, err := s.Pins()
	if err != nil {
		return nil, fmt.Errorf("enumerating pins of %q: %w", s.Name(), err)
	}

	if index >= 0 {
		for _, pin := range pins {
			if pin.Direction() != dir {
				continue
			}
			if index == 0 {
				return pin, nil
			}
			index--
		}
	}
	return nil, fmt.Errorf("%w: %q has no %s pin at that index", ErrPinNotFound, s.Name(), dir)
}

package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petems/avcapture/internal/audio"
)

var (
	errReleased     = errors.New("stage released")
	errNotConnected = errors.New("graph not connected")
	errNoCallback   = errors.New("grabber has no callback")
)

// graph links one source to one grabber and owns the native stream.
type graph struct {
	engine *Engine
	stages map[audio.Stage]string

	src     *source
	grab    *grabber
	format  audio.Format
	geom    audio.BufferGeometry
	stream  stream
	running bool
}

func (g *graph) AddStage(s audio.Stage, name string) error {
	switch st := s.(type) {
	case *source:
		if st.engine != g.engine {
			return fmt.Errorf("source %q belongs to another engine", st.Name())
		}
		if st.released {
			return errReleased
		}
	case *grabber:
		if st.released {
			return errReleased
		}
	default:
		return fmt.Errorf("stage %q is not from this engine", s.Name())
	}

	for _, n := range g.stages {
		if n == name {
			return fmt.Errorf("stage name %q already in graph", name)
		}
	}
	g.stages[s] = name
	return nil
}

// Connect links a source output pin to a grabber input pin. The source's
// selected or imposed format is used; otherwise its device default.
func (g *graph) Connect(out, in audio.Pin) error {
	sp, ok := out.(*sourcePin)
	if !ok {
		return fmt.Errorf("output pin is not a source pin")
	}
	gp, ok := in.(*grabberPin)
	if !ok || gp.dir != audio.Input {
		return fmt.Errorf("input pin is not a grabber input")
	}
	if _, ok := g.stages[sp.src]; !ok {
		return fmt.Errorf("source %q not in graph", sp.src.Name())
	}
	if _, ok := g.stages[gp.g]; !ok {
		return fmt.Errorf("grabber not in graph")
	}
	if g.src != nil {
		return fmt.Errorf("graph already connected")
	}

	gp.g.mu.Lock()
	mt := gp.g.mediaType
	gp.g.mu.Unlock()
	if mt != audio.PCMAudio {
		return fmt.Errorf("grabber accepts %s/%s, source produces %s/%s",
			mt.Major, mt.Sub, audio.PCMAudio.Major, audio.PCMAudio.Sub)
	}

	f, geom, err := sp.connectionFormat()
	if err != nil {
		return err
	}

	g.src, g.grab = sp.src, gp.g
	g.format, g.geom = f, geom
	gp.g.setConnected(f)
	return nil
}

func (g *graph) Run() error {
	if g.src == nil {
		return errNotConnected
	}
	if g.running {
		return nil
	}
	if !g.grab.hasCallback() {
		return errNoCallback
	}

	if g.stream == nil {
		if err := g.engine.checkOpen(); err != nil {
			return err
		}
		s, err := g.engine.b.open(g.src.device, g.format, g.geom, g.grab.deliver)
		if err != nil {
			return fmt.Errorf("opening %q at %s: %w", g.src.device.Name, g.format, err)
		}
		g.stream = s
	}

	g.grab.rearm()
	if err := g.stream.Start(); err != nil {
		return fmt.Errorf("starting %q: %w", g.src.device.Name, err)
	}
	g.running = true
	return nil
}

// Stop halts the stream. The backends stop synchronously, so no callback
// is running when it returns.
func (g *graph) Stop() error {
	if !g.running {
		return nil
	}
	if err := g.stream.Stop(); err != nil {
		return fmt.Errorf("stopping %q: %w", g.src.device.Name, err)
	}
	g.running = false
	return nil
}

func (g *graph) Release() {
	if g.running {
		if err := g.Stop(); err != nil {
			g.engine.log.Warn().Err(err).Msg("Failed to stop stream on release")
		}
	}
	if g.stream != nil {
		if err := g.stream.Close(); err != nil {
			g.engine.log.Warn().Err(err).Msg("Failed to close stream")
		}
		g.stream = nil
	}
	clear(g.stages)
	g.src, g.grab = nil, nil
}

// source is a capture device bound as a stage.
type source struct {
	engine   *Engine
	device   audio.DeviceDescriptor
	out      *sourcePin
	released bool
}

func (s *source) Name() string {
	return s.device.Name
}

func (s *source) Pins() ([]audio.Pin, error) {
	if s.released {
		return nil, errReleased
	}
	return []audio.Pin{s.out}, nil
}

func (s *source) Release() {
	s.released = true
}

// sourcePin is the single output pin of a source. It supports both format
// selection and imposition.
type sourcePin struct {
	src *source

	native []audio.Format
	active *audio.Format
	geom   audio.BufferGeometry
}

func (p *sourcePin) Direction() audio.Direction {
	return audio.Output
}

func (p *sourcePin) probe() ([]audio.Format, error) {
	if p.native != nil {
		return p.native, nil
	}
	native, err := p.src.engine.b.formats(p.src.device)
	if err != nil {
		return nil, err
	}
	p.native = native
	return native, nil
}

func (p *sourcePin) Formats() (audio.FormatEnumerator, error) {
	native, err := p.probe()
	if err != nil {
		return nil, err
	}
	return audio.NewFormatList(slices.Clone(native)...), nil
}

func (p *sourcePin) SelectFormat(f audio.Format, g audio.BufferGeometry) error {
	native, err := p.probe()
	if err != nil {
		return err
	}
	if !slices.Contains(native, f) {
		return fmt.Errorf("%s is not a native format of %q", f, p.src.device.Name)
	}
	p.active, p.geom = &f, g
	return nil
}

func (p *sourcePin) SetFormat(f audio.Format, g audio.BufferGeometry) error {
	if g != audio.GeometryFor(f) {
		return fmt.Errorf("buffer geometry %+v does not fit %s", g, f)
	}
	if err := p.src.engine.b.supports(p.src.device, f); err != nil {
		return err
	}
	p.active, p.geom = &f, g
	return nil
}

func (p *sourcePin) Format() (audio.Format, error) {
	if p.active == nil {
		return audio.Format{}, fmt.Errorf("no format set on %q", p.src.device.Name)
	}
	return *p.active, nil
}

func (p *sourcePin) connectionFormat() (audio.Format, audio.BufferGeometry, error) {
	if p.active != nil {
		return *p.active, p.geom, nil
	}
	native, err := p.probe()
	if err != nil {
		return audio.Format{}, audio.BufferGeometry{}, err
	}
	if len(native) == 0 {
		return audio.Format{}, audio.BufferGeometry{}, fmt.Errorf("%q offers no formats", p.src.device.Name)
	}
	return native[0], audio.GeometryFor(native[0]), nil
}

// grabber hands each stream buffer to its callback on the backend's
// thread.
type grabber struct {
	in, out *grabberPin

	mu        sync.Mutex
	mediaType audio.MediaType
	oneShot   bool
	buffered  bool
	cb        audio.BufferCallback
	connected *audio.Format
	fired     bool
	last      []byte
	released  bool
}

func (g *grabber) Name() string {
	return audio.GrabberStageName
}

func (g *grabber) Pins() ([]audio.Pin, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return nil, errReleased
	}
	return []audio.Pin{g.in, g.out}, nil
}

func (g *grabber) Release() {
	g.mu.Lock()
	g.released = true
	g.cb = nil
	g.last = nil
	g.mu.Unlock()
}

func (g *grabber) SetMediaType(mt audio.MediaType) error {
	if mt.Major != audio.PCMAudio.Major {
		return fmt.Errorf("unsupported major type %q", mt.Major)
	}
	g.mu.Lock()
	g.mediaType = mt
	g.mu.Unlock()
	return nil
}

func (g *grabber) SetOneShot(oneShot bool) error {
	g.mu.Lock()
	g.oneShot = oneShot
	g.mu.Unlock()
	return nil
}

func (g *grabber) SetBufferSamples(buffer bool) error {
	g.mu.Lock()
	g.buffered = buffer
	if !buffer {
		g.last = nil
	}
	g.mu.Unlock()
	return nil
}

func (g *grabber) SetCallback(cb audio.BufferCallback) error {
	g.mu.Lock()
	g.cb = cb
	g.mu.Unlock()
	return nil
}

// currentBuffer returns a copy of the last buffer seen while sample
// buffering is on.
func (g *grabber) currentBuffer() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.last)
}

func (g *grabber) hasCallback() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cb != nil
}

func (g *grabber) setConnected(f audio.Format) {
	g.mu.Lock()
	g.connected = &f
	g.mu.Unlock()
}

func (g *grabber) rearm() {
	g.mu.Lock()
	g.fired = false
	g.mu.Unlock()
}

// deliver runs on the backend's callback thread. buf is only valid for the
// duration of the call.
func (g *grabber) deliver(buf []byte) {
	g.mu.Lock()
	cb := g.cb
	if cb == nil || (g.oneShot && g.fired) {
		g.mu.Unlock()
		return
	}
	g.fired = true
	if g.buffered {
		g.last = append(g.last[:0], buf...)
	}
	g.mu.Unlock()

	// The callback reports and counts its own rejections.
	_ = cb.BufferReceived(buf)
}

// grabberPin is one of the grabber's two pins.
type grabberPin struct {
	g   *grabber
	dir audio.Direction
}

func (p *grabberPin) Direction() audio.Direction {
	return p.dir
}

// Formats offers the connected format once the grabber is connected.
func (p *grabberPin) Formats() (audio.FormatEnumerator, error) {
	p.g.mu.Lock()
	defer p.g.mu.Unlock()
	if p.g.connected == nil {
		return audio.NewFormatList(), nil
	}
	return audio.NewFormatList(*p.g.connected), nil
}

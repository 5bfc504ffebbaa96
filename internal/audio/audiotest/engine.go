// Package audiotest provides a scriptable in-memory StreamingEngine for
// exercising capture pipelines without audio hardware.
package audiotest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petems/avcapture/internal/audio"
)

// ErrNotRunning is returned by Deliver when no graph is running.
var ErrNotRunning = errors.New("audiotest: graph not running")

// Engine is a fake StreamingEngine. Configure the exported fields before
// handing it to a pipeline; the accessors report what the pipeline did.
type Engine struct {
	// Devices listed by enumeration, in order.
	DeviceList []audio.DeviceDescriptor
	// Native formats offered by every source output pin.
	NativeFormats []audio.Format
	// NoStreamConfig hides the stream configuration capability.
	NoStreamConfig bool
	// SettleOn, when set, is what the pin reports after any imposition.
	SettleOn *audio.Format
	// SourcePins is the pin layout of source stages. Defaults to one
	// output pin.
	SourcePins []audio.Direction
	// LeakyStop makes Graph.Stop return without waiting for deliveries
	// and keeps delivering afterwards, like a broken driver.
	LeakyStop bool

	// Failure injection. A nil error means the call succeeds.
	FailDevices   error
	FailNext      error
	FailGraph     error
	FailBind      error
	FailGrabber   error
	FailConnect   error
	FailSetFormat error
	FailRun       error
	FailStop      error

	mu          sync.Mutex
	liveStages  int
	openEnums   int
	graphs      int
	imposed     []audio.Format
	lastGrabber *Grabber
	running     *Graph
}

// New returns an engine listing the named devices, each offering formats.
func New(names []string, formats ...audio.Format) *Engine {
	e := &Engine{NativeFormats: formats}
	for _, n := range names {
		e.DeviceList = append(e.DeviceList, audio.DeviceDescriptor{Name: n, ID: "test:" + n})
	}
	return e
}

// LiveStages reports stages created and not yet released.
func (e *Engine) LiveStages() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveStages
}

// OpenEnumerators reports device and format enumerators not yet closed.
func (e *Engine) OpenEnumerators() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openEnums
}

// LiveGraphs reports graphs created and not yet released.
func (e *Engine) LiveGraphs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graphs
}

// Imposed lists every format passed to SetFormat.
func (e *Engine) Imposed() []audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]audio.Format(nil), e.imposed...)
}

// LastGrabber returns the most recently created grabber.
func (e *Engine) LastGrabber() *Grabber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastGrabber
}

// Deliver plays the engine's delivery thread: it hands buf to the
// callback of the running graph's grabber and returns its verdict.
func (e *Engine) Deliver(buf []byte) error {
	e.mu.Lock()
	g := e.running
	e.mu.Unlock()
	if g == nil {
		return ErrNotRunning
	}
	return g.deliver(buf)
}

func (e *Engine) Devices() (audio.DeviceEnumerator, error) {
	if e.FailDevices != nil {
		return nil, e.FailDevices
	}
	e.mu.Lock()
	e.openEnums++
	e.mu.Unlock()
	return &deviceEnum{engine: e, devices: e.DeviceList}, nil
}

func (e *Engine) NewGraph() (audio.Graph, error) {
	if e.FailGraph != nil {
		return nil, e.FailGraph
	}
	e.mu.Lock()
	e.graphs++
	e.mu.Unlock()
	return &Graph{engine: e, stages: make(map[audio.Stage]string)}, nil
}

func (e *Engine) BindSource(d audio.DeviceDescriptor) (audio.Stage, error) {
	if e.FailBind != nil {
		return nil, e.FailBind
	}
	dirs := e.SourcePins
	if dirs == nil {
		dirs = []audio.Direction{audio.Output}
	}

	s := &Source{stage: stage{engine: e, name: d.Name}}
	for _, dir := range dirs {
		var pin audio.Pin
		if dir == audio.Output && !e.NoStreamConfig {
			pin = &ConfigurablePin{SourcePin: SourcePin{owner: s, dir: dir}}
		} else {
			pin = &SourcePin{owner: s, dir: dir}
		}
		s.pins = append(s.pins, pin)
	}
	e.track(1)
	return s, nil
}

func (e *Engine) NewGrabber() (audio.Grabber, error) {
	if e.FailGrabber != nil {
		return nil, e.FailGrabber
	}
	g := &Grabber{stage: stage{engine: e, name: audio.GrabberStageName}}
	g.pins = []audio.Pin{
		&grabberPin{owner: g, dir: audio.Input},
		&grabberPin{owner: g, dir: audio.Output},
	}
	e.track(1)

	e.mu.Lock()
	e.lastGrabber = g
	e.mu.Unlock()
	return g, nil
}

func (e *Engine) track(delta int) {
	e.mu.Lock()
	e.liveStages += delta
	e.mu.Unlock()
}

type deviceEnum struct {
	engine  *Engine
	devices []audio.DeviceDescriptor
	pos     int
	closed  bool
}

func (d *deviceEnum) Next() (audio.DeviceDescriptor, bool, error) {
	if d.engine.FailNext != nil {
		return audio.DeviceDescriptor{}, false, d.engine.FailNext
	}
	if d.pos >= len(d.devices) {
		return audio.DeviceDescriptor{}, false, nil
	}
	dev := d.devices[d.pos]
	d.pos++
	return dev, true, nil
}

func (d *deviceEnum) Close() error {
	if d.closed {
		return fmt.Errorf("audiotest: enumerator closed twice")
	}
	d.closed = true
	d.engine.mu.Lock()
	d.engine.openEnums--
	d.engine.mu.Unlock()
	return nil
}

// Graph is the fake filter graph.
type Graph struct {
	engine *Engine
	stages map[audio.Stage]string

	// deliveries hold the read side while calling the grabber callback;
	// Stop takes the write side to drain them.
	deliveries sync.RWMutex
	running    bool
	released   bool
}

func (g *Graph) AddStage(s audio.Stage, name string) error {
	g.stages[s] = name
	return nil
}

func (g *Graph) Connect(out, in audio.Pin) error {
	if g.engine.FailConnect != nil {
		return g.engine.FailConnect
	}
	if out.Direction() != audio.Output || in.Direction() != audio.Input {
		return fmt.Errorf("audiotest: cannot connect %s to %s", out.Direction(), in.Direction())
	}
	gp, ok := in.(*grabberPin)
	if !ok {
		return fmt.Errorf("audiotest: input pin is not a grabber pin")
	}
	sp := sourcePinOf(out)
	if sp == nil {
		return fmt.Errorf("audiotest: output pin is not a source pin")
	}
	if _, ok := g.stages[gp.owner]; !ok {
		return fmt.Errorf("audiotest: grabber not in graph")
	}
	if _, ok := g.stages[sp.owner]; !ok {
		return fmt.Errorf("audiotest: source not in graph")
	}
	if gp.owner.mediaType != audio.PCMAudio {
		return fmt.Errorf("audiotest: grabber does not accept %v", gp.owner.mediaType)
	}
	gp.owner.source = sp.owner
	return nil
}

func (g *Graph) Run() error {
	if g.engine.FailRun != nil {
		return g.engine.FailRun
	}
	g.deliveries.Lock()
	g.running = true
	g.deliveries.Unlock()

	g.engine.mu.Lock()
	g.engine.running = g
	g.engine.mu.Unlock()
	return nil
}

func (g *Graph) Stop() error {
	if g.engine.FailStop != nil {
		return g.engine.FailStop
	}
	if g.engine.LeakyStop {
		return nil
	}
	g.deliveries.Lock()
	g.running = false
	g.deliveries.Unlock()
	return nil
}

func (g *Graph) Release() {
	if g.released {
		return
	}
	g.released = true
	g.engine.mu.Lock()
	g.engine.graphs--
	if g.engine.running == g {
		g.engine.running = nil
	}
	g.engine.mu.Unlock()
}

func (g *Graph) deliver(buf []byte) error {
	g.deliveries.RLock()
	defer g.deliveries.RUnlock()
	if !g.running {
		return ErrNotRunning
	}
	for s := range g.stages {
		if gr, ok := s.(*Grabber); ok && gr.callback != nil {
			return gr.callback.BufferReceived(buf)
		}
	}
	return ErrNotRunning
}

type stage struct {
	engine   *Engine
	name     string
	pins     []audio.Pin
	released bool
}

func (s *stage) Name() string {
	return s.name
}

func (s *stage) Pins() ([]audio.Pin, error) {
	return s.pins, nil
}

func (s *stage) Release() {
	if s.released {
		return
	}
	s.released = true
	s.engine.track(-1)
}

// Source is a fake device source stage.
type Source struct {
	stage
	active *audio.Format
}

// SourcePin is a source pin without the stream configuration capability.
type SourcePin struct {
	owner *Source
	dir   audio.Direction
}

func (p *SourcePin) Direction() audio.Direction {
	return p.dir
}

func (p *SourcePin) Formats() (audio.FormatEnumerator, error) {
	e := p.owner.engine
	e.mu.Lock()
	e.openEnums++
	e.mu.Unlock()
	return &formatEnum{engine: e, list: audio.NewFormatList(e.NativeFormats...)}, nil
}

// ConfigurablePin adds StreamConfig to SourcePin.
type ConfigurablePin struct {
	SourcePin
}

func (p *ConfigurablePin) SetFormat(f audio.Format, g audio.BufferGeometry) error {
	e := p.owner.engine
	if e.FailSetFormat != nil {
		return e.FailSetFormat
	}
	if g.BufferSize != audio.FramesPerBuffer*f.BlockSize() {
		return fmt.Errorf("audiotest: geometry %+v does not fit %s", g, f)
	}
	e.mu.Lock()
	e.imposed = append(e.imposed, f)
	e.mu.Unlock()

	active := f
	if e.SettleOn != nil {
		active = *e.SettleOn
	}
	p.owner.active = &active
	return nil
}

func (p *ConfigurablePin) Format() (audio.Format, error) {
	if p.owner.active != nil {
		return *p.owner.active, nil
	}
	if len(p.owner.engine.NativeFormats) == 0 {
		return audio.Format{}, fmt.Errorf("audiotest: no active format")
	}
	return p.owner.engine.NativeFormats[0], nil
}

func sourcePinOf(p audio.Pin) *SourcePin {
	switch sp := p.(type) {
	case *SourcePin:
		return sp
	case *ConfigurablePin:
		return &sp.SourcePin
	}
	return nil
}

type formatEnum struct {
	engine *Engine
	list   *audio.FormatList
	closed bool
}

func (f *formatEnum) Next() (audio.Format, bool, error) {
	return f.list.Next()
}

func (f *formatEnum) Close() error {
	if f.closed {
		return fmt.Errorf("audiotest: enumerator closed twice")
	}
	f.closed = true
	f.engine.mu.Lock()
	f.engine.openEnums--
	f.engine.mu.Unlock()
	return f.list.Close()
}

// Grabber is the fake grabber stage.
type Grabber struct {
	stage
	mediaType     audio.MediaType
	oneShot       bool
	bufferSamples bool
	callback      audio.BufferCallback
	source        *Source
}

func (g *Grabber) SetMediaType(mt audio.MediaType) error {
	g.mediaType = mt
	return nil
}

func (g *Grabber) SetOneShot(oneShot bool) error {
	g.oneShot = oneShot
	return nil
}

func (g *Grabber) SetBufferSamples(buffer bool) error {
	g.bufferSamples = buffer
	return nil
}

func (g *Grabber) SetCallback(cb audio.BufferCallback) error {
	g.callback = cb
	return nil
}

// Continuous reports whether the grabber was set up for continuous,
// buffered delivery.
func (g *Grabber) Continuous() bool {
	return !g.oneShot && g.bufferSamples
}

// MediaType returns the configured media type.
func (g *Grabber) MediaType() audio.MediaType {
	return g.mediaType
}

type grabberPin struct {
	owner *Grabber
	dir   audio.Direction
}

func (p *grabberPin) Direction() audio.Direction {
	return p.dir
}

func (p *grabberPin) Formats() (audio.FormatEnumerator, error) {
	return audio.NewFormatList(), nil
}

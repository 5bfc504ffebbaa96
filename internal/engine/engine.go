// Package engine implements audio.StreamingEngine over native audio APIs.
//
// Each native API is a backend that lists capture devices, probes their
// formats and opens callback streams. The graph model on top of it (source
// stage, grabber stage, pins) is shared by all backends.
package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petems/avcapture/internal/audio"
	"github.com/rs/zerolog"
)

// Backend names accepted by New.
const (
	PortAudio = "portaudio"
	MiniAudio = "miniaudio"
)

var errEngineClosed = errors.New("audio engine closed")

// backend is a native audio API.
type backend interface {
	devices() ([]audio.DeviceDescriptor, error)
	// formats lists what dev offers natively, device default first.
	formats(dev audio.DeviceDescriptor) ([]audio.Format, error)
	// supports reports whether dev can be opened with f.
	supports(dev audio.DeviceDescriptor, f audio.Format) error
	open(dev audio.DeviceDescriptor, f audio.Format, g audio.BufferGeometry, deliver func([]byte)) (stream, error)
	close() error
}

// stream is an opened native capture stream. Stop returns once the
// backend's callback is no longer running.
type stream interface {
	Start() error
	Stop() error
	Close() error
}

// Engine is a StreamingEngine backed by a native audio API.
type Engine struct {
	name string
	b    backend
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// New initializes the named backend. Close must be called when done.
func New(name string, log zerolog.Logger) (*Engine, error) {
	log = log.With().Str("component", "engine").Str("backend", name).Logger()

	var (
		b   backend
		err error
	)
	switch name {
	case PortAudio, "":
		name = PortAudio
		b, err = newPortAudio(log)
	case MiniAudio:
		b, err = newMiniAudio(log)
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().Msg("Audio backend initialized")
	return newEngine(name, b, log), nil
}

func newEngine(name string, b backend, log zerolog.Logger) *Engine {
	return &Engine{name: name, b: b, log: log}
}

// Name returns the backend name.
func (e *Engine) Name() string {
	return e.name
}

// Close releases the backend. Graphs must be released first.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.b.close()
}

// checkOpen fails once Close has released the backend.
func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errEngineClosed
	}
	return nil
}

// Devices snapshots the backend's capture devices.
func (e *Engine) Devices() (audio.DeviceEnumerator, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	devices, err := e.b.devices()
	if err != nil {
		return nil, err
	}
	return &deviceList{devices: devices}, nil
}

func (e *Engine) NewGraph() (audio.Graph, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return &graph{engine: e, stages: make(map[audio.Stage]string)}, nil
}

func (e *Engine) BindSource(d audio.DeviceDescriptor) (audio.Stage, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if d.ID == "" {
		return nil, fmt.Errorf("device %q has no identifier", d.Name)
	}
	s := &source{engine: e, device: d}
	s.out = &sourcePin{src: s}
	return s, nil
}

func (e *Engine) NewGrabber() (audio.Grabber, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	g := &grabber{}
	g.in = &grabberPin{g: g, dir: audio.Input}
	g.out = &grabberPin{g: g, dir: audio.Output}
	return g, nil
}

// deviceList enumerates a device snapshot.
type deviceList struct {
	devices []audio.DeviceDescriptor
	pos     int
	closed  bool
}

func (l *deviceList) Next() (audio.DeviceDescriptor, bool, error) {
	if l.closed {
		return audio.DeviceDescriptor{}, false, fmt.Errorf("device enumerator closed")
	}
	if l.pos >= len(l.devices) {
		return audio.DeviceDescriptor{}, false, nil
	}
	d := l.devices[l.pos]
	l.pos++
	return d, true, nil
}

func (l *deviceList) Close() error {
	l.closed = true
	return nil
}

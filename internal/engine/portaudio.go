package engine

import (
	"fmt"
	"slices"
	"time"
	"unsafe"

	"github.com/gordonklaus/portaudio"
	"github.com/petems/avcapture/internal/audio"
	"github.com/rs/zerolog"
)

// Probed when listing native formats, after the device's default rate.
var (
	standardRates = []float64{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 192000}
	standardBits  = []uint16{16, 24, 32, 8}
)

type portAudioBackend struct {
	log zerolog.Logger
}

func newPortAudio(log zerolog.Logger) (backend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioBackend{log: log}, nil
}

func (p *portAudioBackend) close() error {
	return portaudio.Terminate()
}

// portAudioID builds a device ID from its position in portaudio.Devices,
// which lists devices in PortAudio index order.
func portAudioID(d *portaudio.DeviceInfo, index int) string {
	return fmt.Sprintf("%s:%d", d.HostApi.Name, index)
}

func (p *portAudioBackend) devices() ([]audio.DeviceDescriptor, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	result := make([]audio.DeviceDescriptor, 0, len(devices))
	defaultDevice, _ := portaudio.DefaultInputDevice()

	for i, d := range devices {
		if d.MaxInputChannels > 0 {
			result = append(result, audio.DeviceDescriptor{
				ID:      portAudioID(d, i),
				Name:    d.Name,
				Default: d == defaultDevice,
			})
		}
	}

	return result, nil
}

// lookup finds the device a descriptor was made from.
func (p *portAudioBackend) lookup(dev audio.DeviceDescriptor) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	for i, d := range devices {
		if portAudioID(d, i) == dev.ID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q is gone", audio.ErrDeviceNotFound, dev.Name)
}

func inputParams(d *portaudio.DeviceInfo, f audio.Format) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   d,
			Channels: int(f.Channels),
			Latency:  d.DefaultHighInputLatency,
		},
		SampleRate: float64(f.SampleRate),
	}
}

// sampleBuffer returns an empty buffer of the PortAudio sample type for
// bits.
func sampleBuffer(bits uint16) (any, error) {
	switch bits {
	case 8:
		return make([]uint8, 0), nil
	case 16:
		return make([]int16, 0), nil
	case 24:
		return make([]portaudio.Int24, 0), nil
	case 32:
		return make([]int32, 0), nil
	}
	return nil, fmt.Errorf("%w: %d bits per sample", audio.ErrInvalidFormat, bits)
}

func (p *portAudioBackend) formats(dev audio.DeviceDescriptor) ([]audio.Format, error) {
	d, err := p.lookup(dev)
	if err != nil {
		return nil, err
	}

	rates := append([]float64{d.DefaultSampleRate}, standardRates...)
	maxChannels := min(d.MaxInputChannels, 2)

	var result []audio.Format
	for _, rate := range rates {
		if rate < 1 {
			continue
		}
		for _, bits := range standardBits {
			for ch := maxChannels; ch >= 1; ch-- {
				f := audio.Format{SampleRate: uint32(rate), BitsPerSample: bits, Channels: uint16(ch)}
				if slices.Contains(result, f) {
					continue
				}
				buf, _ := sampleBuffer(bits)
				if portaudio.IsFormatSupported(inputParams(d, f), buf) == nil {
					result = append(result, f)
				}
			}
		}
	}

	p.log.Debug().Str("device", d.Name).Int("formats", len(result)).Msg("Probed native formats")
	return result, nil
}

func (p *portAudioBackend) supports(dev audio.DeviceDescriptor, f audio.Format) error {
	d, err := p.lookup(dev)
	if err != nil {
		return err
	}
	if int(f.Channels) > d.MaxInputChannels {
		return fmt.Errorf("%q has %d input channels, %d requested", d.Name, d.MaxInputChannels, f.Channels)
	}
	buf, err := sampleBuffer(f.BitsPerSample)
	if err != nil {
		return err
	}
	return portaudio.IsFormatSupported(inputParams(d, f), buf)
}

// asBytes reinterprets a sample slice as its raw little-endian bytes.
func asBytes[T any](in []T) []byte {
	if len(in) == 0 {
		return []byte{}
	}
	size := int(unsafe.Sizeof(in[0]))
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(in))), len(in)*size)
}

func (p *portAudioBackend) open(dev audio.DeviceDescriptor, f audio.Format, g audio.BufferGeometry, deliver func([]byte)) (stream, error) {
	d, err := p.lookup(dev)
	if err != nil {
		return nil, err
	}

	var callback any
	switch f.BitsPerSample {
	case 8:
		callback = func(in []uint8) { deliver(asBytes(in)) }
	case 16:
		callback = func(in []int16) { deliver(asBytes(in)) }
	case 24:
		callback = func(in []portaudio.Int24) { deliver(asBytes(in)) }
	case 32:
		callback = func(in []int32) { deliver(asBytes(in)) }
	default:
		return nil, fmt.Errorf("%w: %d bits per sample", audio.ErrInvalidFormat, f.BitsPerSample)
	}

	params := inputParams(d, f)
	params.FramesPerBuffer = g.FrameCount
	// Room for the whole buffer queue.
	queued := time.Duration(float64(g.BufferCount*g.BufferSize) / float64(f.BytesPerSecond()) * float64(time.Second))
	params.Input.Latency = max(params.Input.Latency, queued)

	s, err := portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio stream: %w", err)
	}

	p.log.Debug().
		Str("device", d.Name).
		Stringer("format", f).
		Int("frames_per_buffer", g.FrameCount).
		Dur("latency", params.Input.Latency).
		Msg("Opened PortAudio stream")
	return s, nil
}

package engine

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/petems/avcapture/internal/audio"
	"github.com/rs/zerolog"
)

var (
	miniAudioRates    = []uint32{8000, 11025, 16000, 22050, 32000, 44100, 48000, 88200, 96000, 192000}
	miniAudioChannels = []uint16{2, 1}
)

type miniAudioBackend struct {
	ctx *malgo.AllocatedContext
	log zerolog.Logger

	mu  sync.Mutex
	ids map[string]malgo.DeviceID
}

func newMiniAudio(log zerolog.Logger) (backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("init malgo context: %w", err)
	}
	return &miniAudioBackend{ctx: ctx, log: log, ids: make(map[string]malgo.DeviceID)}, nil
}

func (m *miniAudioBackend) close() error {
	if err := m.ctx.Uninit(); err != nil {
		return err
	}
	m.ctx.Free()
	return nil
}

func miniAudioID(id malgo.DeviceID) string {
	return hex.EncodeToString(bytes.TrimRight(id[:], "\x00"))
}

func (m *miniAudioBackend) devices() ([]audio.DeviceDescriptor, error) {
	devices, err := m.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]audio.DeviceDescriptor, 0, len(devices))
	for _, dev := range devices {
		full, err := m.ctx.DeviceInfo(malgo.Capture, dev.ID, malgo.Shared)
		if err != nil {
			m.log.Warn().Err(err).Str("device", dev.Name()).Msg("Unable to get audio device info")
			continue
		}

		// Avoid duplicate device IDs.
		id := miniAudioID(full.ID)
		if containsID(res, id) {
			continue
		}
		m.ids[id] = full.ID

		res = append(res, audio.DeviceDescriptor{
			ID:      id,
			Name:    full.Name(),
			Default: full.IsDefault == 1,
		})
	}
	return res, nil
}

func containsID(devices []audio.DeviceDescriptor, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

func (m *miniAudioBackend) deviceID(dev audio.DeviceDescriptor) (malgo.DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[dev.ID]
	if !ok {
		return malgo.DeviceID{}, fmt.Errorf("%w: %q was not enumerated", audio.ErrDeviceNotFound, dev.Name)
	}
	return id, nil
}

func bitsOf(f malgo.FormatType) (uint16, bool) {
	switch f {
	case malgo.FormatU8:
		return 8, true
	case malgo.FormatS16:
		return 16, true
	case malgo.FormatS24:
		return 24, true
	case malgo.FormatS32:
		return 32, true
	}
	return 0, false
}

func formatOf(bits uint16) (malgo.FormatType, error) {
	switch bits {
	case 8:
		return malgo.FormatU8, nil
	case 16:
		return malgo.FormatS16, nil
	case 24:
		return malgo.FormatS24, nil
	case 32:
		return malgo.FormatS32, nil
	}
	return malgo.FormatUnknown, fmt.Errorf("%w: %d bits per sample", audio.ErrInvalidFormat, bits)
}

// expandNative lists the formats one native entry stands for. A zero rate
// or channel count means any, and is expanded over the usual values.
func expandNative(bits uint16, rate, channels uint32) []audio.Format {
	rates := []uint32{rate}
	if rate == 0 {
		rates = miniAudioRates
	}
	chans := []uint16{uint16(channels)}
	if channels == 0 {
		chans = miniAudioChannels
	}

	res := make([]audio.Format, 0, len(rates)*len(chans))
	for _, r := range rates {
		for _, ch := range chans {
			res = append(res, audio.Format{SampleRate: r, BitsPerSample: bits, Channels: ch})
		}
	}
	return res
}

// formats lists the device's native data formats.
func (m *miniAudioBackend) formats(dev audio.DeviceDescriptor) ([]audio.Format, error) {
	id, err := m.deviceID(dev)
	if err != nil {
		return nil, err
	}
	full, err := m.ctx.DeviceInfo(malgo.Capture, id, malgo.Shared)
	if err != nil {
		return nil, err
	}

	var res []audio.Format
	add := func(f audio.Format) {
		for _, have := range res {
			if have == f {
				return
			}
		}
		res = append(res, f)
	}

	for _, native := range full.Formats[:full.FormatCount] {
		bits, ok := bitsOf(native.Format)
		if !ok {
			continue
		}
		for _, f := range expandNative(bits, native.SampleRate, native.Channels) {
			add(f)
		}
	}

	m.log.Debug().Str("device", dev.Name).Int("formats", len(res)).Msg("Listed native formats")
	return res, nil
}

// supports accepts any integer PCM format; miniaudio converts from the
// device format itself.
func (m *miniAudioBackend) supports(dev audio.DeviceDescriptor, f audio.Format) error {
	if _, err := m.deviceID(dev); err != nil {
		return err
	}
	_, err := formatOf(f.BitsPerSample)
	return err
}

func (m *miniAudioBackend) open(dev audio.DeviceDescriptor, f audio.Format, g audio.BufferGeometry, deliver func([]byte)) (stream, error) {
	id, err := m.deviceID(dev)
	if err != nil {
		return nil, err
	}
	format, err := formatOf(f.BitsPerSample)
	if err != nil {
		return nil, err
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.DeviceID = id.Pointer()
	deviceConfig.Capture.Format = format
	deviceConfig.Capture.Channels = uint32(f.Channels)
	deviceConfig.SampleRate = f.SampleRate
	deviceConfig.PeriodSizeInFrames = uint32(g.FrameCount)
	deviceConfig.Periods = uint32(g.BufferCount)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if input == nil {
				input = []byte{}
			}
			deliver(input)
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init capture device: %w", err)
	}

	m.log.Debug().
		Str("device", dev.Name).
		Stringer("format", f).
		Int("period_frames", g.FrameCount).
		Int("periods", g.BufferCount).
		Msg("Opened miniaudio device")
	return &miniAudioStream{device: device}, nil
}

type miniAudioStream struct {
	device *malgo.Device
}

func (s *miniAudioStream) Start() error {
	return s.device.Start()
}

// Stop waits for the device to stop, so the data callback has returned.
func (s *miniAudioStream) Stop() error {
	return s.device.Stop()
}

func (s *miniAudioStream) Close() error {
	s.device.Uninit()
	return nil
}

package audio_test

import (
	"errors"
	"testing"

	"github.com/petems/avcapture/internal/audio"
	"github.com/petems/avcapture/internal/audio/audiotest"
	"github.com/rs/zerolog"
)

var (
	cd       = audio.Format{SampleRate: 44100, BitsPerSample: 16, Channels: 2}
	dvd      = audio.Format{SampleRate: 48000, BitsPerSample: 16, Channels: 2}
	voice    = audio.Format{SampleRate: 16000, BitsPerSample: 16, Channels: 1}
	hiRes    = audio.Format{SampleRate: 96000, BitsPerSample: 24, Channels: 2}
	allValid = []audio.Format{
		cd, dvd, voice, hiRes,
		{SampleRate: 8000, BitsPerSample: 8, Channels: 1},
		{SampleRate: 192000, BitsPerSample: 32, Channels: 8},
	}
)

// sourceOut binds a source on engine and returns its first output pin.
func sourceOut(t *testing.T, engine *audiotest.Engine) audio.Pin {
	t.Helper()
	stage, err := engine.BindSource(audio.DeviceDescriptor{Name: "MicA"})
	if err != nil {
		t.Fatalf("BindSource failed: %v", err)
	}
	t.Cleanup(stage.Release)
	pin, err := audio.FindPin(stage, audio.Output, 0)
	if err != nil {
		t.Fatalf("FindPin failed: %v", err)
	}
	return pin
}

func TestNegotiateNativeMatchIsUnchanged(t *testing.T) {
	for _, policy := range []audio.MatchPolicy{audio.ExactMatchFirst, audio.FirstMismatch} {
		for _, f := range allValid {
			engine := audiotest.New(nil, f)
			n := audio.NewFormatNegotiator(policy, zerolog.Nop())

			got, err := n.Negotiate(sourceOut(t, engine), f)
			if err != nil {
				t.Fatalf("%s %s: Negotiate failed: %v", policy, f, err)
			}
			if got.Format != f || got.Imposed {
				t.Errorf("%s %s: expected unchanged native format, got %+v", policy, f, got)
			}
			if len(engine.Imposed()) != 0 {
				t.Errorf("%s %s: expected no imposition", policy, f)
			}
			if engine.OpenEnumerators() != 0 {
				t.Errorf("%s %s: format enumerator leaked", policy, f)
			}
		}
	}
}

func TestNegotiateImposesRequested(t *testing.T) {
	for _, f := range allValid {
		engine := audiotest.New(nil, audio.Format{SampleRate: 22050, BitsPerSample: 8, Channels: 3})
		n := audio.NewFormatNegotiator(audio.ExactMatchFirst, zerolog.Nop())

		got, err := n.Negotiate(sourceOut(t, engine), f)
		if err != nil {
			t.Fatalf("%s: Negotiate failed: %v", f, err)
		}
		if got.Format != f || !got.Imposed {
			t.Errorf("%s: expected imposed requested format, got %+v", f, got)
		}
		if got.Geometry != audio.GeometryFor(f) {
			t.Errorf("%s: unexpected geometry %+v", f, got.Geometry)
		}
		if imposed := engine.Imposed(); len(imposed) != 1 || imposed[0] != f {
			t.Errorf("%s: unexpected impositions %v", f, imposed)
		}
		if engine.OpenEnumerators() != 0 {
			t.Errorf("%s: format enumerator leaked", f)
		}
	}
}

func TestNegotiateMatchPolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     audio.MatchPolicy
		native     []audio.Format
		wantImpose bool
	}{
		{"exact-first finds later match", audio.ExactMatchFirst, []audio.Format{dvd, voice, cd}, false},
		{"first-mismatch imposes before later match", audio.FirstMismatch, []audio.Format{dvd, voice, cd}, true},
		{"first-mismatch short-circuits on leading match", audio.FirstMismatch, []audio.Format{cd, dvd}, false},
		{"exact-first imposes without any match", audio.ExactMatchFirst, []audio.Format{dvd, voice}, true},
		{"only exact entries never impose", audio.FirstMismatch, []audio.Format{cd, cd}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := audiotest.New(nil, tt.native...)
			n := audio.NewFormatNegotiator(tt.policy, zerolog.Nop())

			got, err := n.Negotiate(sourceOut(t, engine), cd)
			if err != nil {
				t.Fatalf("Negotiate failed: %v", err)
			}
			if got.Imposed != tt.wantImpose {
				t.Errorf("expected imposed=%v, got %v", tt.wantImpose, got.Imposed)
			}
			if got.Format != cd {
				t.Errorf("expected %s, got %s", cd, got.Format)
			}
			if engine.OpenEnumerators() != 0 {
				t.Error("format enumerator leaked")
			}
		})
	}
}

func TestNegotiateFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(e *audiotest.Engine)
		request audio.Format
		wantErr error
	}{
		{
			name:    "no native formats",
			setup:   func(e *audiotest.Engine) { e.NativeFormats = nil },
			request: cd,
			wantErr: audio.ErrFormatRejected,
		},
		{
			name:    "engine rejects",
			setup:   func(e *audiotest.Engine) { e.FailSetFormat = errors.New("E_FAIL") },
			request: cd,
			wantErr: audio.ErrFormatRejected,
		},
		{
			name: "device substitutes",
			setup: func(e *audiotest.Engine) {
				settled := dvd
				e.SettleOn = &settled
			},
			request: cd,
			wantErr: audio.ErrFormatRejected,
		},
		{
			name:    "no configuration capability",
			setup:   func(e *audiotest.Engine) { e.NoStreamConfig = true },
			request: cd,
			wantErr: audio.ErrCapabilityUnavailable,
		},
		{
			name:    "zero channels",
			setup:   func(e *audiotest.Engine) {},
			request: audio.Format{SampleRate: 44100, BitsPerSample: 16},
			wantErr: audio.ErrInvalidFormat,
		},
		{
			name:    "zero bits",
			setup:   func(e *audiotest.Engine) {},
			request: audio.Format{SampleRate: 44100, Channels: 2},
			wantErr: audio.ErrInvalidFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := audiotest.New(nil, dvd)
			tt.setup(engine)
			n := audio.NewFormatNegotiator(audio.ExactMatchFirst, zerolog.Nop())

			_, err := n.Negotiate(sourceOut(t, engine), tt.request)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if engine.OpenEnumerators() != 0 {
				t.Error("format enumerator leaked")
			}
		})
	}
}

func TestNegotiateInvalidFormatSkipsEngine(t *testing.T) {
	pin := &countingPin{}
	n := audio.NewFormatNegotiator(audio.ExactMatchFirst, zerolog.Nop())

	_, err := n.Negotiate(pin, audio.Format{SampleRate: 44100, BitsPerSample: 16})
	if !errors.Is(err, audio.ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
	if pin.calls != 0 {
		t.Fatalf("expected no engine call, got %d", pin.calls)
	}
}

// countingPin counts format enumerations.
type countingPin struct {
	calls int
}

func (p *countingPin) Direction() audio.Direction {
	return audio.Output
}

func (p *countingPin) Formats() (audio.FormatEnumerator, error) {
	p.calls++
	return nil, errors.New("should not be called")
}

func TestParseMatchPolicy(t *testing.T) {
	for _, p := range []audio.MatchPolicy{audio.ExactMatchFirst, audio.FirstMismatch} {
		got, err := audio.ParseMatchPolicy(p.String())
		if err != nil || got != p {
			t.Errorf("round trip of %s gave %v, %v", p, got, err)
		}
	}
	if _, err := audio.ParseMatchPolicy("closest"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// selectingPin offers fixed native formats and records selections.
type selectingPin struct {
	native   []audio.Format
	selected []audio.Format
}

func (p *selectingPin) Direction() audio.Direction {
	return audio.Output
}

func (p *selectingPin) Formats() (audio.FormatEnumerator, error) {
	return audio.NewFormatList(p.native...), nil
}

func (p *selectingPin) SelectFormat(f audio.Format, g audio.BufferGeometry) error {
	if g != audio.GeometryFor(f) {
		return errors.New("geometry does not match format")
	}
	p.selected = append(p.selected, f)
	return nil
}

func TestNegotiateSelectsNativeMatch(t *testing.T) {
	pin := &selectingPin{native: []audio.Format{dvd, cd}}
	n := audio.NewFormatNegotiator(audio.ExactMatchFirst, zerolog.Nop())

	got, err := n.Negotiate(pin, cd)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}
	if got.Imposed {
		t.Error("native match must not be reported as imposed")
	}
	if len(pin.selected) != 1 || pin.selected[0] != cd {
		t.Fatalf("expected %s to be selected, got %v", cd, pin.selected)
	}
}

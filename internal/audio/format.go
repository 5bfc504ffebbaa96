package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Buffer negotiation constants handed to the engine allocator.
const (
	// FramesPerBuffer is the fixed frame count of every queue buffer.
	FramesPerBuffer = 1024
	// BufferCount is the depth of the engine's buffer queue. Capture
	// latency grows with it.
	BufferCount = 6
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Format describes interleaved PCM audio.
type Format struct {
	SampleRate    uint32 `validate:"gt=0"`
	BitsPerSample uint16 `validate:"oneof=8 16 24 32"`
	Channels      uint16 `validate:"gt=0"`
}

// Validate reports ErrInvalidFormat when f cannot describe PCM audio.
func (f Format) Validate() error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s=%v fails %s", fe.Field(), fe.Value(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidFormat, strings.Join(msgs, ", "))
}

// BytesPerSample is the storage size of one sample of one channel.
func (f Format) BytesPerSample() int {
	return int(f.BitsPerSample) / 8
}

// BlockSize is the size of one frame (one sample for every channel).
func (f Format) BlockSize() int {
	return int(f.Channels) * f.BytesPerSample()
}

// BytesPerSecond is the average data rate of the format.
func (f Format) BytesPerSecond() int {
	return f.BlockSize() * int(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitsPerSample, f.Channels)
}

// BufferGeometry is the allocator layout derived from an agreed Format.
type BufferGeometry struct {
	// FrameCount is the number of frames held by one buffer.
	FrameCount int
	// BlockSize is the number of bytes per frame.
	BlockSize int
	// BufferSize is FrameCount * BlockSize.
	BufferSize int
	// BufferCount is the queue depth.
	BufferCount int
	// Align is the required buffer alignment, one frame.
	Align int
}

// GeometryFor derives the buffer geometry for f.
func GeometryFor(f Format) BufferGeometry {
	block := f.BlockSize()
	return BufferGeometry{
		FrameCount:  FramesPerBuffer,
		BlockSize:   block,
		BufferSize:  FramesPerBuffer * block,
		BufferCount: BufferCount,
		Align:       block,
	}
}

package audio

import (
	"fmt"
	"iter"

	"github.com/rs/zerolog"
)

// DeviceCatalog enumerates capture devices by friendly name. It never
// opens a device.
type DeviceCatalog struct {
	engine StreamingEngine
	log    zerolog.Logger
}

// NewDeviceCatalog returns a catalog backed by engine.
func NewDeviceCatalog(engine StreamingEngine, log zerolog.Logger) *DeviceCatalog {
	return &DeviceCatalog{
		engine: engine,
		log:    log.With().Str("component", "catalog").Logger(),
	}
}

// Devices returns a lazy sequence of the available capture devices. Each
// range over it runs a fresh enumeration. A failure is yielded once, with
// a zero descriptor, and ends the sequence.
func (c *DeviceCatalog) Devices() iter.Seq2[DeviceDescriptor, error] {
	return func(yield func(DeviceDescriptor, error) bool) {
		enum, err := c.engine.Devices()
		if err != nil {
			yield(DeviceDescriptor{}, fmt.Errorf("%w: %w", ErrEnumeration, err))
			return
		}
		defer func() {
			if err := enum.Close(); err != nil {
				c.log.Debug().Err(err).Msg("Failed to close device enumerator")
			}
		}()

		for {
			d, ok, err := enum.Next()
			if err != nil {
				yield(DeviceDescriptor{}, fmt.Errorf("%w: %w", ErrEnumeration, err))
				return
			}
			if !ok {
				return
			}
			if !yield(d, nil) {
				return
			}
		}
	}
}

// List collects one full enumeration.
func (c *DeviceCatalog) List() ([]DeviceDescriptor, error) {
	var out []DeviceDescriptor
	for d, err := range c.Devices() {
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Resolve finds the device whose friendly name is exactly name. The first
// match wins when names repeat. An empty name selects the device flagged
// as default, or the first device when none is.
func (c *DeviceCatalog) Resolve(name string) (DeviceDescriptor, error) {
	var first *DeviceDescriptor
	for d, err := range c.Devices() {
		if err != nil {
			return DeviceDescriptor{}, err
		}
		if name == "" {
			if d.Default {
				return d, nil
			}
			if first == nil {
				first = &d
			}
			continue
		}
		if d.Name == name {
			c.log.Debug().Str("device", name).Str("id", d.ID).Msg("Resolved device")
			return d, nil
		}
	}

	if name == "" && first != nil {
		return *first, nil
	}
	if name == "" {
		return DeviceDescriptor{}, fmt.Errorf("%w: no capture devices available", ErrDeviceNotFound)
	}
	return DeviceDescriptor{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

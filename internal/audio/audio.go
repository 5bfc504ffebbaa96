package audio

// Direction of a pin relative to its stage.
type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

// MediaType is the major/sub type pair a grabber accepts.
type MediaType struct {
	Major string
	Sub   string
}

// PCMAudio is raw uncompressed audio, the only media type the grabber is
// configured for.
var PCMAudio = MediaType{Major: "audio", Sub: "pcm"}

// DeviceDescriptor identifies a capture device within one enumeration.
type DeviceDescriptor struct {
	// Name is the friendly name shown to users.
	Name string
	// ID is the opaque platform identity of the device.
	ID string
	// Default is set when the engine reports the device as the system
	// default input.
	Default bool
}

// StreamingEngine is the platform media subsystem that performs hardware
// I/O and runs capture graphs.
type StreamingEngine interface {
	// Devices starts an enumeration of the capture device category.
	Devices() (DeviceEnumerator, error)
	// NewGraph creates an empty filter graph.
	NewGraph() (Graph, error)
	// BindSource instantiates a source stage for a device.
	BindSource(d DeviceDescriptor) (Stage, error)
	// NewGrabber instantiates a grabber stage.
	NewGrabber() (Grabber, error)
}

// DeviceEnumerator walks one enumeration of capture devices.
type DeviceEnumerator interface {
	Next() (DeviceDescriptor, bool, error)
	Close() error
}

// Graph is a filter graph owning the stages added to it.
type Graph interface {
	AddStage(s Stage, name string) error
	Connect(out, in Pin) error
	Run() error
	// Stop halts the graph. It returns only once no buffer callback is in
	// flight and none will fire until the next Run.
	Stop() error
	Release()
}

// Stage is a unit of the graph, a device source or a grabber.
type Stage interface {
	Name() string
	Pins() ([]Pin, error)
	Release()
}

// Pin is a directional connection point on a stage.
type Pin interface {
	Direction() Direction
	// Formats enumerates the formats the pin natively offers. The
	// enumerator must be closed by the caller.
	Formats() (FormatEnumerator, error)
}

// FormatEnumerator walks the formats offered by a pin.
type FormatEnumerator interface {
	Next() (Format, bool, error)
	Close() error
}

// StreamConfig is the optional capability of an output pin that accepts an
// imposed format.
type StreamConfig interface {
	SetFormat(f Format, g BufferGeometry) error
	// Format reports the format currently active on the pin.
	Format() (Format, error)
}

// FormatSelector is the optional capability of an output pin to pick one
// of its own native formats for the coming connection. Selecting does not
// impose anything on the device.
type FormatSelector interface {
	SelectFormat(f Format, g BufferGeometry) error
}

// Grabber is the stage that hands captured buffers to a callback.
type Grabber interface {
	Stage
	SetMediaType(mt MediaType) error
	SetOneShot(oneShot bool) error
	SetBufferSamples(buffer bool) error
	SetCallback(cb BufferCallback) error
}

// BufferCallback is invoked by the engine on its delivery thread, once per
// captured buffer.
type BufferCallback interface {
	BufferReceived(buf []byte) error
}

// Sink consumes capture notifications. All methods are called
// synchronously; BufferReceived runs on the engine's delivery thread and
// must not block for long. buf is only valid for the duration of the call.
type Sink interface {
	CaptureStarted()
	CaptureStopped()
	BufferReceived(buf []byte)
}

package audio

import (
	"fmt"

	"github.com/rs/zerolog"
)

// MatchPolicy decides when the negotiator imposes the requested format.
type MatchPolicy int

const (
	// ExactMatchFirst scans every native format for an exact match before
	// imposing the requested one.
	ExactMatchFirst MatchPolicy = iota
	// FirstMismatch imposes as soon as a native format differs from the
	// request, even if an exact match would appear later.
	FirstMismatch
)

func (p MatchPolicy) String() string {
	switch p {
	case ExactMatchFirst:
		return "exact-first"
	case FirstMismatch:
		return "first-mismatch"
	default:
		return "unknown"
	}
}

// ParseMatchPolicy parses the String form of a policy.
func ParseMatchPolicy(s string) (MatchPolicy, error) {
	switch s {
	case "", "exact-first":
		return ExactMatchFirst, nil
	case "first-mismatch":
		return FirstMismatch, nil
	}
	return ExactMatchFirst, fmt.Errorf("unknown match policy %q", s)
}

// Negotiation is the outcome of a successful negotiation.
type Negotiation struct {
	Format   Format
	Geometry BufferGeometry
	// Imposed is set when the format had to be forced on the device.
	Imposed bool
}

// FormatNegotiator reconciles a requested format with what a source pin
// natively offers.
type FormatNegotiator struct {
	policy MatchPolicy
	log    zerolog.Logger
}

// NewFormatNegotiator returns a negotiator applying policy.
func NewFormatNegotiator(policy MatchPolicy, log zerolog.Logger) *FormatNegotiator {
	return &FormatNegotiator{
		policy: policy,
		log:    log.With().Str("component", "negotiator").Logger(),
	}
}

// Negotiate agrees a format on pin. The result is either exactly requested
// or an error; a different format is never substituted. The pin's format
// enumerator is closed on every path.
func (n *FormatNegotiator) Negotiate(pin Pin, requested Format) (Negotiation, error) {
	if err := requested.Validate(); err != nil {
		return Negotiation{}, err
	}

	impose, err := n.scan(pin, requested)
	if err != nil {
		return Negotiation{}, err
	}

	geometry := GeometryFor(requested)
	if !impose {
		if sel, ok := pin.(FormatSelector); ok {
			if err := sel.SelectFormat(requested, geometry); err != nil {
				return Negotiation{}, fmt.Errorf("%w: selecting native %s: %w", ErrFormatRejected, requested, err)
			}
		}
		n.log.Debug().Stringer("format", requested).Msg("Device offers requested format natively")
		return Negotiation{Format: requested, Geometry: geometry}, nil
	}

	cfg, ok := pin.(StreamConfig)
	if !ok {
		return Negotiation{}, ErrCapabilityUnavailable
	}

	if err := cfg.SetFormat(requested, geometry); err != nil {
		return Negotiation{}, fmt.Errorf("%w: %s: %w", ErrFormatRejected, requested, err)
	}

	active, err := cfg.Format()
	if err != nil {
		return Negotiation{}, fmt.Errorf("%w: reading back %s: %w", ErrFormatRejected, requested, err)
	}
	if active != requested {
		return Negotiation{}, fmt.Errorf("%w: requested %s, device settled on %s", ErrFormatRejected, requested, active)
	}

	n.log.Info().
		Stringer("format", active).
		Int("buffer_size", geometry.BufferSize).
		Int("buffer_count", geometry.BufferCount).
		Msg("Imposed capture format")

	return Negotiation{Format: active, Geometry: geometry, Imposed: true}, nil
}

// scan walks the native formats and reports whether imposition is needed.
func (n *FormatNegotiator) scan(pin Pin, requested Format) (bool, error) {
	enum, err := pin.Formats()
	if err != nil {
		return false, fmt.Errorf("%w: enumerating native formats: %w", ErrFormatRejected, err)
	}
	defer func() {
		if err := enum.Close(); err != nil {
			n.log.Debug().Err(err).Msg("Failed to close format enumerator")
		}
	}()

	seen := 0
	for {
		f, ok, err := enum.Next()
		if err != nil {
			return false, fmt.Errorf("%w: enumerating native formats: %w", ErrFormatRejected, err)
		}
		if !ok {
			break
		}
		seen++

		if f == requested {
			return false, nil
		}
		if n.policy == FirstMismatch {
			return true, nil
		}
	}

	if seen == 0 {
		return false, fmt.Errorf("%w: device offers no formats", ErrFormatRejected)
	}
	return true, nil
}

// FormatList is a FormatEnumerator over a fixed slice.
type FormatList struct {
	formats []Format
	pos     int
	closed  bool
}

// NewFormatList returns an enumerator over formats.
func NewFormatList(formats ...Format) *FormatList {
	return &FormatList{formats: formats}
}

func (l *FormatList) Next() (Format, bool, error) {
	if l.closed {
		return Format{}, false, fmt.Errorf("format enumerator closed")
	}
	if l.pos >= len(l.formats) {
		return Format{}, false, nil
	}
	f := l.formats[l.pos]
	l.pos++
	return f, true, nil
}

func (l *FormatList) Close() error {
	l.closed = true
	return nil
}

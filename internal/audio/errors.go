package audio

import "errors"

// Error taxonomy. Every failure returned by this package wraps exactly one
// of these, so callers can match with errors.Is.
var (
	ErrEnumeration           = errors.New("device enumeration failed")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrStageCreation         = errors.New("stage creation failed")
	ErrConnection            = errors.New("pin connection failed")
	ErrFormatRejected        = errors.New("format rejected")
	ErrCapabilityUnavailable = errors.New("stream configuration capability unavailable")
	ErrInvalidFormat         = errors.New("invalid audio format")
	ErrCallbackContract      = errors.New("callback contract violation")

	ErrInvalidState = errors.New("invalid pipeline state")
	ErrTornDown     = errors.New("pipeline torn down")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrEnumeration, "EnumerationError"},
	{ErrDeviceNotFound, "DeviceNotFound"},
	{ErrStageCreation, "StageCreationFailed"},
	{ErrConnection, "ConnectionFailed"},
	{ErrFormatRejected, "FormatRejected"},
	{ErrCapabilityUnavailable, "CapabilityUnavailable"},
	{ErrInvalidFormat, "InvalidFormat"},
	{ErrCallbackContract, "CallbackContractViolation"},
	{ErrInvalidState, "InvalidState"},
	{ErrTornDown, "TornDown"},
}

// Kind returns the taxonomy name of err, or "" when err is nil or foreign.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

//go:build !darwin

package permissions

import "errors"

// ErrMicrophoneDenied means capture would only deliver silence.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// EnsureMicrophone is a no-op on non-macOS platforms.
func EnsureMicrophone() error {
	return nil
}

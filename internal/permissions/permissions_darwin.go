//go:build darwin

package permissions

/*
#cgo LDFLAGS: -framework AVFoundation
#import <AVFoundation/AVFoundation.h>

int checkMicrophonePermission() {
    AVAuthorizationStatus status = [AVCaptureDevice authorizationStatusForMediaType:AVMediaTypeAudio];
    return (int)status;
}

int requestMicrophonePermission() {
    dispatch_semaphore_t done = dispatch_semaphore_create(0);
    __block BOOL result = NO;
    [AVCaptureDevice requestAccessForMediaType:AVMediaTypeAudio completionHandler:^(BOOL granted) {
        result = granted;
        dispatch_semaphore_signal(done);
    }];
    dispatch_semaphore_wait(done, DISPATCH_TIME_FOREVER);
    return result ? 1 : 0;
}
*/
import "C"

import "errors"

const (
	PermissionNotDetermined = 0
	PermissionRestricted    = 1
	PermissionDenied        = 2
	PermissionAuthorized    = 3
)

// ErrMicrophoneDenied means capture would only deliver silence.
var ErrMicrophoneDenied = errors.New("microphone permission not granted")

// CheckMicrophone returns the current microphone permission status
func CheckMicrophone() int {
	return int(C.checkMicrophonePermission())
}

// EnsureMicrophone asks for microphone access when it has not been
// decided yet, blocking until the user answers.
func EnsureMicrophone() error {
	switch CheckMicrophone() {
	case PermissionAuthorized:
		return nil
	case PermissionNotDetermined:
		if C.requestMicrophonePermission() == 1 {
			return nil
		}
	}
	return ErrMicrophoneDenied
}

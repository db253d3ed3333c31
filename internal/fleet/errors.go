package fleet

import "errors"

// Domain errors for the fleet package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, fleet.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID does not exist
	// on a path that does not auto-provision.
	ErrDeviceNotFound = errors.New("fleet: device not found")

	// ErrCommandNotFound is returned when a command resolution
	// references an id or name with no matching queue entry.
	ErrCommandNotFound = errors.New("fleet: command not found")

	// ErrInvalidDeviceID is returned when a device id is empty or malformed.
	ErrInvalidDeviceID = errors.New("fleet: invalid device id")

	// ErrInvalidCommand is returned when a command name is empty.
	ErrInvalidCommand = errors.New("fleet: invalid command")

	// ErrInvalidLocation is returned when a location sample fails validation.
	ErrInvalidLocation = errors.New("fleet: invalid location")

	// ErrInvalidEvent is returned when an event type is empty.
	ErrInvalidEvent = errors.New("fleet: invalid event")
)

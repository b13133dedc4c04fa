package directory

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrDeviceNotFound  = errors.New("device not found")
	// ErrCodeInUse is returned when a lobby code already names a live session.
	// Codes are only unique among current sessions, so the creator retries
	// with a fresh code.
	ErrCodeInUse = errors.New("lobby code in use")
	// ErrConsoleExists guards the one-console-per-session invariant.
	ErrConsoleExists = errors.New("session already has a console device")
	// ErrHostExists is returned when a device claims host but the session
	// already has one. The caller rejoins as a non-host.
	ErrHostExists = errors.New("session already has a host device")
	// ErrCapacityExceeded is returned when a join would exceed MaxPhoneDevices.
	ErrCapacityExceeded = errors.New("session phone capacity exceeded")
	ErrClosed           = errors.New("directory closed")
)

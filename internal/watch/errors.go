package watch

import "errors"

var (
	// ErrInvalidArgument is returned when a command argument is missing or malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAlreadyMonitored is returned by Monitors.Add for an existing key.
	ErrAlreadyMonitored = errors.New("url already monitored")
	// ErrNotMonitored is returned by Monitors.Remove for a missing key.
	ErrNotMonitored = errors.New("url not monitored")
	// ErrInvalidDelay is returned for negative, NaN or infinite delays.
	ErrInvalidDelay = errors.New("invalid delay")
	// ErrZeroDelay is returned when a delay of exactly 0 minutes is requested.
	ErrZeroDelay = errors.New("delay must be greater than 0")
)

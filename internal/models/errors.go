package models

import "errors"

var (
	// ErrJobNotFound is returned when the backend has no job for the requested id.
	// Tracking subscriptions treat it as permanent.
	ErrJobNotFound = errors.New("job not found")

	// ErrTrackingGone is returned for a public tracking code that was
	// deactivated or has expired.
	ErrTrackingGone = errors.New("tracking link is no longer active")

	// ErrPinRequired is returned when a tracking code is PIN protected and the
	// caller supplied no PIN or a wrong one.
	ErrPinRequired = errors.New("tracking pin required")

	// ErrChannelNotOpen is returned by Send while the realtime channel is not open.
	// The payload is dropped.
	ErrChannelNotOpen = errors.New("realtime channel not open")

	ErrOfferNotFound  = errors.New("job offer not found")
	ErrOfferNotActive = errors.New("job offer is no longer active")

	// ErrUnknownStatus is returned when the backend reports a job status this
	// client does not know. Refetching returns the same status, so it is permanent.
	ErrUnknownStatus = errors.New("unknown job status")

	// ErrNoLocation is returned when a point is the unset (0,0) sentinel.
	ErrNoLocation = errors.New("location not set")
)

// Permanent reports whether err means retrying the same request cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrTrackingGone) || errors.Is(err, ErrUnknownStatus)
}

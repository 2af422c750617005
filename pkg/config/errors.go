package config

import "errors"

var (
	// ErrInvalidAllocatorPeriod is returned when allocator.period is not positive.
	ErrInvalidAllocatorPeriod = errors.New("allocator.period must be greater than 0")

	// ErrInvalidKeepaliveBounds is returned when keepalive.min/max/expiry_period
	// are not positive or min exceeds max.
	ErrInvalidKeepaliveBounds = errors.New("keepalive.min and keepalive.max must be positive, with min <= max")

	// ErrInvalidTransceiverAttempts is returned when a transceiver retry count
	// is less than 1.
	ErrInvalidTransceiverAttempts = errors.New("transceiver attempt counts must be at least 1")

	// ErrInvalidDBRetry is returned when db.lock_tries is less than 1.
	ErrInvalidDBRetry = errors.New("db.lock_tries must be at least 1")

	// ErrInvalidLogFormat is returned when log.format is neither text nor json.
	ErrInvalidLogFormat = errors.New("log.format must be \"text\" or \"json\"")
)

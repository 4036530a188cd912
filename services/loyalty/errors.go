package loyalty

import "errors"

var (
	ErrInvalidEvent        = errors.New("invalid business event")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrCompensationFailure = errors.New("compensation failure")
	ErrAlreadyReversed     = errors.New("event already reversed")
	ErrEventInvalid        = errors.New("event is not valid")
	ErrProcessingDisabled  = errors.New("loyalty processing disabled")
)

package notifications

import "errors"

// Store errors.
var (
	ErrJobNotFound     = errors.New("notification job not found")
	ErrContactNotFound = errors.New("recipient contact address not found")
	ErrLabelNotFound   = errors.New("conversation label not found")
	ErrTokenNotFound   = errors.New("delivery token not found")
)

// Input errors.
var (
	ErrInvalidEvent = errors.New("invalid notification event")
	ErrInvalidInput = errors.New("invalid input")
)

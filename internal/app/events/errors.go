package events

import "errors"

var (
	ErrInvalidData = errors.New("invalid data")
	ErrNoSink      = errors.New("no event sink configured")
)

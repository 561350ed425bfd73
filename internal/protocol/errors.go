package protocol

import "errors"

var (
	// ErrMalformed marks a message that cannot be processed at all. The run
	// cannot continue past one.
	ErrMalformed = errors.New("protocol: malformed message")

	ErrBadCustomID = errors.New("protocol: bad customId")
)

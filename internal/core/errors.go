package core

import "errors"

// Sentinel errors shared across the receiver. Callers wrap them with
// fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	ErrUnknownMode   = errors.New("unknown transport mode")
	ErrInboxFull     = errors.New("inbox is full")
	ErrClosed        = errors.New("closed")
	ErrTooManyPeers  = errors.New("too many pending peers")
	ErrDecode        = errors.New("payload is not valid text")
	ErrVetoed        = errors.New("report vetoed by check hook")
	ErrSink          = errors.New("sink delivery failed")
	ErrConfigInvalid = errors.New("invalid configuration")
)

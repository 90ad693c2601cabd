package sst

import "errors"

var (
	ErrConnTimedOut   = errors.New("sst: connection timed out (RTO ceiling exceeded)")
	ErrConnClosed     = errors.New("sst: connection closed")
	ErrStreamClosed   = errors.New("sst: stream closed")
	ErrHandshakeFailed = errors.New("sst: handshake did not complete")
	ErrUnknownStream  = errors.New("sst: unknown substream on known connection")
)

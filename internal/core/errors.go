package core

import "errors"

// Sentinel errors shared by the pipeline stages.
var (
	// Bus errors
	ErrChannelFull    = errors.New("tap: channel full")
	ErrChannelClosed  = errors.New("tap: channel closed")
	ErrUnknownChannel = errors.New("tap: unknown channel")

	// Frame decoding errors
	ErrTruncated            = errors.New("tap: frame truncated")
	ErrMalformedRadiotap    = errors.New("tap: malformed radiotap header")
	ErrBadFCS               = errors.New("tap: bad frame check sequence")
	ErrUnknownFrequency     = errors.New("tap: unknown channel frequency")
	ErrUnsupportedEtherType = errors.New("tap: unsupported ethertype")
	ErrUnsupportedProtocol  = errors.New("tap: unsupported protocol")
	ErrUnsupportedLinkType  = errors.New("tap: unsupported link type")
	ErrFiltered             = errors.New("tap: frame rejected by filter")

	// Table errors
	ErrNoSession = errors.New("tap: no such session")

	// Configuration errors
	ErrInvalidConfig = errors.New("tap: invalid configuration")
)

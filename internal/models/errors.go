package models

import "errors"

var (
	// ErrConnection is a retryable transport failure on the upstream feed.
	ErrConnection = errors.New("upstream connection error")
	// ErrAuth is a handshake rejection; reconnecting will not help.
	ErrAuth = errors.New("upstream rejected credentials")
	// ErrDecode marks a single malformed or unrecognised frame.
	ErrDecode = errors.New("decode error")
	// ErrUpstreamUnavailable is a failed registry refresh or secondary fetch.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrNotFound is returned by store reads for unknown symbols.
	ErrNotFound = errors.New("not found")
	// ErrEmptyDepth rejects order books without any depth level.
	ErrEmptyDepth = errors.New("orderbook has no depth levels")
)

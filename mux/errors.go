package mux

import "errors"

var (
	// ErrDuplicateChannel is returned by Open when the requested id is
	// already bound to a live channel.
	ErrDuplicateChannel = errors.New("mux: duplicate channel id")

	// ErrChannelNotFound is returned when routing to an unknown id.
	ErrChannelNotFound = errors.New("mux: channel not found")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("mux: orchestrator closed")
)

// Package domain contains core domain types for the voice-agent service.
package domain

import "errors"

var (
	// ErrNotFound is returned when a session, thread or agent id cannot be resolved.
	ErrNotFound = errors.New("not found")

	// ErrMisconfigured is returned at first use of a collaborator whose
	// configuration is absent. The process boots without it.
	ErrMisconfigured = errors.New("service not configured")

	// ErrGeneration is returned when the text-generation service fails to
	// produce reply text. It is the only user-visible provider failure.
	ErrGeneration = errors.New("text generation failed")

	// ErrInvalidInput is returned for malformed or missing request input.
	ErrInvalidInput = errors.New("invalid input")
)

package llm

import "errors"

var (
	// ErrAPIKeyRequired is returned when the client is created without an
	// API key.
	ErrAPIKeyRequired = errors.New("llm: api key is required")

	// ErrEmptyResponse is returned when the provider answers with no
	// choices.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrStreamCreate is returned when the streaming request cannot be
	// opened.
	ErrStreamCreate = errors.New("llm: create stream failed")

	// ErrStreamRecv is returned when a stream breaks mid-response.
	ErrStreamRecv = errors.New("llm: stream receive failed")
)

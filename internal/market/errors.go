package market

import "errors"

var (
	// ErrDiscoveryUnavailable means the first listing page could not be
	// loaded at all, so no page count could be discovered.
	ErrDiscoveryUnavailable = errors.New("market: listing unavailable")

	// ErrFanOut means the concurrent page phase could not run, for example
	// because the browser could not be launched or a session could not be opened.
	ErrFanOut = errors.New("market: page fan-out failed")

	// ErrInvalidQuery is returned for queries that fail validation.
	ErrInvalidQuery = errors.New("market: invalid query")
)

package models

import "context"

// Fetcher produces one normalized reading from one upstream endpoint.
// Implementations are stateless aside from shared clients, honor the
// context deadline, and return every failure as a typed value.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) (*Reading, error)
}

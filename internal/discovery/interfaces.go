package discovery

import (
	"context"
	"io"
	"time"
)

// Fetcher performs one bounded retrieval for a target. The permit must come
// from the rate limiter; fetchers reject missing or spent permits with
// ErrRateLimited.
type Fetcher interface {
	Fetch(ctx context.Context, target SearchTarget, permit Permit) (Page, error)
}

// PermitRedeemer validates and consumes a rate-limiter permit.
type PermitRedeemer interface {
	Redeem(permit Permit) error
}

// Extractor splits a fetched page into raw opportunity items.
type Extractor interface {
	Extract(ctx context.Context, page Page, target SearchTarget) ([]RawOpportunity, error)
}

// Fingerprinter computes the content digest used as the dedup key.
type Fingerprinter interface {
	Fingerprint(parts ...string) string
}

// SnapshotStore archives raw page bodies and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher announces accepted opportunities to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

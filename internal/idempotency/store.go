package idempotency

import (
	"context"
	"time"
)

// Store remembers keys that have already been processed. Claim is atomic: of
// any number of concurrent callers for the same live key exactly one sees
// claimed=true; the rest get the value stored by the winner.
type Store interface {
	Claim(ctx context.Context, key, value string, ttl time.Duration) (claimed bool, existing string, err error)
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Forget(ctx context.Context, key string) error
}

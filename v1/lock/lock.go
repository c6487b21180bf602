package lock

import "context"

// Handle is the capability returned by a successful acquisition. It must be
// passed back to the Manager that issued it.
type Handle interface {
	Key() string
}

// Manager hands out exclusive ownership of resource keys.
//
// Release is idempotent per handle and does not report an expired lease as a
// failure.
type Manager interface {
	Acquire(ctx context.Context, key string) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

// Package tokenstore abstracts durable credential storage. Stores are the
// only components permitted to hold refresh tokens at rest; everything the
// broker returns to callers is sanitized before leaving the process.
package tokenstore

import (
	"context"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
)

// Store persists full credential records keyed by provider and bucket.
//
// All operations are idempotent from the caller's perspective: removing an
// absent entry is not an error, and Get reports absence as (nil, nil)
// rather than a failure.
type Store interface {
	// Get returns the stored token for the slot, or (nil, nil) when the
	// slot is empty.
	Get(ctx context.Context, provider, bucket string) (*credential.Token, error)
	// Save persists the token, replacing any existing record for the slot.
	Save(ctx context.Context, provider, bucket string, token *credential.Token) error
	// Remove deletes the slot. Removing an absent slot succeeds.
	Remove(ctx context.Context, provider, bucket string) error
	// ListBuckets returns the populated bucket names for the provider in
	// lexicographic order.
	ListBuckets(ctx context.Context, provider string) ([]string, error)
}

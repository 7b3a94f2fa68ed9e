package broker

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/tokenstore"
)

// RefreshFunc performs the actual provider refresh call for one slot.
type RefreshFunc func(ctx context.Context, refreshToken string) (*credential.Token, error)

// RefreshCoordinator serializes and rate-limits refresh operations per
// (provider, bucket) key. Concurrent callers for the same key observe
// exactly one provider call: the second caller attaches to the first's
// in-flight result. After a successful refresh, further calls within the
// cooldown window are rejected with RATE_LIMITED without invoking the
// provider at all. Failures propagate to every attached waiter and clear
// the in-flight entry; they never start a cooldown, so a failed attempt
// may be retried immediately.
type RefreshCoordinator struct {
	store    tokenstore.Store
	cooldown time.Duration

	// group deduplicates concurrent refreshes per key.
	group singleflight.Group

	mu            sync.Mutex
	lastCompleted map[credential.Key]time.Time
}

// NewRefreshCoordinator creates a coordinator with the given success
// cooldown.
func NewRefreshCoordinator(store tokenstore.Store, cooldown time.Duration) *RefreshCoordinator {
	return &RefreshCoordinator{
		store:         store,
		cooldown:      cooldown,
		lastCompleted: make(map[credential.Key]time.Time),
	}
}

// Refresh loads the stored refresh token for the slot, invokes refreshFn
// through the dedup group, persists the result, and returns the sanitized
// token. The refresh token returned by the provider is preserved; when the
// provider issues none, the prior refresh token is retained.
func (c *RefreshCoordinator) Refresh(ctx context.Context, provider, bucket string, refreshFn RefreshFunc) (*credential.Sanitized, error) {
	key := credential.NewKey(provider, bucket)

	if err := c.checkCooldown(key); err != nil {
		return nil, err
	}

	// The provider call is detached from the caller's context: a waiter
	// whose connection closes must not cancel a refresh shared with other
	// callers. The call still gets its own ceiling.
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), 60*time.Second)
	defer cancel()

	result, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		// Double-check the cooldown inside the group: a caller that lost
		// the race to a just-completed refresh must be rejected, not
		// trigger a second provider call.
		if errCooldown := c.checkCooldown(key); errCooldown != nil {
			return nil, errCooldown
		}
		return c.doRefresh(detached, key, refreshFn)
	})
	if err != nil {
		return nil, AsError(err, CodeRefreshFailed)
	}
	if shared {
		log.WithFields(log.Fields{"provider": provider, "bucket": bucket}).Debug("refresh deduplicated onto in-flight call")
	}

	token := result.(*credential.Token)
	return credential.Sanitize(token), nil
}

func (c *RefreshCoordinator) doRefresh(ctx context.Context, key credential.Key, refreshFn RefreshFunc) (*credential.Token, error) {
	prior, err := c.store.Get(ctx, key.Provider, key.Bucket)
	if err != nil {
		return nil, AsError(err, CodeInternal)
	}
	if prior == nil || prior.RefreshToken == "" {
		return nil, NewError(CodeRefreshNotAvailable, "no refresh token on file for %s", key)
	}

	token, err := refreshFn(ctx, prior.RefreshToken)
	if err != nil {
		log.WithFields(log.Fields{"provider": key.Provider, "bucket": key.Bucket}).Warnf("provider refresh failed: %v", err)
		return nil, NewError(CodeRefreshFailed, "provider rejected refresh for %s: %v", key, err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, NewError(CodeRefreshFailed, "provider returned no access token for %s", key)
	}

	// Retain the prior refresh token when the provider issued none.
	if token.RefreshToken == "" {
		token.RefreshToken = prior.RefreshToken
	}

	if err = c.store.Save(ctx, key.Provider, key.Bucket, token); err != nil {
		return nil, AsError(err, CodeInternal)
	}

	c.mu.Lock()
	c.lastCompleted[key] = time.Now()
	c.mu.Unlock()

	log.WithFields(log.Fields{"provider": key.Provider, "bucket": key.Bucket}).Info("token refreshed")
	return token, nil
}

// checkCooldown rejects refreshes inside the cooldown window of a prior
// success with RATE_LIMITED and the remaining cooldown.
func (c *RefreshCoordinator) checkCooldown(key credential.Key) *Error {
	c.mu.Lock()
	last, ok := c.lastCompleted[key]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	remaining := c.cooldown - time.Since(last)
	if remaining <= 0 {
		c.mu.Lock()
		// Cooldown elapsed; drop the entry so the table does not grow
		// unboundedly across many slots.
		if t, still := c.lastCompleted[key]; still && t.Equal(last) {
			delete(c.lastCompleted, key)
		}
		c.mu.Unlock()
		return nil
	}
	err := NewError(CodeRateLimited, "refresh for %s is rate limited", key)
	err.RetryAfter = remaining
	return err
}

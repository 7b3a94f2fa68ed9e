// Package credential defines the token records shared by the broker core,
// the provider flows, and the token stores. It draws the line between the
// full credential (which includes the refresh token and never leaves the
// broker) and the sanitized form that is allowed to cross the IPC boundary.
package credential

import (
	"strings"
	"time"
)

// Token is the full credential record for one (provider, bucket) slot.
// RefreshToken, when present, must only ever travel between the provider
// flow and the token store; it is never serialized onto the wire.
type Token struct {
	// AccessToken is the bearer token used for authenticating API requests.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens when the current one
	// expires. It is optional: some providers issue access tokens only.
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenType indicates the type of token, typically "Bearer".
	TokenType string `json:"token_type"`

	// Expiry is the absolute expiration time of the access token in Unix
	// seconds. Zero means the provider reported no expiry.
	Expiry int64 `json:"expiry"`

	// Scope lists the granted OAuth scopes, space separated.
	Scope string `json:"scope,omitempty"`
}

// Sanitized is the subset of Token that is safe to return to a caller.
// Constructing a Sanitized value is the only sanctioned way to produce an
// outbound token; there is no code path that writes a Token to the wire.
type Sanitized struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Expiry      int64  `json:"expiry"`
	Scope       string `json:"scope,omitempty"`
}

// Sanitize strips the refresh token from a full credential record.
func Sanitize(t *Token) *Sanitized {
	if t == nil {
		return nil
	}
	return &Sanitized{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
		Expiry:      t.Expiry,
		Scope:       t.Scope,
	}
}

// Expired reports whether the access token is past its expiry at the given
// instant. Tokens without a recorded expiry never report as expired.
func (t *Token) Expired(now time.Time) bool {
	return t.Expiry > 0 && now.Unix() >= t.Expiry
}

// Key addresses one credential slot. It keys both the token stores and the
// refresh coordinator's in-flight and cooldown tracking.
type Key struct {
	Provider string
	Bucket   string
}

// NewKey builds a Key with normalized (trimmed) components.
func NewKey(provider, bucket string) Key {
	return Key{Provider: strings.TrimSpace(provider), Bucket: strings.TrimSpace(bucket)}
}

// String renders the key as "provider/bucket" for logging and map keying.
func (k Key) String() string {
	return k.Provider + "/" + k.Bucket
}

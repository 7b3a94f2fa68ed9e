// Package flow defines the capability through which the broker core drives
// provider OAuth flows. The core never constructs provider-specific logic
// directly; it resolves a factory from the registry and talks to the
// resulting OAuthFlow instance. Provider request shaping lives entirely in
// the per-provider subpackages.
package flow

import (
	"context"
	"errors"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
)

// Type identifies the shape of an authorization flow.
type Type string

const (
	// TypePKCERedirect is an authorization-code flow with PKCE: the caller
	// opens an auth URL and later delivers the redirect code.
	TypePKCERedirect Type = "pkce_redirect"
	// TypeDeviceCode is an RFC 8628 device authorization flow: the caller
	// displays a user code and polls until the user approves out-of-band.
	TypeDeviceCode Type = "device_code"
)

// Sentinel errors surfaced by flow implementations. The dispatcher maps
// these onto wire error codes.
var (
	// ErrNotConfigured reports a provider with no registered flow factory.
	ErrNotConfigured = errors.New("flow: provider not configured")
	// ErrCodeExpired reports a device code that expired before approval.
	ErrCodeExpired = errors.New("flow: device code expired")
)

// InitiateResult carries the public fields of a freshly started flow.
// No secret material (code verifier, flow state) appears here; that stays
// inside the flow instance.
type InitiateResult struct {
	FlowType Type

	// AuthURL is set for pkce_redirect flows.
	AuthURL string

	// DeviceCode, UserCode, VerificationURI, and Interval are set for
	// device_code flows. Interval and ExpiresIn are in seconds.
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        int
	ExpiresIn       int
}

// PollState enumerates the outcomes of one poll step.
type PollState string

const (
	PollPending  PollState = "pending"
	PollSlowDown PollState = "slow_down"
	PollComplete PollState = "complete"
	PollDenied   PollState = "denied"
)

// PollOutcome is the result of a single, non-blocking poll step. Token is
// set only when State is PollComplete; Interval carries the raised poll
// interval when State is PollSlowDown.
type PollOutcome struct {
	State    PollState
	Interval int
	Token    *credential.Token
}

// OAuthFlow is one in-flight authorization attempt with a provider. An
// instance is stateful: it owns the PKCE verifier and any flow-scoped
// secrets generated by Initiate, so each session gets its own instance.
// Refresh does not depend on Initiate state and may be called on a fresh
// instance.
type OAuthFlow interface {
	// Initiate starts the flow and returns its public fields.
	Initiate(ctx context.Context) (*InitiateResult, error)
	// ExchangeCode trades a redirect authorization code for tokens.
	ExchangeCode(ctx context.Context, code, state string) (*credential.Token, error)
	// Poll performs one poll step against the device authorization grant.
	Poll(ctx context.Context, deviceCode string) (*PollOutcome, error)
	// Refresh trades a refresh token for a new credential record.
	Refresh(ctx context.Context, refreshToken string) (*credential.Token, error)
}

// Factory produces a fresh OAuthFlow instance for one session.
type Factory func() OAuthFlow

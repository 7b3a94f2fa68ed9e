// Package google implements the OAuth2 authorization-code flow with PKCE
// for Google accounts using the golang.org/x/oauth2 client.
package google

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	googleendpoint "golang.org/x/oauth2/google"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
	"github.com/sandbox-tools/credbrokerd/internal/util"
)

const (
	ClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	ClientSecret = "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"
	RedirectURI  = "http://localhost:8085/oauth2callback"
)

// Scopes defines the OAuth scopes requested from Google.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Flow is one in-flight Google authorization. It owns the PKCE verifier
// and CSRF state generated by Initiate.
type Flow struct {
	conf     *oauth2.Config
	ctx      func(context.Context) context.Context
	verifier string
	state    string
}

// New creates a Google flow instance with a proxy-configured HTTP client.
func New(proxyURL string) *Flow {
	conf := &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		RedirectURL:  RedirectURI,
		Scopes:       Scopes,
		Endpoint:     googleendpoint.Endpoint,
	}
	httpClient := util.SetProxy(proxyURL, &http.Client{Timeout: 30 * time.Second})
	return &Flow{
		conf: conf,
		ctx: func(ctx context.Context) context.Context {
			return context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		},
	}
}

// Initiate generates the PKCE verifier and state and returns the
// authorization URL for the caller to open.
func (f *Flow) Initiate(ctx context.Context) (*flow.InitiateResult, error) {
	f.verifier = oauth2.GenerateVerifier()
	f.state = oauth2.GenerateVerifier()

	authURL := f.conf.AuthCodeURL(f.state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(f.verifier),
	)
	return &flow.InitiateResult{
		FlowType: flow.TypePKCERedirect,
		AuthURL:  authURL,
	}, nil
}

// ExchangeCode trades the redirect authorization code for tokens, binding
// the exchange to the PKCE verifier generated by Initiate.
func (f *Flow) ExchangeCode(ctx context.Context, code, state string) (*credential.Token, error) {
	if f.verifier == "" {
		return nil, fmt.Errorf("google: flow not initiated")
	}
	if state != "" && state != f.state {
		return nil, fmt.Errorf("google: state mismatch")
	}

	token, err := f.conf.Exchange(f.ctx(ctx), code, oauth2.VerifierOption(f.verifier))
	if err != nil {
		return nil, fmt.Errorf("google: code exchange failed: %w", err)
	}
	return fromOAuth2Token(token), nil
}

// Poll is not part of the redirect flow.
func (f *Flow) Poll(ctx context.Context, deviceCode string) (*flow.PollOutcome, error) {
	return nil, fmt.Errorf("google: polling not supported for pkce_redirect flow")
}

// Refresh exchanges a refresh token for a new access token via the
// standard oauth2 token source.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*credential.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("google: refresh token is required")
	}
	source := f.conf.TokenSource(f.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("google: token refresh failed: %w", err)
	}
	return fromOAuth2Token(token), nil
}

func fromOAuth2Token(token *oauth2.Token) *credential.Token {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var expiry int64
	if !token.Expiry.IsZero() {
		expiry = token.Expiry.Unix()
	}
	return &credential.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		Expiry:       expiry,
	}
}

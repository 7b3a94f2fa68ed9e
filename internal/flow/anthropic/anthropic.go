package anthropic

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
)

// OAuth configuration constants for Anthropic.
const (
	AuthURL     = "https://claude.ai/oauth/authorize"
	TokenURL    = "https://console.anthropic.com/v1/oauth/token"
	ClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	RedirectURI = "http://localhost:54545/callback"
	OAuthScope  = "org:create_api_key user:profile user:inference"
)

// tokenResponse represents the response structure from Anthropic's OAuth
// token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Flow is one in-flight Anthropic authorization. It owns the PKCE code
// verifier and CSRF state generated by Initiate, so each session needs its
// own instance. Refresh has no Initiate-state dependency.
type Flow struct {
	httpClient    *http.Client
	codeVerifier  string
	codeChallenge string
	state         string
}

// New creates an Anthropic flow instance. The HTTP client uses a Firefox
// TLS fingerprint so token requests are not rejected by fingerprinting.
func New(proxyURL string) *Flow {
	return &Flow{httpClient: newHTTPClient(proxyURL)}
}

// Initiate generates the PKCE pair and CSRF state and returns the
// authorization URL the caller should open. Only the URL leaves the flow;
// the verifier and state stay on the instance for ExchangeCode.
func (f *Flow) Initiate(ctx context.Context) (*flow.InitiateResult, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to generate code verifier: %w", err)
	}
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to generate state: %w", err)
	}
	f.codeVerifier = codeVerifier
	f.codeChallenge = generateCodeChallenge(codeVerifier)
	f.state = state

	params := url.Values{
		"code":                  {"true"},
		"client_id":             {ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {RedirectURI},
		"scope":                 {OAuthScope},
		"code_challenge":        {f.codeChallenge},
		"code_challenge_method": {"S256"},
		"state":                 {state},
	}

	return &flow.InitiateResult{
		FlowType: flow.TypePKCERedirect,
		AuthURL:  fmt.Sprintf("%s?%s", AuthURL, params.Encode()),
	}, nil
}

// ExchangeCode exchanges the authorization code for tokens using the PKCE
// verifier generated by Initiate. The code parameter may carry the state in
// a "code#state" fragment, which takes precedence over the state argument.
func (f *Flow) ExchangeCode(ctx context.Context, code, state string) (*credential.Token, error) {
	if f.codeVerifier == "" {
		return nil, fmt.Errorf("anthropic: flow not initiated")
	}
	parsedCode, parsedState := parseCodeAndState(code)
	if parsedState == "" {
		parsedState = state
	}
	if parsedState == "" {
		parsedState = f.state
	}

	reqBody := map[string]interface{}{
		"code":          parsedCode,
		"state":         parsedState,
		"grant_type":    "authorization_code",
		"client_id":     ClientID,
		"redirect_uri":  RedirectURI,
		"code_verifier": f.codeVerifier,
	}
	return f.postToken(ctx, reqBody, "token exchange")
}

// Poll is not part of the redirect flow; Anthropic sessions complete via
// ExchangeCode.
func (f *Flow) Poll(ctx context.Context, deviceCode string) (*flow.PollOutcome, error) {
	return nil, fmt.Errorf("anthropic: polling not supported for pkce_redirect flow")
}

// Refresh exchanges a refresh token for a new access token.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*credential.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("anthropic: refresh token is required")
	}
	reqBody := map[string]interface{}{
		"client_id":     ClientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	return f.postToken(ctx, reqBody, "token refresh")
}

func (f *Flow) postToken(ctx context.Context, reqBody map[string]interface{}, action string) (*credential.Token, error) {
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", TokenURL, strings.NewReader(string(jsonBody)))
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %s request failed: %w", action, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic: %s failed with status %d: %s", action, resp.StatusCode, string(body))
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("anthropic: failed to parse token response: %w", err)
	}

	tokenType := tokenResp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var expiry int64
	if tokenResp.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).Unix()
	}
	return &credential.Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenType,
		Expiry:       expiry,
		Scope:        tokenResp.Scope,
	}, nil
}

// parseCodeAndState extracts the authorization code and state from the
// callback value, which may arrive as "code#state".
func parseCodeAndState(code string) (parsedCode, parsedState string) {
	splits := strings.Split(code, "#")
	parsedCode = splits[0]
	if len(splits) > 1 {
		parsedState = splits[1]
	}
	return
}

// generateCodeVerifier creates a cryptographically random string of 128
// characters using URL-safe base64 encoding, per RFC 7636.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 96)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}

// generateCodeChallenge creates a SHA256 hash of the code verifier encoded
// as URL-safe base64 without padding.
func generateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(hash[:])
}

func generateState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

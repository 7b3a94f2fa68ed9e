// Package qwen implements the OAuth 2.0 device authorization flow for the
// Qwen API, including PKCE generation, device-code polling, and refresh
// token exchange.
package qwen

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
	"sync"
	"time"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
	"github.com/sandbox-tools/credbrokerd/internal/util"
)

const (
	// DeviceCodeEndpoint is the URL for initiating the OAuth 2.0 device authorization flow.
	DeviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	// TokenEndpoint is the URL for exchanging device codes or refresh tokens for access tokens.
	TokenEndpoint = "https://chat.qwen.ai/api/v1/oauth2/token"
	// ClientID is the client identifier for the Qwen OAuth 2.0 application.
	ClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	// Scope defines the permissions requested by the application.
	Scope = "openid profile email model.completion"
	// DeviceGrantType specifies the grant type for the device code flow.
	DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// deviceFlowResponse is the response from the device authorization endpoint.
type deviceFlowResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// tokenResponse is the successful token response from the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Flow is one in-flight Qwen device authorization. It owns the PKCE code
// verifier generated by Initiate; Poll reuses it when redeeming the device
// code, so the instance must not be shared across sessions.
type Flow struct {
	httpClient   *http.Client
	codeVerifier string

	// mu guards interval; concurrent polls on the same session may read
	// and raise it at the same time.
	mu       sync.Mutex
	interval int
}

func (f *Flow) pollInterval() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interval
}

// slowDown raises the poll interval after a slow_down response and
// returns the new value.
func (f *Flow) slowDown() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interval = raiseInterval(f.interval)
	return f.interval
}

// New creates a Qwen flow instance with a proxy-configured HTTP client.
func New(proxyURL string) *Flow {
	return &Flow{
		httpClient: util.SetProxy(proxyURL, &http.Client{Timeout: 30 * time.Second}),
	}
}

// generateCodeVerifier generates a cryptographically random string for the PKCE code verifier.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// generateCodeChallenge creates a SHA-256 hash of the code verifier, used as the PKCE code challenge.
func generateCodeChallenge(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// Initiate starts the device authorization flow and returns its public
// fields. The PKCE code verifier stays on the flow instance.
func (f *Flow) Initiate(ctx context.Context) (*flow.InitiateResult, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("qwen: failed to generate PKCE verifier: %w", err)
	}
	f.codeVerifier = codeVerifier

	data := url.Values{}
	data.Set("client_id", ClientID)
	data.Set("scope", Scope)
	data.Set("code_challenge", generateCodeChallenge(codeVerifier))
	data.Set("code_challenge_method", "S256")

	body, status, err := f.postForm(ctx, DeviceCodeEndpoint, data)
	if err != nil {
		return nil, fmt.Errorf("qwen: device authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("qwen: device authorization failed: status %d. Response: %s", status, string(body))
	}

	var result deviceFlowResponse
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("qwen: failed to parse device flow response: %w", err)
	}
	if result.DeviceCode == "" {
		return nil, fmt.Errorf("qwen: device authorization failed: device_code not found in response")
	}

	interval := result.Interval
	if interval <= 0 {
		interval = 5
	}
	f.mu.Lock()
	f.interval = interval
	f.mu.Unlock()

	verificationURI := result.VerificationURIComplete
	if verificationURI == "" {
		verificationURI = result.VerificationURI
	}
	return &flow.InitiateResult{
		FlowType:        flow.TypeDeviceCode,
		DeviceCode:      result.DeviceCode,
		UserCode:        result.UserCode,
		VerificationURI: verificationURI,
		Interval:        interval,
		ExpiresIn:       result.ExpiresIn,
	}, nil
}

// ExchangeCode is not part of the device flow; Qwen sessions complete via Poll.
func (f *Flow) ExchangeCode(ctx context.Context, code, state string) (*credential.Token, error) {
	return nil, fmt.Errorf("qwen: authorization code exchange not supported for device flow")
}

// Poll performs one poll step against the token endpoint with the device
// code. It maps the RFC 8628 standard polling responses onto poll outcomes;
// an expired device code surfaces flow.ErrCodeExpired.
func (f *Flow) Poll(ctx context.Context, deviceCode string) (*flow.PollOutcome, error) {
	data := url.Values{}
	data.Set("grant_type", DeviceGrantType)
	data.Set("client_id", ClientID)
	data.Set("device_code", deviceCode)
	data.Set("code_verifier", f.codeVerifier)

	body, status, err := f.postForm(ctx, TokenEndpoint, data)
	if err != nil {
		return nil, fmt.Errorf("qwen: device token poll failed: %w", err)
	}

	if status != http.StatusOK {
		var errorData map[string]interface{}
		if errUnmarshal := json.Unmarshal(body, &errorData); errUnmarshal == nil {
			errorType, _ := errorData["error"].(string)
			if status == http.StatusBadRequest {
				switch errorType {
				case "authorization_pending":
					// User has not yet approved the authorization request.
					return &flow.PollOutcome{State: flow.PollPending, Interval: f.pollInterval()}, nil
				case "slow_down":
					// Polling too frequently; raise the interval.
					return &flow.PollOutcome{State: flow.PollSlowDown, Interval: f.slowDown()}, nil
				case "expired_token":
					return nil, flow.ErrCodeExpired
				case "access_denied":
					return &flow.PollOutcome{State: flow.PollDenied}, nil
				}
			}
			errorDesc, _ := errorData["error_description"].(string)
			return nil, fmt.Errorf("qwen: device token poll failed: %s - %s", errorType, errorDesc)
		}
		return nil, fmt.Errorf("qwen: device token poll failed: status %d. Response: %s", status, string(body))
	}

	var response tokenResponse
	if err = json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("qwen: failed to parse token response: %w", err)
	}
	return &flow.PollOutcome{State: flow.PollComplete, Token: tokenFromResponse(&response)}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*credential.Token, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", ClientID)

	body, status, err := f.postForm(ctx, TokenEndpoint, data)
	if err != nil {
		return nil, fmt.Errorf("qwen: token refresh request failed: %w", err)
	}
	if status != http.StatusOK {
		var errorData map[string]interface{}
		if errUnmarshal := json.Unmarshal(body, &errorData); errUnmarshal == nil {
			return nil, fmt.Errorf("qwen: token refresh failed: %v - %v", errorData["error"], errorData["error_description"])
		}
		return nil, fmt.Errorf("qwen: token refresh failed: %s", string(body))
	}

	var response tokenResponse
	if err = json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("qwen: failed to parse token response: %w", err)
	}
	return tokenFromResponse(&response), nil
}

func (f *Flow) postForm(ctx context.Context, endpoint string, data url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

func tokenFromResponse(response *tokenResponse) *credential.Token {
	tokenType := response.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var expiry int64
	if response.ExpiresIn > 0 {
		expiry = time.Now().Add(time.Duration(response.ExpiresIn) * time.Second).Unix()
	}
	return &credential.Token{
		AccessToken:  response.AccessToken,
		RefreshToken: response.RefreshToken,
		TokenType:    tokenType,
		Expiry:       expiry,
		Scope:        response.Scope,
	}
}

// raiseInterval backs off the poll interval after a slow_down response,
// capped at 10 seconds.
func raiseInterval(interval int) int {
	raised := interval + interval/2
	if raised <= interval {
		raised = interval + 1
	}
	if raised > 10 {
		raised = 10
	}
	return raised
}

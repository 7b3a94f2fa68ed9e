package broker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/sandbox-tools/credbrokerd/internal/config"
	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
	"github.com/sandbox-tools/credbrokerd/internal/tokenstore"
	"github.com/sandbox-tools/credbrokerd/internal/wire"
)

// Operation names form a closed set; every name maps to a handler and
// anything else is a validation error. There is no partially-wired state.
const (
	OpOAuthInitiate = "oauth_initiate"
	OpOAuthExchange = "oauth_exchange"
	OpOAuthPoll     = "oauth_poll"
	OpRefreshToken  = "refresh_token"
	OpGetToken      = "get_token"
	OpSaveToken     = "save_token"
	OpRemoveToken   = "remove_token"
	OpListBuckets   = "list_buckets"
	OpGetAPIKey     = "get_api_key"
	OpListAPIKeys   = "list_api_keys"
	OpHasAPIKey     = "has_api_key"
)

// Dispatcher validates inbound requests against the configured allowlist
// and routes them to the session manager, refresh coordinator, or token
// store. Every outbound token passes through the sanitization boundary; no
// handler returns a full credential record.
type Dispatcher struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	sessions  *SessionManager
	refresher *RefreshCoordinator
	store     tokenstore.Store
	registry  *flow.Registry
	flowFor   func(provider string) (flow.OAuthFlow, error)
}

// NewDispatcher wires the dispatcher to its collaborators.
func NewDispatcher(cfg *config.Config, sessions *SessionManager, refresher *RefreshCoordinator, store tokenstore.Store, registry *flow.Registry) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		sessions:  sessions,
		refresher: refresher,
		store:     store,
		registry:  registry,
	}
	d.flowFor = func(provider string) (flow.OAuthFlow, error) {
		factory, err := registry.Resolve(provider)
		if err != nil {
			return nil, err
		}
		return factory(), nil
	}
	return d
}

// SetConfig swaps the active configuration. The watcher calls this on hot
// reload; in-flight requests keep the config they started with.
func (d *Dispatcher) SetConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// slotRequest is the common payload of slot-addressed operations.
type slotRequest struct {
	Provider string `json:"provider"`
	Bucket   string `json:"bucket"`
}

// normalize fills in the default bucket when the caller omitted it.
func (r *slotRequest) normalize() {
	r.Provider = strings.TrimSpace(r.Provider)
	r.Bucket = strings.TrimSpace(r.Bucket)
	if r.Bucket == "" {
		r.Bucket = "default"
	}
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code,omitempty"`
}

type saveTokenRequest struct {
	Provider string            `json:"provider"`
	Bucket   string            `json:"bucket"`
	Token    *credential.Token `json:"token"`
}

type apiKeyRequest struct {
	Provider string `json:"provider"`
	Name     string `json:"name,omitempty"`
}

// Dispatch validates the request and routes it to its handler. The
// returned error always carries a stable code; raw provider and parsing
// failures never reach the caller untyped.
func (d *Dispatcher) Dispatch(ctx context.Context, req *wire.Request) (any, *Error) {
	if strings.TrimSpace(req.ID) == "" {
		return nil, NewError(CodeValidationError, "request is missing an id")
	}
	op := strings.TrimSpace(req.Op)
	if op == "" {
		return nil, NewError(CodeValidationError, "request is missing an op")
	}

	switch op {
	case OpOAuthInitiate:
		return d.handleInitiate(ctx, req.Data)
	case OpOAuthExchange:
		return d.handleExchange(ctx, req.Data)
	case OpOAuthPoll:
		return d.handlePoll(ctx, req.Data)
	case OpRefreshToken:
		return d.handleRefresh(ctx, req.Data)
	case OpGetToken:
		return d.handleGetToken(ctx, req.Data)
	case OpSaveToken:
		return d.handleSaveToken(ctx, req.Data)
	case OpRemoveToken:
		return d.handleRemoveToken(ctx, req.Data)
	case OpListBuckets:
		return d.handleListBuckets(ctx, req.Data)
	case OpGetAPIKey:
		return d.handleGetAPIKey(req.Data)
	case OpListAPIKeys:
		return d.handleListAPIKeys(req.Data)
	case OpHasAPIKey:
		return d.handleHasAPIKey(req.Data)
	default:
		return nil, NewError(CodeValidationError, "unknown operation %q", op)
	}
}

// checkSlot enforces the provider/bucket allowlist. It is applied
// uniformly to every slot-addressed operation, not only the read path.
func (d *Dispatcher) checkSlot(provider, bucket string) (*config.ProviderConfig, *Error) {
	pc, err := d.checkProvider(provider)
	if err != nil {
		return nil, err
	}
	if !pc.AllowsBucket(bucket) {
		return nil, NewError(CodeValidationError, "bucket %q is not allowlisted for provider %q", bucket, provider)
	}
	return pc, nil
}

func (d *Dispatcher) checkProvider(provider string) (*config.ProviderConfig, *Error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return nil, NewError(CodeValidationError, "provider is required")
	}
	pc, ok := d.config().Provider(provider)
	if !ok {
		return nil, NewError(CodeValidationError, "provider %q is not allowlisted", provider)
	}
	return pc, nil
}

func decodeData(data json.RawMessage, into any) *Error {
	if len(data) == 0 {
		return NewError(CodeValidationError, "request data is required")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return NewError(CodeValidationError, "malformed request data: %v", err)
	}
	return nil
}

func (d *Dispatcher) handleInitiate(ctx context.Context, data json.RawMessage) (any, *Error) {
	var slot slotRequest
	if err := decodeData(data, &slot); err != nil {
		return nil, err
	}
	slot.normalize()
	if _, err := d.checkSlot(slot.Provider, slot.Bucket); err != nil {
		return nil, err
	}
	reply, err := d.sessions.Initiate(ctx, slot.Provider, slot.Bucket)
	if err != nil {
		return nil, AsError(err, CodeAccessDenied)
	}
	return reply, nil
}

func (d *Dispatcher) handleExchange(ctx context.Context, data json.RawMessage) (any, *Error) {
	var req sessionRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, NewError(CodeValidationError, "sessionId is required")
	}
	if req.Code == "" {
		return nil, NewError(CodeValidationError, "code is required")
	}
	sanitized, err := d.sessions.Exchange(ctx, req.SessionID, req.Code)
	if err != nil {
		return nil, AsError(err, CodeAccessDenied)
	}
	return sanitized, nil
}

func (d *Dispatcher) handlePoll(ctx context.Context, data json.RawMessage) (any, *Error) {
	var req sessionRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, NewError(CodeValidationError, "sessionId is required")
	}
	reply, err := d.sessions.Poll(ctx, req.SessionID)
	if err != nil {
		return nil, AsError(err, CodeAccessDenied)
	}
	return reply, nil
}

func (d *Dispatcher) handleRefresh(ctx context.Context, data json.RawMessage) (any, *Error) {
	var slot slotRequest
	if err := decodeData(data, &slot); err != nil {
		return nil, err
	}
	slot.normalize()
	if _, err := d.checkSlot(slot.Provider, slot.Bucket); err != nil {
		return nil, err
	}
	inst, err := d.flowFor(slot.Provider)
	if err != nil {
		return nil, NewError(CodeProviderNotConfigured, "no flow registered for provider %q", slot.Provider)
	}
	sanitized, refreshErr := d.refresher.Refresh(ctx, slot.Provider, slot.Bucket, inst.Refresh)
	if refreshErr != nil {
		return nil, AsError(refreshErr, CodeRefreshFailed)
	}
	return sanitized, nil
}

func (d *Dispatcher) handleGetToken(ctx context.Context, data json.RawMessage) (any, *Error) {
	var slot slotRequest
	if err := decodeData(data, &slot); err != nil {
		return nil, err
	}
	slot.normalize()
	if _, err := d.checkSlot(slot.Provider, slot.Bucket); err != nil {
		return nil, err
	}
	token, err := d.store.Get(ctx, slot.Provider, slot.Bucket)
	if err != nil {
		return nil, AsError(err, CodeInternal)
	}
	if token == nil {
		return nil, NewError(CodeNotFound, "no token stored for %s/%s", slot.Provider, slot.Bucket)
	}
	return credential.Sanitize(token), nil
}

func (d *Dispatcher) handleSaveToken(ctx context.Context, data json.RawMessage) (any, *Error) {
	var req saveTokenRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	// Trim before validating so the persisted slot is the same one the
	// allowlist approved and the read path will later address.
	req.Provider = strings.TrimSpace(req.Provider)
	req.Bucket = strings.TrimSpace(req.Bucket)
	if req.Bucket == "" {
		req.Bucket = "default"
	}
	if _, err := d.checkSlot(req.Provider, req.Bucket); err != nil {
		return nil, err
	}
	if req.Token == nil || req.Token.AccessToken == "" {
		return nil, NewError(CodeValidationError, "token with access_token is required")
	}
	if err := d.store.Save(ctx, req.Provider, req.Bucket, req.Token); err != nil {
		return nil, AsError(err, CodeInternal)
	}
	return map[string]any{"saved": true}, nil
}

func (d *Dispatcher) handleRemoveToken(ctx context.Context, data json.RawMessage) (any, *Error) {
	var slot slotRequest
	if err := decodeData(data, &slot); err != nil {
		return nil, err
	}
	slot.normalize()
	if _, err := d.checkSlot(slot.Provider, slot.Bucket); err != nil {
		return nil, err
	}
	if err := d.store.Remove(ctx, slot.Provider, slot.Bucket); err != nil {
		return nil, AsError(err, CodeInternal)
	}
	return map[string]any{"removed": true}, nil
}

func (d *Dispatcher) handleListBuckets(ctx context.Context, data json.RawMessage) (any, *Error) {
	var slot slotRequest
	if err := decodeData(data, &slot); err != nil {
		return nil, err
	}
	slot.normalize()
	if _, err := d.checkProvider(slot.Provider); err != nil {
		return nil, err
	}
	buckets, err := d.store.ListBuckets(ctx, slot.Provider)
	if err != nil {
		return nil, AsError(err, CodeInternal)
	}
	return map[string]any{"buckets": buckets}, nil
}

func (d *Dispatcher) handleGetAPIKey(data json.RawMessage) (any, *Error) {
	var req apiKeyRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	pc, err := d.checkProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	key, ok := pc.APIKeyByName(req.Name)
	if !ok {
		return nil, NewError(CodeNotFound, "no API key %q configured for provider %q", req.Name, req.Provider)
	}
	return map[string]any{"name": key.Name, "key": key.Key}, nil
}

func (d *Dispatcher) handleListAPIKeys(data json.RawMessage) (any, *Error) {
	var req apiKeyRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	pc, err := d.checkProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	return map[string]any{"keys": pc.APIKeyNames()}, nil
}

func (d *Dispatcher) handleHasAPIKey(data json.RawMessage) (any, *Error) {
	var req apiKeyRequest
	if err := decodeData(data, &req); err != nil {
		return nil, err
	}
	pc, err := d.checkProvider(req.Provider)
	if err != nil {
		return nil, err
	}
	_, ok := pc.APIKeyByName(req.Name)
	return map[string]any{"has": ok}, nil
}

package broker

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
	"github.com/sandbox-tools/credbrokerd/internal/tokenstore"
)

// session is one in-flight OAuth authorization attempt. Sessions are owned
// exclusively by the SessionManager; only the id crosses the boundary.
type session struct {
	id         string
	provider   string
	bucket     string
	flowType   flow.Type
	flowInst   flow.OAuthFlow
	deviceCode string
	interval   int
	createdAt  time.Time
	expiresAt  time.Time
	used       bool
}

// InitiateReply carries the public fields of a freshly created session.
type InitiateReply struct {
	SessionID       string `json:"sessionId"`
	FlowType        string `json:"flowType"`
	AuthURL         string `json:"authUrl,omitempty"`
	DeviceCode      string `json:"deviceCode,omitempty"`
	UserCode        string `json:"userCode,omitempty"`
	VerificationURI string `json:"verificationUri,omitempty"`
	Interval        int    `json:"interval,omitempty"`
}

// PollReply reports the outcome of one poll step. A slow-down from the
// provider surfaces as "pending" with a raised interval.
type PollReply struct {
	Status   string                `json:"status"`
	Interval int                   `json:"interval,omitempty"`
	Token    *credential.Sanitized `json:"token,omitempty"`
}

// SessionManager owns the lifecycle of in-flight OAuth authorizations:
// initiate, exchange or poll to completion, expiry, and single-use
// enforcement. The consumption check-and-set is atomic; there is no window
// where two callers both observe an unconsumed session.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*session

	registry *flow.Registry
	store    tokenstore.Store
	ttl      time.Duration

	sweepStop chan struct{}
	sweepDone chan struct{}
	sweeping  bool
	stopOnce  sync.Once
}

// NewSessionManager creates a session manager. Sessions expire after ttl
// unless the provider reports a shorter device-code lifetime.
func NewSessionManager(registry *flow.Registry, store tokenstore.Store, ttl time.Duration) *SessionManager {
	return &SessionManager{
		sessions:  make(map[string]*session),
		registry:  registry,
		store:     store,
		ttl:       ttl,
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
}

// StartSweeper launches the periodic expiry sweep. Call Close to stop it.
func (m *SessionManager) StartSweeper(interval time.Duration) {
	m.sweeping = true
	go func() {
		defer close(m.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepExpired(time.Now())
			case <-m.sweepStop:
				return
			}
		}
	}()
}

// Close stops the sweeper and releases all remaining sessions.
func (m *SessionManager) Close() {
	m.stopOnce.Do(func() {
		close(m.sweepStop)
		if m.sweeping {
			<-m.sweepDone
		}
	})

	m.mu.Lock()
	remaining := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		remaining = append(remaining, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range remaining {
		releaseFlow(s.flowInst)
	}
}

// Initiate resolves a flow for the provider, starts it, and stores a new
// session. The returned reply contains only the flow-type-appropriate
// public fields, never the flow instance or any secret material.
func (m *SessionManager) Initiate(ctx context.Context, provider, bucket string) (*InitiateReply, error) {
	factory, err := m.registry.Resolve(provider)
	if err != nil {
		return nil, NewError(CodeProviderNotConfigured, "no flow registered for provider %q", provider)
	}
	inst := factory()

	result, err := inst.Initiate(ctx)
	if err != nil {
		releaseFlow(inst)
		return nil, err
	}

	now := time.Now()
	expiresAt := now.Add(m.ttl)
	if result.ExpiresIn > 0 {
		if deviceDeadline := now.Add(time.Duration(result.ExpiresIn) * time.Second); deviceDeadline.Before(expiresAt) {
			expiresAt = deviceDeadline
		}
	}

	s := &session{
		id:         uuid.NewString(),
		provider:   provider,
		bucket:     bucket,
		flowType:   result.FlowType,
		flowInst:   inst,
		deviceCode: result.DeviceCode,
		interval:   result.Interval,
		createdAt:  now,
		expiresAt:  expiresAt,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	log.WithFields(log.Fields{"provider": provider, "bucket": bucket}).Debug("oauth session created")

	return &InitiateReply{
		SessionID:       s.id,
		FlowType:        string(result.FlowType),
		AuthURL:         result.AuthURL,
		DeviceCode:      result.DeviceCode,
		UserCode:        result.UserCode,
		VerificationURI: result.VerificationURI,
		Interval:        result.Interval,
	}, nil
}

// Exchange trades an authorization code for tokens. The session is marked
// used atomically before the provider call, so a concurrent second caller
// can never reuse it while the first exchange is in flight. A failed
// exchange leaves the session consumed; callers must re-initiate.
func (m *SessionManager) Exchange(ctx context.Context, sessionID, code string) (*credential.Sanitized, error) {
	s, err := m.consume(sessionID, time.Now())
	if err != nil {
		return nil, err
	}

	token, exchErr := s.flowInst.ExchangeCode(ctx, code, "")
	if exchErr != nil {
		log.WithFields(log.Fields{"provider": s.provider, "bucket": s.bucket}).Warnf("code exchange failed: %v", exchErr)
		releaseFlow(s.flowInst)
		return nil, AsError(exchErr, CodeAccessDenied)
	}

	return m.completeSession(ctx, s, token)
}

// Poll performs one poll step for a device-code session. Pending and
// slow-down outcomes do not consume the session and do not touch the token
// store. A complete outcome performs the same atomic consume, persist,
// sanitize sequence as Exchange. Denied consumes the session.
func (m *SessionManager) Poll(ctx context.Context, sessionID string) (*PollReply, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, NewError(CodeSessionNotFound, "unknown session %q", sessionID)
	}
	if s.used {
		m.mu.Unlock()
		return nil, NewError(CodeSessionAlreadyUsed, "session %q already consumed", sessionID)
	}
	if time.Now().After(s.expiresAt) {
		m.mu.Unlock()
		return nil, NewError(CodeSessionExpired, "session %q expired", sessionID)
	}
	inst := s.flowInst
	deviceCode := s.deviceCode
	m.mu.Unlock()

	outcome, err := inst.Poll(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, flow.ErrCodeExpired) {
			m.expireSession(sessionID)
			return nil, NewError(CodeSessionExpired, "device code expired for session %q", sessionID)
		}
		return nil, AsError(err, CodeAccessDenied)
	}

	switch outcome.State {
	case flow.PollPending, flow.PollSlowDown:
		interval := outcome.Interval
		m.mu.Lock()
		if interval > 0 {
			s.interval = interval
		} else {
			interval = s.interval
		}
		m.mu.Unlock()
		return &PollReply{Status: "pending", Interval: interval}, nil

	case flow.PollDenied:
		if _, errConsume := m.consume(sessionID, time.Now()); errConsume != nil {
			return nil, errConsume
		}
		releaseFlow(inst)
		return nil, NewError(CodeAccessDenied, "authorization denied by user")

	case flow.PollComplete:
		if _, errConsume := m.consume(sessionID, time.Now()); errConsume != nil {
			return nil, errConsume
		}
		sanitized, errComplete := m.completeSession(ctx, s, outcome.Token)
		if errComplete != nil {
			return nil, errComplete
		}
		return &PollReply{Status: "complete", Token: sanitized}, nil

	default:
		return nil, NewError(CodeValidationError, "provider returned unknown poll state %q", outcome.State)
	}
}

// consume atomically claims the session: a single test-and-set under the
// table lock, never a separate check followed by a separate mutation.
func (m *SessionManager) consume(sessionID string, now time.Time) (*session, *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, NewError(CodeSessionNotFound, "unknown session %q", sessionID)
	}
	if s.used {
		return nil, NewError(CodeSessionAlreadyUsed, "session %q already consumed", sessionID)
	}
	if now.After(s.expiresAt) {
		return nil, NewError(CodeSessionExpired, "session %q expired", sessionID)
	}
	s.used = true
	return s, nil
}

// completeSession persists the full token and returns the sanitized form.
// The consumed session stays in the table until the expiry sweep so that
// later exchange or poll attempts report SESSION_ALREADY_USED rather than
// SESSION_NOT_FOUND; only the flow instance is released here.
func (m *SessionManager) completeSession(ctx context.Context, s *session, token *credential.Token) (*credential.Sanitized, error) {
	defer releaseFlow(s.flowInst)

	if token == nil {
		return nil, NewError(CodeAccessDenied, "provider returned no token")
	}
	if err := m.store.Save(ctx, s.provider, s.bucket, token); err != nil {
		return nil, AsError(err, CodeInternal)
	}
	log.WithFields(log.Fields{"provider": s.provider, "bucket": s.bucket}).Info("oauth authorization completed")
	return credential.Sanitize(token), nil
}

// expireSession forces a session past its deadline, so every later
// operation on it reports SESSION_EXPIRED. The flow instance is released;
// the entry itself is left for the sweep.
func (m *SessionManager) expireSession(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		s.expiresAt = time.Now().Add(-time.Second)
	}
	m.mu.Unlock()
	if ok {
		releaseFlow(s.flowInst)
	}
}

// sweepExpired removes sessions past their deadline, releasing flow
// resources before deletion.
func (m *SessionManager) sweepExpired(now time.Time) {
	m.mu.Lock()
	var expired []*session
	for id, s := range m.sessions {
		if now.After(s.expiresAt) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		releaseFlow(s.flowInst)
		log.WithFields(log.Fields{"provider": s.provider, "bucket": s.bucket}).Debug("expired oauth session removed")
	}
}

// releaseFlow releases resources owned by a flow instance, such as an
// in-flight wait, when the instance supports it.
func releaseFlow(inst flow.OAuthFlow) {
	if closer, ok := inst.(io.Closer); ok {
		_ = closer.Close()
	}
}

package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
)

func newTestManager(t *testing.T, provider string, factory flow.Factory, ttl time.Duration) (*SessionManager, *memStore) {
	t.Helper()
	registry := flow.NewRegistry()
	if factory != nil {
		registry.Register(provider, factory)
	}
	store := newMemStore()
	manager := NewSessionManager(registry, store, ttl)
	t.Cleanup(manager.Close)
	return manager, store
}

func pkceFlow(token *credential.Token) *fakeFlow {
	return &fakeFlow{
		initResult: &flow.InitiateResult{
			FlowType: flow.TypePKCERedirect,
			AuthURL:  "https://auth.example.com/authorize?state=abc",
		},
		exchangeToken: token,
	}
}

func deviceFlow(steps ...pollStep) *fakeFlow {
	return &fakeFlow{
		initResult: &flow.InitiateResult{
			FlowType:        flow.TypeDeviceCode,
			DeviceCode:      "device-123",
			UserCode:        "WDJB-MJHT",
			VerificationURI: "https://device.example.com/activate",
			Interval:        5,
			ExpiresIn:       600,
		},
		pollSteps: steps,
	}
}

func TestInitiateUnknownProvider(t *testing.T) {
	manager, _ := newTestManager(t, "qwen", nil, time.Minute)

	_, err := manager.Initiate(context.Background(), "qwen", "default")
	if got := codeOf(t, err); got != CodeProviderNotConfigured {
		t.Fatalf("code = %s, want %s", got, CodeProviderNotConfigured)
	}
}

func TestExchangeSingleUse(t *testing.T) {
	token := &credential.Token{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).Unix(),
	}
	ff := pkceFlow(token)
	manager, store := newTestManager(t, "anthropic", func() flow.OAuthFlow { return ff }, time.Minute)

	reply, err := manager.Initiate(context.Background(), "anthropic", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if reply.FlowType != string(flow.TypePKCERedirect) {
		t.Fatalf("flow type = %q, want %q", reply.FlowType, flow.TypePKCERedirect)
	}
	if reply.AuthURL == "" {
		t.Fatal("initiate reply is missing the auth URL")
	}

	sanitized, err := manager.Exchange(context.Background(), reply.SessionID, "auth-code")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if sanitized.AccessToken != "at-1" {
		t.Fatalf("access token = %q, want %q", sanitized.AccessToken, "at-1")
	}

	stored := store.get("anthropic", "default")
	if stored == nil || stored.RefreshToken != "rt-1" {
		t.Fatalf("stored token = %+v, want refresh token persisted", stored)
	}

	_, err = manager.Exchange(context.Background(), reply.SessionID, "auth-code")
	if got := codeOf(t, err); got != CodeSessionAlreadyUsed {
		t.Fatalf("second exchange code = %s, want %s", got, CodeSessionAlreadyUsed)
	}
}

func TestExchangeConcurrentSingleWinner(t *testing.T) {
	ff := pkceFlow(&credential.Token{AccessToken: "at-race", TokenType: "Bearer"})
	manager, _ := newTestManager(t, "anthropic", func() flow.OAuthFlow { return ff }, time.Minute)

	reply, err := manager.Initiate(context.Background(), "anthropic", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	const callers = 16
	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		successes int32
		reused    int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, exchErr := manager.Exchange(context.Background(), reply.SessionID, "auth-code")
			if exchErr == nil {
				atomic.AddInt32(&successes, 1)
				return
			}
			if AsError(exchErr, CodeInternal).Code == CodeSessionAlreadyUsed {
				atomic.AddInt32(&reused, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want exactly 1", successes)
	}
	if reused != callers-1 {
		t.Fatalf("SESSION_ALREADY_USED count = %d, want %d", reused, callers-1)
	}
	if calls := atomic.LoadInt32(&ff.exchangeCalls); calls != 1 {
		t.Fatalf("provider exchange calls = %d, want 1", calls)
	}
}

func TestExchangeFailureConsumesSession(t *testing.T) {
	ff := pkceFlow(nil)
	ff.exchangeErr = NewError(CodeAccessDenied, "invalid code")
	manager, store := newTestManager(t, "anthropic", func() flow.OAuthFlow { return ff }, time.Minute)

	reply, err := manager.Initiate(context.Background(), "anthropic", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	_, err = manager.Exchange(context.Background(), reply.SessionID, "bad-code")
	if got := codeOf(t, err); got != CodeAccessDenied {
		t.Fatalf("code = %s, want %s", got, CodeAccessDenied)
	}
	if stored := store.get("anthropic", "default"); stored != nil {
		t.Fatalf("failed exchange persisted a token: %+v", stored)
	}

	// The attempt consumed the session; a retry needs a fresh initiate.
	_, err = manager.Exchange(context.Background(), reply.SessionID, "good-code")
	if got := codeOf(t, err); got != CodeSessionAlreadyUsed {
		t.Fatalf("retry code = %s, want %s", got, CodeSessionAlreadyUsed)
	}
}

func TestPollDeviceFlowLifecycle(t *testing.T) {
	token := &credential.Token{
		AccessToken:  "at-device",
		RefreshToken: "rt-device",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).Unix(),
	}
	ff := deviceFlow(
		pollStep{outcome: &flow.PollOutcome{State: flow.PollPending}},
		pollStep{outcome: &flow.PollOutcome{State: flow.PollSlowDown, Interval: 10}},
		pollStep{outcome: &flow.PollOutcome{State: flow.PollComplete, Token: token}},
	)
	manager, store := newTestManager(t, "qwen", func() flow.OAuthFlow { return ff }, time.Minute)

	reply, err := manager.Initiate(context.Background(), "qwen", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if reply.UserCode == "" || reply.VerificationURI == "" {
		t.Fatalf("device initiate reply incomplete: %+v", reply)
	}
	if reply.Interval != 5 {
		t.Fatalf("interval = %d, want 5", reply.Interval)
	}

	poll, err := manager.Poll(context.Background(), reply.SessionID)
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if poll.Status != "pending" || poll.Interval != 5 {
		t.Fatalf("first poll = %+v, want pending at interval 5", poll)
	}

	// slow_down surfaces as pending with the raised interval.
	poll, err = manager.Poll(context.Background(), reply.SessionID)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if poll.Status != "pending" || poll.Interval != 10 {
		t.Fatalf("second poll = %+v, want pending at interval 10", poll)
	}

	poll, err = manager.Poll(context.Background(), reply.SessionID)
	if err != nil {
		t.Fatalf("third poll: %v", err)
	}
	if poll.Status != "complete" {
		t.Fatalf("third poll status = %q, want complete", poll.Status)
	}
	if poll.Token == nil || poll.Token.AccessToken != "at-device" {
		t.Fatalf("third poll token = %+v, want the issued access token", poll.Token)
	}
	if stored := store.get("qwen", "default"); stored == nil || stored.RefreshToken != "rt-device" {
		t.Fatalf("stored token = %+v, want refresh token persisted", stored)
	}

	_, err = manager.Poll(context.Background(), reply.SessionID)
	if got := codeOf(t, err); got != CodeSessionAlreadyUsed {
		t.Fatalf("poll after completion code = %s, want %s", got, CodeSessionAlreadyUsed)
	}
}

func TestPollDenied(t *testing.T) {
	ff := deviceFlow(pollStep{outcome: &flow.PollOutcome{State: flow.PollDenied}})
	manager, _ := newTestManager(t, "qwen", func() flow.OAuthFlow { return ff }, time.Minute)

	reply, err := manager.Initiate(context.Background(), "qwen", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	_, err = manager.Poll(context.Background(), reply.SessionID)
	if got := codeOf(t, err); got != CodeAccessDenied {
		t.Fatalf("code = %s, want %s", got, CodeAccessDenied)
	}

	_, err = manager.Poll(context.Background(), reply.SessionID)
	if got := codeOf(t, err); got != CodeSessionAlreadyUsed {
		t.Fatalf("poll after denial code = %s, want %s", got, CodeSessionAlreadyUsed)
	}
}

func TestPollDeviceCodeExpired(t *testing.T) {
	ff := deviceFlow(pollStep{err: flow.ErrCodeExpired})
	manager, _ := newTestManager(t, "qwen", func() flow.OAuthFlow { return ff }, time.Minute)

	reply, err := manager.Initiate(context.Background(), "qwen", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	_, err = manager.Poll(context.Background(), reply.SessionID)
	if got := codeOf(t, err); got != CodeSessionExpired {
		t.Fatalf("code = %s, want %s", got, CodeSessionExpired)
	}

	_, err = manager.Poll(context.Background(), reply.SessionID)
	if got := codeOf(t, err); got != CodeSessionExpired {
		t.Fatalf("later poll code = %s, want %s", got, CodeSessionExpired)
	}
}

func TestSessionExpiryAndSweep(t *testing.T) {
	ff := pkceFlow(&credential.Token{AccessToken: "at", TokenType: "Bearer"})
	manager, _ := newTestManager(t, "anthropic", func() flow.OAuthFlow { return ff }, 10*time.Millisecond)

	reply, err := manager.Initiate(context.Background(), "anthropic", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	_, err = manager.Exchange(context.Background(), reply.SessionID, "auth-code")
	if got := codeOf(t, err); got != CodeSessionExpired {
		t.Fatalf("code = %s, want %s", got, CodeSessionExpired)
	}

	manager.sweepExpired(time.Now())
	if calls := atomic.LoadInt32(&ff.closeCalls); calls != 1 {
		t.Fatalf("flow close calls after sweep = %d, want 1", calls)
	}

	_, err = manager.Exchange(context.Background(), reply.SessionID, "auth-code")
	if got := codeOf(t, err); got != CodeSessionNotFound {
		t.Fatalf("post-sweep code = %s, want %s", got, CodeSessionNotFound)
	}
}

func TestPollUnknownSession(t *testing.T) {
	manager, _ := newTestManager(t, "qwen", nil, time.Minute)

	_, err := manager.Poll(context.Background(), "no-such-session")
	if got := codeOf(t, err); got != CodeSessionNotFound {
		t.Fatalf("code = %s, want %s", got, CodeSessionNotFound)
	}
}

func TestInitiateCapsTTLToDeviceLifetime(t *testing.T) {
	ff := deviceFlow(pollStep{outcome: &flow.PollOutcome{State: flow.PollPending}})
	ff.initResult.ExpiresIn = 1
	manager, _ := newTestManager(t, "qwen", func() flow.OAuthFlow { return ff }, time.Hour)

	reply, err := manager.Initiate(context.Background(), "qwen", "default")
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	manager.mu.Lock()
	expiresAt := manager.sessions[reply.SessionID].expiresAt
	manager.mu.Unlock()

	if until := time.Until(expiresAt); until > 2*time.Second {
		t.Fatalf("session lifetime %s exceeds the device code lifetime", until)
	}
}

package broker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
)

// pollStep scripts one Poll invocation of a fakeFlow.
type pollStep struct {
	outcome *flow.PollOutcome
	err     error
}

// fakeFlow is a scriptable OAuthFlow test double. Poll steps are consumed
// in order; the final step repeats once the script is exhausted.
type fakeFlow struct {
	mu sync.Mutex

	initResult *flow.InitiateResult
	initErr    error
	initDelay  time.Duration

	exchangeToken *credential.Token
	exchangeErr   error
	exchangeCalls int32

	pollSteps []pollStep
	pollCalls int32

	refreshToken *credential.Token
	refreshErr   error
	refreshDelay time.Duration
	refreshGate  chan struct{}
	refreshCalls int32

	closeCalls int32
}

func (f *fakeFlow) Initiate(ctx context.Context) (*flow.InitiateResult, error) {
	if f.initDelay > 0 {
		select {
		case <-time.After(f.initDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.initErr != nil {
		return nil, f.initErr
	}
	result := *f.initResult
	return &result, nil
}

func (f *fakeFlow) ExchangeCode(ctx context.Context, code, state string) (*credential.Token, error) {
	atomic.AddInt32(&f.exchangeCalls, 1)
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	token := *f.exchangeToken
	return &token, nil
}

func (f *fakeFlow) Poll(ctx context.Context, deviceCode string) (*flow.PollOutcome, error) {
	n := int(atomic.AddInt32(&f.pollCalls, 1)) - 1
	f.mu.Lock()
	if n >= len(f.pollSteps) {
		n = len(f.pollSteps) - 1
	}
	step := f.pollSteps[n]
	f.mu.Unlock()
	if step.err != nil {
		return nil, step.err
	}
	outcome := *step.outcome
	return &outcome, nil
}

func (f *fakeFlow) Refresh(ctx context.Context, refreshToken string) (*credential.Token, error) {
	atomic.AddInt32(&f.refreshCalls, 1)
	if f.refreshGate != nil {
		select {
		case <-f.refreshGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	token := *f.refreshToken
	return &token, nil
}

func (f *fakeFlow) Close() error {
	atomic.AddInt32(&f.closeCalls, 1)
	return nil
}

// memStore is an in-memory token store for tests.
type memStore struct {
	mu      sync.Mutex
	tokens  map[credential.Key]*credential.Token
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{tokens: make(map[credential.Key]*credential.Token)}
}

func (s *memStore) Get(ctx context.Context, provider, bucket string) (*credential.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.tokens[credential.NewKey(provider, bucket)]
	if !ok {
		return nil, nil
	}
	token := *stored
	return &token, nil
}

func (s *memStore) Save(ctx context.Context, provider, bucket string, token *credential.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	stored := *token
	s.tokens[credential.NewKey(provider, bucket)] = &stored
	return nil
}

func (s *memStore) Remove(ctx context.Context, provider, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, credential.NewKey(provider, bucket))
	return nil
}

func (s *memStore) ListBuckets(ctx context.Context, provider string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var buckets []string
	for key := range s.tokens {
		if key.Provider == provider {
			buckets = append(buckets, key.Bucket)
		}
	}
	sort.Strings(buckets)
	return buckets, nil
}

func (s *memStore) get(provider, bucket string) *credential.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[credential.NewKey(provider, bucket)]
}

// codeOf extracts the broker error code, failing the test for any error
// that does not carry one.
func codeOf(tb interface {
	Helper()
	Fatalf(format string, args ...any)
}, err error) Code {
	tb.Helper()
	if err == nil {
		tb.Fatalf("expected a broker error, got nil")
	}
	brokerErr := AsError(err, Code(""))
	if brokerErr.Code == Code("") {
		tb.Fatalf("error %v carries no broker code", err)
	}
	return brokerErr.Code
}

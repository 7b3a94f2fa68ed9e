package broker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/sandbox-tools/credbrokerd/internal/credential"
	"github.com/sandbox-tools/credbrokerd/internal/flow"
	"github.com/sandbox-tools/credbrokerd/internal/wire"
)

// clientResponse mirrors the outbound envelope with raw data, the way a
// sandboxed caller would decode it.
type clientResponse struct {
	ID   string          `json:"id"`
	OK   bool            `json:"ok"`
	Code string          `json:"code,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func startTestServer(t *testing.T, factory flow.Factory, frameTimeout, requestTimeout time.Duration) (*Server, *memStore) {
	t.Helper()

	dir, err := os.MkdirTemp("", "credbrokerd-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	registry := flow.NewRegistry()
	if factory != nil {
		registry.Register("qwen", factory)
		registry.Register("anthropic", factory)
	}
	store := newMemStore()
	sessions := NewSessionManager(registry, store, time.Minute)
	t.Cleanup(sessions.Close)
	refresher := NewRefreshCoordinator(store, 30*time.Second)
	dispatcher := NewDispatcher(testConfig(), sessions, refresher, store, registry)

	server := NewServer(filepath.Join(dir, "broker.sock"), dispatcher, frameTimeout, requestTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
	case err := <-done:
		t.Fatalf("Serve exited before binding: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return server, store
}

func dialBroker(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", server.Path())
	if err != nil {
		t.Fatalf("dial %s: %v", server.Path(), err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendRequest(t *testing.T, conn net.Conn, id, op string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	frame, err := wire.EncodeRequest(&wire.Request{ID: id, Op: op, Data: raw})
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if _, err = conn.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readResponse(t *testing.T, conn net.Conn) (*clientResponse, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(header[:]))
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	var resp clientResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("decode response %q: %v", payload, err)
	}
	return &resp, payload
}

func TestServerEndToEnd(t *testing.T) {
	server, _ := startTestServer(t, nil, time.Second, 2*time.Second)
	conn := dialBroker(t, server)

	sendRequest(t, conn, "1", OpSaveToken, map[string]any{
		"provider": "qwen",
		"bucket":   "default",
		"token": map[string]any{
			"access_token":  "at-wire",
			"refresh_token": "rt-wire-secret",
			"token_type":    "Bearer",
			"expiry":        time.Now().Add(time.Hour).Unix(),
		},
	})
	resp, _ := readResponse(t, conn)
	if !resp.OK || resp.ID != "1" {
		t.Fatalf("save_token response = %+v, want ok", resp)
	}

	sendRequest(t, conn, "2", OpGetToken, map[string]string{"provider": "qwen", "bucket": "default"})
	resp, payload := readResponse(t, conn)
	if !resp.OK || resp.ID != "2" {
		t.Fatalf("get_token response = %+v, want ok", resp)
	}
	var got credential.Sanitized
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("decode token data: %v", err)
	}
	if got.AccessToken != "at-wire" {
		t.Fatalf("access token = %q, want %q", got.AccessToken, "at-wire")
	}
	if strings.Contains(string(payload), "refresh_token") || strings.Contains(string(payload), "rt-wire-secret") {
		t.Fatalf("wire response leaks the refresh token: %s", payload)
	}

	sendRequest(t, conn, "3", OpGetToken, map[string]string{"provider": "qwen", "bucket": "work"})
	resp, _ = readResponse(t, conn)
	if resp.OK || resp.Code != string(CodeNotFound) {
		t.Fatalf("missing token response = %+v, want %s", resp, CodeNotFound)
	}
}

func TestServerMalformedFrameKeepsConnectionUsable(t *testing.T) {
	server, _ := startTestServer(t, nil, time.Second, 2*time.Second)
	conn := dialBroker(t, server)

	payload := []byte(`{"id":"bad-7","op":`)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := conn.Write(append(header[:], payload...)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	resp, _ := readResponse(t, conn)
	if resp.OK || resp.Code != string(CodeValidationError) {
		t.Fatalf("malformed frame response = %+v, want %s", resp, CodeValidationError)
	}
	if resp.ID != "bad-7" {
		t.Fatalf("response id = %q, want the recovered id %q", resp.ID, "bad-7")
	}

	// The connection must survive a bad frame.
	sendRequest(t, conn, "ok-1", OpListAPIKeys, map[string]string{"provider": "anthropic"})
	resp, _ = readResponse(t, conn)
	if !resp.OK || resp.ID != "ok-1" {
		t.Fatalf("follow-up response = %+v, want ok", resp)
	}
}

func TestServerOversizedFrameRejected(t *testing.T) {
	server, _ := startTestServer(t, nil, time.Second, 2*time.Second)
	conn := dialBroker(t, server)

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(wire.DefaultMaxFrameSize+1))
	if _, err := conn.Write(header[:]); err != nil {
		t.Fatalf("write oversized header: %v", err)
	}

	resp, _ := readResponse(t, conn)
	if resp.OK || resp.Code != string(CodeValidationError) {
		t.Fatalf("oversized frame response = %+v, want %s", resp, CodeValidationError)
	}
}

func TestServerPartialFrameTimesOut(t *testing.T) {
	server, _ := startTestServer(t, nil, 200*time.Millisecond, 2*time.Second)
	conn := dialBroker(t, server)

	partial := []byte(`{"id":"p1",`)
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 64)
	if _, err := conn.Write(append(header[:], partial...)); err != nil {
		t.Fatalf("write partial frame: %v", err)
	}

	begin := time.Now()
	resp, _ := readResponse(t, conn)
	if resp.OK || resp.Code != string(CodeFrameTimeout) {
		t.Fatalf("partial frame response = %+v, want %s", resp, CodeFrameTimeout)
	}
	if resp.ID != "p1" {
		t.Fatalf("response id = %q, want the recovered id %q", resp.ID, "p1")
	}
	if elapsed := time.Since(begin); elapsed < 150*time.Millisecond {
		t.Fatalf("timeout fired after %s, before the frame timeout elapsed", elapsed)
	}

	// The poisoned buffer was discarded; the connection keeps working.
	sendRequest(t, conn, "ok-2", OpListAPIKeys, map[string]string{"provider": "anthropic"})
	resp, _ = readResponse(t, conn)
	if !resp.OK || resp.ID != "ok-2" {
		t.Fatalf("follow-up response = %+v, want ok", resp)
	}
}

func TestServerResponsesCompleteOutOfOrder(t *testing.T) {
	ff := deviceFlow(pollStep{outcome: &flow.PollOutcome{State: flow.PollPending}})
	ff.initDelay = 300 * time.Millisecond
	server, _ := startTestServer(t, func() flow.OAuthFlow { return ff }, time.Second, 2*time.Second)
	conn := dialBroker(t, server)

	sendRequest(t, conn, "slow", OpOAuthInitiate, map[string]string{"provider": "qwen", "bucket": "default"})
	sendRequest(t, conn, "fast", OpListAPIKeys, map[string]string{"provider": "anthropic"})

	first, _ := readResponse(t, conn)
	second, _ := readResponse(t, conn)
	if first.ID != "fast" || second.ID != "slow" {
		t.Fatalf("response order = [%s %s], want the fast request answered first", first.ID, second.ID)
	}
	if !first.OK || !second.OK {
		t.Fatalf("responses = %+v, %+v, want both ok", first, second)
	}
}

func TestServerRequestCeilingTimesOutSlowHandler(t *testing.T) {
	ff := deviceFlow(pollStep{outcome: &flow.PollOutcome{State: flow.PollPending}})
	ff.initDelay = time.Second
	server, _ := startTestServer(t, func() flow.OAuthFlow { return ff }, time.Second, 150*time.Millisecond)
	conn := dialBroker(t, server)

	begin := time.Now()
	sendRequest(t, conn, "slow-1", OpOAuthInitiate, map[string]string{"provider": "qwen", "bucket": "default"})
	resp, payload := readResponse(t, conn)
	if resp.OK || resp.Code != string(CodeRequestTimeout) {
		t.Fatalf("slow handler response = %+v, want %s", resp, CodeRequestTimeout)
	}
	if resp.ID != "slow-1" {
		t.Fatalf("response id = %q, want %q", resp.ID, "slow-1")
	}
	// The handler turns the cancellation into its own error; the caller
	// must still see the timeout code, never a re-authenticate hint.
	if strings.Contains(string(payload), string(CodeAccessDenied)) {
		t.Fatalf("timed-out request answered with an access failure: %s", payload)
	}
	if elapsed := time.Since(begin); elapsed >= time.Second {
		t.Fatalf("response after %s, want the ceiling to cut the handler short", elapsed)
	}

	// The ceiling fails the request, not the connection.
	sendRequest(t, conn, "ok-3", OpListAPIKeys, map[string]string{"provider": "anthropic"})
	resp, _ = readResponse(t, conn)
	if !resp.OK || resp.ID != "ok-3" {
		t.Fatalf("follow-up response = %+v, want ok", resp)
	}
}

func TestServerLogsCarryRequestID(t *testing.T) {
	logger := log.StandardLogger()
	prevLevel := logger.GetLevel()
	logger.SetLevel(log.DebugLevel)
	hook := logtest.NewLocal(logger)
	t.Cleanup(func() {
		hook.Reset()
		logger.ReplaceHooks(make(log.LevelHooks))
		logger.SetLevel(prevLevel)
	})

	server, _ := startTestServer(t, nil, time.Second, 2*time.Second)
	conn := dialBroker(t, server)

	sendRequest(t, conn, "rq-log-1", OpListAPIKeys, map[string]string{"provider": "anthropic"})
	resp, _ := readResponse(t, conn)
	if !resp.OK {
		t.Fatalf("list_api_keys response = %+v, want ok", resp)
	}

	for _, entry := range hook.AllEntries() {
		if id, _ := entry.Data["request_id"].(string); id == "rq-log-1" {
			if op, _ := entry.Data["op"].(string); op != OpListAPIKeys {
				t.Fatalf("request log op = %q, want %q", op, OpListAPIKeys)
			}
			return
		}
	}
	t.Fatalf("no log entry tagged with request_id %q", "rq-log-1")
}

func TestServerSocketLifecycle(t *testing.T) {
	dir, err := os.MkdirTemp("", "credbrokerd-test")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	registry := flow.NewRegistry()
	store := newMemStore()
	sessions := NewSessionManager(registry, store, time.Minute)
	defer sessions.Close()
	dispatcher := NewDispatcher(testConfig(), sessions, NewRefreshCoordinator(store, time.Second), store, registry)
	server := NewServer(filepath.Join(dir, "broker.sock"), dispatcher, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	<-server.Ready()

	info, err := os.Stat(server.Path())
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("socket permissions = %o, want 0600", perm)
	}

	cancel()
	if err = <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err = os.Stat(server.Path()); !os.IsNotExist(err) {
		t.Fatalf("socket file still present after shutdown: %v", err)
	}
}

func TestSocketPathEntropy(t *testing.T) {
	first, err := SocketPath(os.TempDir())
	if err != nil {
		t.Fatalf("SocketPath: %v", err)
	}
	second, err := SocketPath(os.TempDir())
	if err != nil {
		t.Fatalf("SocketPath: %v", err)
	}
	if first == second {
		t.Fatal("two socket paths collided")
	}

	base := filepath.Base(first)
	if !strings.HasPrefix(base, "credbrokerd-") || !strings.HasSuffix(base, ".sock") {
		t.Fatalf("socket name = %q, want credbrokerd-<hex>.sock", base)
	}
	hexPart := strings.TrimSuffix(strings.TrimPrefix(base, "credbrokerd-"), ".sock")
	if len(hexPart) != 32 {
		t.Fatalf("random component is %d hex chars, want 32", len(hexPart))
	}
}

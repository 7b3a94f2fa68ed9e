package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sandbox-tools/credbrokerd/internal/wire"
)

// sentinelID addresses error responses for frames whose id could not be
// recovered.
const sentinelID = "-"

// SocketPath builds a socket path under dir with a 128-bit random hex
// component, so the address cannot be guessed by or collide with other
// instances. Empty dir selects the system temporary directory.
func SocketPath(dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	var entropy [16]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return "", fmt.Errorf("broker: generate socket entropy: %w", err)
	}
	return filepath.Join(dir, fmt.Sprintf("credbrokerd-%s.sock", hex.EncodeToString(entropy[:]))), nil
}

// Server accepts connections on a unix socket and speaks the framed JSON
// protocol. Each connection reads frames sequentially but serves requests
// concurrently; responses are correlated by id and may complete out of
// order. Closing a connection cancels that connection's pending requests
// without cancelling work shared with other connections.
type Server struct {
	socketPath     string
	dispatcher     *Dispatcher
	frameTimeout   time.Duration
	requestTimeout time.Duration

	ready chan struct{}

	// activeConns tracks in-flight connection handlers so Serve can wait
	// for them on shutdown.
	activeConns sync.WaitGroup
}

// NewServer creates a server bound to the given socket path once Serve is
// called.
func NewServer(socketPath string, dispatcher *Dispatcher, frameTimeout, requestTimeout time.Duration) *Server {
	return &Server{
		socketPath:     socketPath,
		dispatcher:     dispatcher,
		frameTimeout:   frameTimeout,
		requestTimeout: requestTimeout,
		ready:          make(chan struct{}),
	}
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string { return s.socketPath }

// Ready is closed once the listening socket is bound. An inability to
// bind is fatal: Serve returns an error and Ready never closes.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve listens on the unix socket and dispatches requests until ctx is
// cancelled. The socket file is removed on return even if the underlying
// close fails.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("broker: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("broker: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	if err = os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("broker: restricting socket permissions: %w", err)
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Infof("credential broker listening on %s", s.socketPath)
	close(s.ready)

	for {
		conn, errAccept := listener.Accept()
		if errAccept != nil {
			if ctx.Err() != nil || errors.Is(errAccept, net.ErrClosed) {
				break
			}
			log.Errorf("accept failed: %v", errAccept)
			continue
		}

		s.activeConns.Add(1)
		go func() {
			defer s.activeConns.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.activeConns.Wait()
	return nil
}

// handleConn runs the per-connection read loop. Frames are read
// sequentially; each request is served on its own goroutine so a handler
// waiting on a provider does not block dispatch of later frames.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	var pending sync.WaitGroup
	var writeMu sync.Mutex

	defer conn.Close()
	defer pending.Wait()
	defer cancel()

	// Close the connection when the server shuts down so the read loop
	// unblocks.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	dec := wire.NewDecoder(0)
	buf := make([]byte, 32*1024)

	for {
		if since, partial := dec.Pending(); partial {
			_ = conn.SetReadDeadline(since.Add(s.frameTimeout))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			s.drainFrames(connCtx, dec, conn, &writeMu, &pending)
		}
		if err == nil {
			continue
		}
		if connCtx.Err() != nil {
			return
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			if _, partial := dec.Pending(); partial {
				// Partial-frame timeout: discard the malformed buffer and
				// tell the caller rather than hanging silently.
				id := dec.Reset()
				if id == "" {
					id = sentinelID
				}
				s.writeError(conn, &writeMu, id, NewError(CodeFrameTimeout, "partial frame abandoned after %s", s.frameTimeout))
				continue
			}
			continue
		}
		// EOF or a hard transport error ends the connection; pending
		// requests are rejected via the deferred cancel.
		return
	}
}

// drainFrames decodes every complete frame currently buffered and starts a
// handler for each.
func (s *Server) drainFrames(connCtx context.Context, dec *wire.Decoder, conn net.Conn, writeMu *sync.Mutex, pending *sync.WaitGroup) {
	for {
		req, err := dec.Next()
		if err != nil {
			var frameErr *wire.FrameError
			if errors.As(err, &frameErr) {
				id := frameErr.ID
				if id == "" {
					id = sentinelID
				}
				s.writeError(conn, writeMu, id, NewError(CodeValidationError, "malformed frame: %v", frameErr.Err))
				continue
			}
			s.writeError(conn, writeMu, sentinelID, NewError(CodeValidationError, "malformed frame: %v", err))
			continue
		}
		if req == nil {
			return
		}

		pending.Add(1)
		go func(req *wire.Request) {
			defer pending.Done()
			s.serveRequest(connCtx, req, conn, writeMu)
		}(req)
	}
}

// serveRequest runs one request under the per-request ceiling and writes
// its response.
func (s *Server) serveRequest(connCtx context.Context, req *wire.Request, conn net.Conn, writeMu *sync.Mutex) {
	reqCtx, cancel := context.WithTimeout(connCtx, s.requestTimeout)
	defer cancel()

	result, dispatchErr := s.dispatcher.Dispatch(reqCtx, req)

	if connCtx.Err() != nil {
		// Connection is gone; there is nobody to answer.
		return
	}
	if reqCtx.Err() == context.DeadlineExceeded {
		// A handler that observed the cancellation has already wrapped it
		// in its own error; the caller still needs the timeout outcome so
		// it retries instead of re-authenticating.
		dispatchErr = NewError(CodeRequestTimeout, "request exceeded %s ceiling", s.requestTimeout)
	}

	entry := log.WithFields(log.Fields{"request_id": req.ID, "op": req.Op})
	if dispatchErr != nil {
		entry.WithField("code", string(dispatchErr.Code)).Debug("request failed")
		id := req.ID
		if id == "" {
			id = sentinelID
		}
		s.writeError(conn, writeMu, id, dispatchErr)
		return
	}
	entry.Debug("request served")
	s.writeResponse(conn, writeMu, &wire.Response{ID: req.ID, OK: true, Data: result})
}

func (s *Server) writeError(conn net.Conn, writeMu *sync.Mutex, id string, brokerErr *Error) {
	data := map[string]any{"message": brokerErr.Message}
	if brokerErr.Code == CodeRateLimited {
		retryAfter := int(brokerErr.RetryAfter.Round(time.Second) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		data["retryAfter"] = retryAfter
	}
	s.writeResponse(conn, writeMu, &wire.Response{ID: id, OK: false, Code: string(brokerErr.Code), Data: data})
}

// writeResponse encodes and writes one frame. The write mutex keeps
// concurrently completing requests from interleaving frames on the same
// connection.
func (s *Server) writeResponse(conn net.Conn, writeMu *sync.Mutex, resp *wire.Response) {
	frame, err := wire.Encode(resp)
	if err != nil {
		log.Errorf("encode response for %q failed: %v", resp.ID, err)
		frame, err = wire.Encode(&wire.Response{ID: resp.ID, OK: false, Code: string(CodeInternal)})
		if err != nil {
			return
		}
	}
	writeMu.Lock()
	_, err = conn.Write(frame)
	writeMu.Unlock()
	if err != nil {
		log.Debugf("write response for %q failed: %v", resp.ID, err)
	}
}

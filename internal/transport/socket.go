// Package transport exposes the daemon over its two surfaces: a
// newline-delimited JSON socket on loopback and a JSON-RPC HTTP endpoint.
// Both feed the same pipeline; the transport layer never interprets flags.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/pipeline"
)

// maxLineBytes bounds one socket request line. Push payloads ride inline, so
// this is deliberately larger than the HTTP body cap.
const maxLineBytes = 10 * 1024 * 1024

const (
	abortPollInterval = 200 * time.Millisecond
	abortPollBudget   = 15 * time.Second
)

// Handler executes one daemon request. Satisfied by *pipeline.Pipeline.
type Handler interface {
	HandleRequest(ctx context.Context, req *domain.Request) *domain.Response
}

// AbortSignaler lets the transport nudge long-running device harness work
// after the requesting client disconnects.
type AbortSignaler interface {
	ActiveSessions() int
	SignalAbort()
}

// SocketServer serves newline-delimited JSON requests over loopback TCP.
// Requests on one connection are handled serially; a dropped connection
// marks its in-flight requests canceled and polls the abort signalers until
// they wind down.
type SocketServer struct {
	log      *zap.Logger
	handler  Handler
	cancels  *pipeline.CancelRegistry
	aborters []AbortSignaler

	mu     sync.Mutex
	ln     net.Listener
	closed bool
	wg     sync.WaitGroup
}

// NewSocketServer builds a socket server.
func NewSocketServer(log *zap.Logger, handler Handler, cancels *pipeline.CancelRegistry, aborters ...AbortSignaler) *SocketServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &SocketServer{log: log, handler: handler, cancels: cancels, aborters: aborters}
}

// Listen binds an ephemeral loopback port and returns it.
func (s *SocketServer) Listen() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve accepts connections until Close. Returns nil on clean shutdown.
func (s *SocketServer) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("socket server: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections.
func (s *SocketServer) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// handleConn reads in this goroutine and executes in a worker so a dropped
// connection is noticed while a slow request is still running. Execution
// stays strictly serial per connection.
func (s *SocketServer) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	connID := uuid.NewString()
	s.log.Debug("socket connection opened", zap.String("conn", connID))

	w := &connWriter{conn: conn}
	requests := make(chan *domain.Request, 1)
	var workerWG sync.WaitGroup
	workerWG.Add(1)
	go func() {
		defer workerWG.Done()
		// After a write failure the worker keeps draining so the reader never
		// blocks on a full channel; drained requests are not executed.
		writable := true
		for req := range requests {
			if !writable {
				s.cancels.Done(req.Meta.RequestID)
				continue
			}
			resp := s.handler.HandleRequest(context.Background(), req)
			s.cancels.Done(req.Meta.RequestID)
			if err := w.write(resp); err != nil {
				s.log.Debug("socket write failed", zap.String("conn", connID), zap.Error(err))
				writable = false
				_ = conn.Close()
			}
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req domain.Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := domain.FailResponse(domain.Errf(domain.CodeInvalidArgs,
				"malformed request: %v", err))
			if werr := w.write(resp); werr != nil {
				break
			}
			continue
		}
		s.cancels.Track(req.Meta.RequestID, connID)
		requests <- &req
	}
	close(requests)

	if n := s.cancels.CancelConnection(connID); n > 0 {
		s.log.Info("client disconnected with requests in flight",
			zap.String("conn", connID), zap.Int("inflight", n))
		s.pollAborts(connID)
	}
	workerWG.Wait()
	s.log.Debug("socket connection closed", zap.String("conn", connID))
}

// pollAborts periodically signals the abort hooks until the connection's
// requests drain or the budget runs out.
func (s *SocketServer) pollAborts(connID string) {
	deadline := time.Now().Add(abortPollBudget)
	for time.Now().Before(deadline) {
		if s.cancels.InflightOn(connID) == 0 {
			return
		}
		for _, a := range s.aborters {
			if a.ActiveSessions() > 0 {
				a.SignalAbort()
			}
		}
		time.Sleep(abortPollInterval)
	}
}

// connWriter serializes response writes; the reader and the worker may both
// need the wire.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(resp *domain.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		payload, _ = json.Marshal(domain.FailResponse(
			domain.Errf(domain.CodeUnknown, "encoding response: %v", err)))
	}
	payload = append(payload, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(payload)
	return err
}

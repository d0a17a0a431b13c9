package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/pipeline"
)

// maxBodyBytes caps one JSON-RPC request body.
const maxBodyBytes = 1 << 20

// JSON-RPC error codes. The -32000/-32001 pair is ours: downstream daemon
// errors and auth hook rejections.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcDaemonError    = -32000
	rpcAuthRejected   = -32001
)

const tokenHeader = "x-agent-device-token"

// HTTPServer serves GET /health and POST /rpc (JSON-RPC 2.0) on loopback.
type HTTPServer struct {
	log     *zap.Logger
	handler Handler
	cancels *pipeline.CancelRegistry
	hook    *AuthHook

	srv *http.Server
	ln  net.Listener
}

// NewHTTPServer builds the HTTP transport. hook may be nil.
func NewHTTPServer(log *zap.Logger, handler Handler, cancels *pipeline.CancelRegistry, hook *AuthHook) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	s := &HTTPServer{log: log, handler: handler, cancels: cancels, hook: hook}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/rpc", s.handleRPC).Methods(http.MethodPost)

	s.srv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Listen binds an ephemeral loopback port and returns it.
func (s *HTTPServer) Listen() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	s.ln = ln
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Serve runs the server until Close. Returns nil on clean shutdown.
func (s *HTTPServer) Serve() error {
	if s.ln == nil {
		return errors.New("http server: Serve called before Listen")
	}
	if err := s.srv.Serve(s.ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close drains in-flight requests and stops the server.
func (s *HTTPServer) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *rpcErrorBody `json:"error,omitempty"`
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcParseError, "request body unreadable or too large", nil)
		return
	}

	var rpc rpcRequest
	if err := json.Unmarshal(raw, &rpc); err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, rpcParseError, "malformed JSON-RPC request", nil)
		return
	}
	if rpc.JSONRPC != "2.0" || rpc.Method == "" {
		writeRPCError(w, http.StatusBadRequest, rpc.ID, rpcInvalidRequest, "not a JSON-RPC 2.0 request", nil)
		return
	}

	req, perr := decodeMethod(&rpc)
	if perr != nil {
		status := http.StatusBadRequest
		if perr.Code == rpcMethodNotFound {
			status = http.StatusNotFound
		}
		writeRPCError(w, status, rpc.ID, perr.Code, perr.Message, perr.Data)
		return
	}

	resolveToken(req, r)

	if s.hook != nil {
		decision, herr := s.hook.Evaluate(r.Context(), r.Header, raw, req)
		if herr != nil {
			writeRPCError(w, http.StatusInternalServerError, rpc.ID, rpcAuthRejected,
				"auth hook failed: "+herr.Error(), nil)
			return
		}
		if !decision.Allow {
			code := domain.CodeUnauthorized
			if decision.Code != "" {
				code = domain.ErrorCode(decision.Code)
			}
			msg := decision.Message
			if msg == "" {
				msg = "request rejected by auth hook"
			}
			writeRPCError(w, http.StatusUnauthorized, rpc.ID, rpcAuthRejected, msg,
				&domain.Error{Code: code, Message: msg, Details: decision.Details})
			return
		}
		if decision.TenantID != "" {
			if !domain.ValidScopeID(decision.TenantID) {
				msg := "auth hook injected an invalid tenant id"
				writeRPCError(w, http.StatusInternalServerError, rpc.ID, rpcDaemonError, msg,
					&domain.Error{Code: domain.CodeInvalidArgs, Message: msg})
				return
			}
			req.Meta.TenantID = decision.TenantID
			if req.Meta.SessionIsolation == "" {
				req.Meta.SessionIsolation = domain.IsolationTenant
			}
		}
	}

	// A dropped HTTP client cancels its own request only.
	connID := "http-" + req.Meta.RequestID
	s.cancels.Track(req.Meta.RequestID, connID)
	done := make(chan struct{})
	go func() {
		select {
		case <-r.Context().Done():
			s.cancels.CancelConnection(connID)
		case <-done:
		}
	}()

	// The handler gets a fresh context: cancellation is polled, not forced,
	// so device tooling can wind down cleanly.
	resp := s.handler.HandleRequest(context.Background(), req)
	close(done)
	s.cancels.Done(req.Meta.RequestID)

	if resp.OK {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: rpc.ID, Result: resp})
		return
	}
	writeRPCError(w, statusForCode(resp.Error.Code), rpc.ID, rpcDaemonError, resp.Error.Message, resp.Error)
}

// decodeMethod maps the JSON-RPC method space onto daemon requests. Dashed
// and underscored method spellings are equivalent.
func decodeMethod(rpc *rpcRequest) (*domain.Request, *rpcErrorBody) {
	method := strings.ReplaceAll(rpc.Method, "agent-device", "agent_device")

	switch method {
	case "agent_device.command":
		var req domain.Request
		if len(rpc.Params) == 0 {
			return nil, &rpcErrorBody{Code: rpcInvalidParams, Message: "missing params"}
		}
		if err := json.Unmarshal(rpc.Params, &req); err != nil {
			return nil, &rpcErrorBody{Code: rpcInvalidParams, Message: "invalid params: " + err.Error()}
		}
		if req.Command == "" {
			return nil, &rpcErrorBody{Code: rpcInvalidParams, Message: "params.command is required"}
		}
		return &req, nil

	case "agent_device.lease.allocate", "agent_device.lease.heartbeat", "agent_device.lease.release":
		var params struct {
			Token    string `json:"token"`
			TenantID string `json:"tenantId"`
			RunID    string `json:"runId"`
			LeaseID  string `json:"leaseId"`
			Backend  string `json:"backend"`
			TTLMs    int    `json:"ttlMs"`
		}
		if len(rpc.Params) > 0 {
			if err := json.Unmarshal(rpc.Params, &params); err != nil {
				return nil, &rpcErrorBody{Code: rpcInvalidParams, Message: "invalid params: " + err.Error()}
			}
		}
		command := "lease_" + method[strings.LastIndex(method, ".")+1:]
		flags := domain.Flags{}
		if params.Backend != "" {
			flags["backend"] = params.Backend
		}
		if params.TTLMs > 0 {
			flags["ttlMs"] = params.TTLMs
		}
		return &domain.Request{
			Token:   params.Token,
			Command: command,
			Flags:   flags,
			Meta: domain.Meta{
				TenantID: params.TenantID,
				RunID:    params.RunID,
				LeaseID:  params.LeaseID,
			},
		}, nil

	default:
		return nil, &rpcErrorBody{Code: rpcMethodNotFound, Message: "unknown method " + rpc.Method}
	}
}

// resolveToken fills the request token from the param, the dedicated header
// or a bearer Authorization, in that order.
func resolveToken(req *domain.Request, r *http.Request) {
	if req.Token != "" {
		return
	}
	if v := r.Header.Get(tokenHeader); v != "" {
		req.Token = v
		return
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		req.Token = strings.TrimPrefix(auth, "Bearer ")
	}
}

// statusForCode maps the daemon error taxonomy onto HTTP statuses.
func statusForCode(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgs:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeRPCError(w http.ResponseWriter, status int, id any, code int, message string, data any) {
	writeJSON(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcErrorBody{Code: code, Message: message, Data: data},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

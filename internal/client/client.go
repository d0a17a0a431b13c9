package client

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/config"
	"github.com/agentdevice/agent-device/internal/daemon"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/proc"
	"github.com/agentdevice/agent-device/internal/procident"
)

// maxResponseLine bounds one socket response.
const maxResponseLine = 10 * 1024 * 1024

// Client sends one-shot requests to a running daemon.
type Client struct {
	cfg  *config.Config
	meta *daemon.Metadata
	log  *zap.Logger
}

func newClient(cfg *config.Config, meta *daemon.Metadata, log *zap.Logger) *Client {
	return &Client{cfg: cfg, meta: meta, log: log}
}

// Metadata exposes the daemon handshake, for doctor-style commands.
func (c *Client) Metadata() *daemon.Metadata {
	return c.meta
}

// Do sends one request and waits up to the configured budget. On timeout the
// client sweeps orphaned runner builds and, when reset-on-timeout is set,
// force-kills the daemon so the next invocation starts clean.
func (c *Client) Do(req *domain.Request) (*domain.Response, error) {
	req.Token = c.meta.Token
	if req.Meta.RequestID == "" {
		req.Meta.RequestID = uuid.NewString()
	}

	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 90 * time.Second
	}

	resp, err := c.send(req, timeout)
	if err == nil {
		return resp, nil
	}

	if isTimeout(err) {
		c.log.Warn("request timed out",
			zap.String("command", req.Command),
			zap.Duration("timeout", timeout))
		proc.NewSupervisor(c.log).SweepRunnerOrphans()
		if c.cfg.ResetOnTimeout {
			c.log.Warn("reset-on-timeout set, killing daemon", zap.Int("pid", c.meta.PID))
			procident.StopProcess(c.meta.PID, 0, 2*time.Second, c.meta.ProcessStartTime)
			daemon.RemoveMetadata(c.cfg.StateDir)
		}
		return nil, domain.Errf(domain.CodeCommandFailed,
			"request %s timed out after %s", req.Command, timeout).
			WithHint("The device operation may still be running; check `devices` or retry.")
	}
	return nil, err
}

// send picks the transport. auto prefers the socket when both are up.
func (c *Client) send(req *domain.Request, timeout time.Duration) (*domain.Response, error) {
	transport := c.cfg.Transport
	if transport == "" || transport == "auto" {
		if c.meta.Port > 0 {
			transport = "socket"
		} else {
			transport = "http"
		}
	}

	switch transport {
	case "socket":
		if c.meta.Port == 0 {
			return nil, domain.Errf(domain.CodeCommandFailed, "daemon has no socket transport")
		}
		return c.doSocket(req, timeout)
	case "http":
		if c.meta.HTTPPort == 0 {
			return nil, domain.Errf(domain.CodeCommandFailed, "daemon has no http transport")
		}
		return c.doHTTP(req, timeout)
	default:
		return nil, domain.Errf(domain.CodeInvalidArgs, "unknown transport %q", transport)
	}
}

func (c *Client) doSocket(req *domain.Request, timeout time.Duration) (*domain.Response, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", c.meta.Port)
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dialing daemon at %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseLine)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("daemon closed the connection without responding")
	}

	var resp domain.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

// rpcEnvelope is the JSON-RPC 2.0 frame used by the http transport.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

func (c *Client) doHTTP(req *domain.Request, timeout time.Duration) (*domain.Response, error) {
	body, err := json.Marshal(rpcEnvelope{
		JSONRPC: "2.0",
		ID:      req.Meta.RequestID,
		Method:  "agent_device.command",
		Params:  req,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpClient := &http.Client{Timeout: timeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/rpc", c.meta.HTTPPort)
	httpResp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	var envelope rpcEnvelope
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding rpc response: %w", err)
	}

	if envelope.Error != nil {
		// Daemon failures carry the normalized error as data.
		if len(envelope.Error.Data) > 0 {
			var derr domain.Error
			if uerr := json.Unmarshal(envelope.Error.Data, &derr); uerr == nil && derr.Code != "" {
				return &domain.Response{OK: false, Error: &derr, RequestID: req.Meta.RequestID}, nil
			}
		}
		return nil, domain.Errf(domain.CodeCommandFailed,
			"rpc error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}

	var resp domain.Response
	if err := json.Unmarshal(envelope.Result, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &resp, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

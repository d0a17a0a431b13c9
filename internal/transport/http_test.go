package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/pipeline"
)

func newHTTPServer(handler Handler, hook *AuthHook) *HTTPServer {
	return NewHTTPServer(nil, handler, pipeline.NewCancelRegistry(), hook)
}

func postRPC(t *testing.T, srv *HTTPServer, body string, header http.Header) (*httptest.ResponseRecorder, rpcResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, req)

	var rpc rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rpc))
	return rec, rpc
}

func TestHealth(t *testing.T) {
	srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
		return domain.OkResponse(nil)
	}), nil)

	rec := httptest.NewRecorder()
	srv.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestRPCCommand(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		var seen *domain.Request
		srv := newHTTPServer(funcHandler(func(req *domain.Request) *domain.Response {
			seen = req
			return domain.OkResponse(map[string]any{"devices": []any{}})
		}), nil)

		rec, rpc := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.command","params":{"command":"devices","token":"tok"}}`,
			nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Nil(t, rpc.Error)
		result := rpc.Result.(map[string]any)
		assert.Equal(t, true, result["ok"])
		require.NotNil(t, seen)
		assert.Equal(t, "devices", seen.Command)
		assert.Equal(t, "tok", seen.Token)
	})

	t.Run("dashed method spelling is accepted", func(t *testing.T) {
		srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
			return domain.OkResponse(nil)
		}), nil)

		rec, _ := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent-device.command","params":{"command":"devices"}}`,
			nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("token falls back to the header, then bearer", func(t *testing.T) {
		var seen *domain.Request
		srv := newHTTPServer(funcHandler(func(req *domain.Request) *domain.Response {
			seen = req
			return domain.OkResponse(nil)
		}), nil)

		header := http.Header{}
		header.Set(tokenHeader, "header-token")
		postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.command","params":{"command":"devices"}}`,
			header)
		assert.Equal(t, "header-token", seen.Token)

		header = http.Header{}
		header.Set("Authorization", "Bearer bearer-token")
		postRPC(t, srv,
			`{"jsonrpc":"2.0","id":2,"method":"agent_device.command","params":{"command":"devices"}}`,
			header)
		assert.Equal(t, "bearer-token", seen.Token)
	})

	t.Run("daemon failures map to rpc errors with status by code", func(t *testing.T) {
		srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
			return domain.FailResponse(domain.Errf(domain.CodeSessionNotFound, "no session named \"default\""))
		}), nil)

		rec, rpc := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.command","params":{"command":"press"}}`,
			nil)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		require.NotNil(t, rpc.Error)
		assert.Equal(t, rpcDaemonError, rpc.Error.Code)
		data := rpc.Error.Data.(map[string]any)
		assert.Equal(t, "SESSION_NOT_FOUND", data["code"])
	})
}

func TestRPCLeaseMethods(t *testing.T) {
	var seen *domain.Request
	srv := newHTTPServer(funcHandler(func(req *domain.Request) *domain.Response {
		seen = req
		return domain.OkResponse(nil)
	}), nil)

	rec, _ := postRPC(t, srv,
		`{"jsonrpc":"2.0","id":1,"method":"agent_device.lease.allocate","params":{"token":"tok","tenantId":"acme","runId":"run-1","ttlMs":30000}}`,
		nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "lease_allocate", seen.Command)
	assert.Equal(t, "acme", seen.Meta.TenantID)
	assert.Equal(t, "run-1", seen.Meta.RunID)
	assert.Equal(t, 30000, seen.Flags.Int("ttlMs", 0))
}

func TestRPCAuthHook(t *testing.T) {
	const command = `{"jsonrpc":"2.0","id":1,"method":"agent_device.command","params":{"command":"devices"}}`

	t.Run("rejection maps to 401 with a structured error", func(t *testing.T) {
		hook := NewAuthHook(nil, writeHook(t, `{"default":{"ok":false,"code":"UNAUTHORIZED","message":"bad key"}}`), "")
		srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
			t.Error("handler must not run for rejected requests")
			return domain.OkResponse(nil)
		}), hook)

		rec, rpc := postRPC(t, srv, command, nil)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		require.NotNil(t, rpc.Error)
		assert.Equal(t, rpcAuthRejected, rpc.Error.Code)
		assert.Equal(t, "bad key", rpc.Error.Message)
		data := rpc.Error.Data.(map[string]any)
		assert.Equal(t, "UNAUTHORIZED", data["code"])
	})

	t.Run("allow decision injects the tenant and isolation", func(t *testing.T) {
		hook := NewAuthHook(nil, writeHook(t, `{"default":{"ok":true,"tenantId":"hooktenant"}}`), "")
		var seen *domain.Request
		srv := newHTTPServer(funcHandler(func(req *domain.Request) *domain.Response {
			seen = req
			return domain.OkResponse(nil)
		}), hook)

		rec, _ := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.lease.allocate","params":{"runId":"auth-hook-run"}}`,
			nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "hooktenant", seen.Meta.TenantID)
		assert.Equal(t, domain.IsolationTenant, seen.Meta.SessionIsolation)
	})

	t.Run("client-chosen isolation survives tenant injection", func(t *testing.T) {
		hook := NewAuthHook(nil, writeHook(t, `{"default":{"ok":true,"tenantId":"hooktenant"}}`), "")
		var seen *domain.Request
		srv := newHTTPServer(funcHandler(func(req *domain.Request) *domain.Response {
			seen = req
			return domain.OkResponse(nil)
		}), hook)

		postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.command","params":{"command":"devices","meta":{"sessionIsolation":"tenant"}}}`,
			nil)

		require.NotNil(t, seen)
		assert.Equal(t, "hooktenant", seen.Meta.TenantID)
		assert.Equal(t, domain.IsolationTenant, seen.Meta.SessionIsolation)
	})

	t.Run("invalid injected tenant id is a 500", func(t *testing.T) {
		hook := NewAuthHook(nil, writeHook(t, `{"default":{"ok":true,"tenantId":"has space"}}`), "")
		srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
			t.Error("handler must not run when the injected tenant is invalid")
			return domain.OkResponse(nil)
		}), hook)

		rec, rpc := postRPC(t, srv, command, nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NotNil(t, rpc.Error)
		assert.Equal(t, rpcDaemonError, rpc.Error.Code)
		data := rpc.Error.Data.(map[string]any)
		assert.Equal(t, "INVALID_ARGS", data["code"])
	})

	t.Run("broken hook fails closed", func(t *testing.T) {
		hook := NewAuthHook(nil, writeHook(t, `not json`), "")
		srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
			t.Error("handler must not run when the hook is broken")
			return domain.OkResponse(nil)
		}), hook)

		rec, rpc := postRPC(t, srv, command, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NotNil(t, rpc.Error)
		assert.Equal(t, rpcAuthRejected, rpc.Error.Code)
	})
}

func TestRPCValidation(t *testing.T) {
	calls := 0
	srv := newHTTPServer(funcHandler(func(*domain.Request) *domain.Response {
		calls++
		return domain.OkResponse(nil)
	}), nil)
	t.Cleanup(func() {
		assert.Zero(t, calls, "handler must not run for invalid requests")
	})

	t.Run("malformed json", func(t *testing.T) {
		rec, rpc := postRPC(t, srv, `{not json`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, rpcParseError, rpc.Error.Code)
	})

	t.Run("oversized body", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
		rec, rpc := postRPC(t, srv, string(big), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, rpcParseError, rpc.Error.Code)
	})

	t.Run("wrong jsonrpc version", func(t *testing.T) {
		rec, rpc := postRPC(t, srv,
			`{"jsonrpc":"1.0","id":1,"method":"agent_device.command","params":{"command":"x"}}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, rpcInvalidRequest, rpc.Error.Code)
	})

	t.Run("unknown method", func(t *testing.T) {
		rec, rpc := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.bogus","params":{}}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, rpcMethodNotFound, rpc.Error.Code)
	})

	t.Run("missing params", func(t *testing.T) {
		rec, rpc := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.command"}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, rpcInvalidParams, rpc.Error.Code)
	})

	t.Run("missing command", func(t *testing.T) {
		rec, rpc := postRPC(t, srv,
			`{"jsonrpc":"2.0","id":1,"method":"agent_device.command","params":{}}`, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, rpcInvalidParams, rpc.Error.Code)
	})
}

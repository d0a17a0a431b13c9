package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentdevice/agent-device/internal/config"
	"github.com/agentdevice/agent-device/internal/dispatch"
	"github.com/agentdevice/agent-device/internal/domain"
	"github.com/agentdevice/agent-device/internal/lease"
	"github.com/agentdevice/agent-device/internal/session"
)

const testToken = "test-token"

// stubBackend records executed operations and replies with canned results.
type stubBackend struct {
	name    string
	devices []domain.Device
	ops     []dispatch.Operation
	result  map[string]any
	err     error
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Discover(_ context.Context, _ dispatch.DiscoveryScope) ([]domain.Device, error) {
	return s.devices, nil
}

func (s *stubBackend) Execute(_ dispatch.ExecContext, _ domain.Device, op dispatch.Operation) (map[string]any, error) {
	s.ops = append(s.ops, op)
	return s.result, s.err
}

func simDevice() domain.Device {
	return domain.Device{
		Platform: domain.PlatformIOS,
		Kind:     domain.KindSimulator,
		ID:       "SIM-1",
		Name:     "iPhone 16",
		Booted:   true,
	}
}

type testEnv struct {
	pipeline *Pipeline
	store    *session.Store
	leases   *lease.Registry
	sim      *stubBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	sim := &stubBackend{
		name:    domain.BackendIOSSimulator,
		devices: []domain.Device{simDevice()},
		result:  map[string]any{},
	}
	store := session.NewStore(cfg.StateDir, zap.NewNop())
	leases := lease.NewRegistry(lease.DefaultLimits())

	p := New(cfg, zap.NewNop(), Options{
		Token:      testToken,
		Store:      store,
		Leases:     leases,
		Dispatcher: dispatch.NewDispatcher(nil, sim),
	})
	return &testEnv{pipeline: p, store: store, leases: leases, sim: sim}
}

func (e *testEnv) bind(t *testing.T, name string) {
	t.Helper()
	require.NoError(t, e.store.Set(name, domain.Session{Device: simDevice()}))
}

func request(command string, positionals ...string) *domain.Request {
	return &domain.Request{
		Token:       testToken,
		Command:     command,
		Positionals: positionals,
		Flags:       domain.Flags{},
		Meta:        domain.Meta{RequestID: "req-test"},
	}
}

func TestHandleRequestAuth(t *testing.T) {
	env := newTestEnv(t)

	t.Run("wrong token is rejected", func(t *testing.T) {
		req := request("devices")
		req.Token = "wrong"
		resp := env.pipeline.HandleRequest(context.Background(), req)

		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeUnauthorized, resp.Error.Code)
		assert.Equal(t, "req-test", resp.RequestID)
	})

	t.Run("missing command is invalid args", func(t *testing.T) {
		resp := env.pipeline.HandleRequest(context.Background(), request(""))
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeInvalidArgs, resp.Error.Code)
	})

	t.Run("failures carry diagnostics pointers and a hint", func(t *testing.T) {
		resp := env.pipeline.HandleRequest(context.Background(), request("press", "Login"))
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeSessionNotFound, resp.Error.Code)
		assert.NotEmpty(t, resp.Error.DiagnosticID)
		assert.NotEmpty(t, resp.Error.LogPath)
		assert.NotEmpty(t, resp.Error.Hint)
	})
}

func TestAliasResolution(t *testing.T) {
	t.Run("aliases map onto canonical commands", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		resp := env.pipeline.HandleRequest(context.Background(), request("tap", "Login"))
		require.True(t, resp.OK, "error: %v", resp.Error)

		require.Len(t, env.sim.ops, 1)
		assert.Equal(t, "press", env.sim.ops[0].Command)
	})

	t.Run("token is checked before aliasing", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		req := request("tap", "Login")
		req.Token = "wrong"
		resp := env.pipeline.HandleRequest(context.Background(), req)
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeUnauthorized, resp.Error.Code)
		assert.Empty(t, env.sim.ops)
	})
}

func TestJournaling(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, "default")

	t.Run("mutating commands are recorded", func(t *testing.T) {
		resp := env.pipeline.HandleRequest(context.Background(), request("press", "Login"))
		require.True(t, resp.OK)

		journal := env.store.Journal("default")
		require.Len(t, journal, 1)
		assert.Equal(t, "press", journal[0].Command)
		assert.Equal(t, []string{"Login"}, journal[0].Positionals)
	})

	t.Run("read-only commands are not", func(t *testing.T) {
		resp := env.pipeline.HandleRequest(context.Background(), request("snapshot"))
		require.True(t, resp.OK)
		assert.Len(t, env.store.Journal("default"), 1)
	})
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a valid tenant id", func(t *testing.T) {
		env := newTestEnv(t)
		req := request("press", "Login")
		req.Meta.SessionIsolation = domain.IsolationTenant
		req.Meta.TenantID = "bad tenant!"

		resp := env.pipeline.HandleRequest(ctx, req)
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeInvalidArgs, resp.Error.Code)
	})

	t.Run("gates non-exempt commands on an active lease", func(t *testing.T) {
		env := newTestEnv(t)
		req := request("press", "Login")
		req.Meta.SessionIsolation = domain.IsolationTenant
		req.Meta.TenantID = "acme"

		resp := env.pipeline.HandleRequest(ctx, req)
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeInvalidArgs, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "tenant-isolated")
	})

	t.Run("admits with a matching lease and scopes the session", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "acme:work")
		l, err := env.leases.Allocate("acme", "run-1", domain.BackendIOSSimulator, 0)
		require.NoError(t, err)

		req := request("press", "Login")
		req.Session = "work"
		req.Meta.SessionIsolation = domain.IsolationTenant
		req.Meta.TenantID = "acme"
		req.Meta.RunID = "run-1"
		req.Meta.LeaseID = l.LeaseID

		resp := env.pipeline.HandleRequest(ctx, req)
		require.True(t, resp.OK, "error: %v", resp.Error)
		require.Len(t, env.sim.ops, 1)
	})

	t.Run("devices stays lease-exempt", func(t *testing.T) {
		env := newTestEnv(t)
		req := request("devices")
		req.Meta.SessionIsolation = domain.IsolationTenant
		req.Meta.TenantID = "acme"

		resp := env.pipeline.HandleRequest(ctx, req)
		require.True(t, resp.OK, "error: %v", resp.Error)
	})

	t.Run("session_list shows only own sessions with the prefix stripped", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.store.Set("acme:work", domain.Session{Device: simDevice()}))
		other := simDevice()
		other.ID = "SIM-2"
		require.NoError(t, env.store.Set("globex:work", domain.Session{Device: other}))

		req := request("session_list")
		req.Meta.SessionIsolation = domain.IsolationTenant
		req.Meta.TenantID = "acme"

		resp := env.pipeline.HandleRequest(ctx, req)
		require.True(t, resp.OK)
		sessions := resp.Data["sessions"].([]domain.Session)
		require.Len(t, sessions, 1)
		assert.Equal(t, "work", sessions[0].Name)
	})
}

func TestSelectorConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, "default")

	req := request("press", "Login")
	req.Flags["platform"] = "android"
	req.Flags["device"] = "Pixel 9"

	resp := env.pipeline.HandleRequest(context.Background(), req)
	require.False(t, resp.OK)
	assert.Equal(t, domain.CodeInvalidArgs, resp.Error.Code)
	assert.ElementsMatch(t, []any{"platform", "device"}, resp.Error.Details["flags"])
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("requires an app identifier", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.pipeline.HandleRequest(ctx, request("open"))
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeInvalidArgs, resp.Error.Code)
	})

	t.Run("resolves a device and binds the session", func(t *testing.T) {
		env := newTestEnv(t)
		resp := env.pipeline.HandleRequest(ctx, request("open", "com.example.app"))
		require.True(t, resp.OK, "error: %v", resp.Error)
		assert.Equal(t, "default", resp.Data["session"])

		sess, ok := env.store.Get("default")
		require.True(t, ok)
		require.NotNil(t, sess.App)
		assert.Equal(t, "com.example.app", sess.App.BundleID)
	})

	t.Run("boots cold devices before launch", func(t *testing.T) {
		env := newTestEnv(t)
		cold := simDevice()
		cold.Booted = false
		env.sim.devices = []domain.Device{cold}

		resp := env.pipeline.HandleRequest(ctx, request("open", "com.example.app"))
		require.True(t, resp.OK, "error: %v", resp.Error)

		require.Len(t, env.sim.ops, 2)
		assert.Equal(t, "boot", env.sim.ops[0].Command)
		assert.Equal(t, "open", env.sim.ops[1].Command)
	})
}

func TestClose(t *testing.T) {
	t.Run("removes the session", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		resp := env.pipeline.HandleRequest(context.Background(), request("close"))
		require.True(t, resp.OK, "error: %v", resp.Error)

		_, ok := env.store.Get("default")
		assert.False(t, ok, "close must remove the session")
	})

	t.Run("writes the replay script without being asked", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		resp := env.pipeline.HandleRequest(context.Background(), request("press", "Login"))
		require.True(t, resp.OK, "error: %v", resp.Error)

		resp = env.pipeline.HandleRequest(context.Background(), request("close"))
		require.True(t, resp.OK, "error: %v", resp.Error)

		path, _ := resp.Data["script"].(string)
		require.NotEmpty(t, path, "close must report the script path")
		assert.Equal(t, env.store.SessionsDir(), filepath.Dir(path))
		assert.True(t, strings.HasSuffix(path, ".ad"))

		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(content), "press")
	})

	t.Run("save-script picks the path", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		target := filepath.Join(t.TempDir(), "run.ad")
		req := request("close")
		req.Flags["save-script"] = target

		resp := env.pipeline.HandleRequest(context.Background(), req)
		require.True(t, resp.OK, "error: %v", resp.Error)
		assert.Equal(t, target, resp.Data["script"])
		_, err := os.Stat(target)
		assert.NoError(t, err)
	})
}

func TestBatch(t *testing.T) {
	ctx := context.Background()

	steps := func(commands ...string) []any {
		out := make([]any, 0, len(commands))
		for _, c := range commands {
			out = append(out, map[string]any{"command": c, "positionals": []any{"x"}})
		}
		return out
	}

	t.Run("runs steps in order", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		req := request("batch")
		req.Flags["steps"] = steps("press", "swipe")

		resp := env.pipeline.HandleRequest(ctx, req)
		require.True(t, resp.OK, "error: %v", resp.Error)
		assert.Equal(t, 2, resp.Data["total"])
		assert.Equal(t, 2, resp.Data["executed"])
		require.Len(t, env.sim.ops, 2)
		assert.Equal(t, "press", env.sim.ops[0].Command)
		assert.Equal(t, "swipe", env.sim.ops[1].Command)
	})

	t.Run("fails fast with partial results", func(t *testing.T) {
		env := newTestEnv(t)
		env.bind(t, "default")

		req := request("batch")
		req.Flags["steps"] = []any{
			map[string]any{"command": "press", "positionals": []any{"Login"}},
			map[string]any{"command": "keyboard"}, // unsupported on simulators
			map[string]any{"command": "swipe"},
		}

		resp := env.pipeline.HandleRequest(ctx, req)
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeUnsupportedOp, resp.Error.Code)
		assert.Equal(t, 2, resp.Error.Details["step"])
		assert.Equal(t, 1, resp.Error.Details["executed"])
		require.Len(t, env.sim.ops, 1, "step 3 must not run")
	})

	t.Run("rejects nested batches", func(t *testing.T) {
		env := newTestEnv(t)
		req := request("batch")
		req.Flags["steps"] = steps("batch")

		resp := env.pipeline.HandleRequest(ctx, req)
		require.False(t, resp.OK)
		assert.Equal(t, domain.CodeInvalidArgs, resp.Error.Code)
	})

	t.Run("enforces the step limit", func(t *testing.T) {
		env := newTestEnv(t)
		many := make([]string, 51)
		for i := range many {
			many[i] = "press"
		}
		req := request("batch")
		req.Flags["steps"] = steps(many...)

		resp := env.pipeline.HandleRequest(ctx, req)
		require.False(t, resp.OK)
		assert.Contains(t, resp.Error.Message, "exceeds the limit")
	})
}

func TestDebugDiagnostics(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, "default")

	req := request("press", "Login")
	req.Meta.Debug = true

	resp := env.pipeline.HandleRequest(context.Background(), req)
	require.True(t, resp.OK, "error: %v", resp.Error)

	diags, ok := resp.Data["diagnostics"].(map[string]any)
	require.True(t, ok, "debug success should attach diagnostics")
	assert.NotEmpty(t, diags["diagnosticId"])
	assert.NotEmpty(t, diags["logPath"])
}

func TestPerf(t *testing.T) {
	env := newTestEnv(t)
	env.bind(t, "default")

	env.sim.result = map[string]any{"startup": map[string]any{"durationMs": float64(1200)}}
	resp := env.pipeline.HandleRequest(context.Background(), request("open", "com.example.app"))
	require.True(t, resp.OK, "error: %v", resp.Error)

	resp = env.pipeline.HandleRequest(context.Background(), request("perf"))
	require.True(t, resp.OK, "error: %v", resp.Error)

	stats := resp.Data["startup"].(map[string]any)
	assert.Equal(t, 1, stats["count"])
	assert.Equal(t, float64(1200), stats["lastMs"])
}

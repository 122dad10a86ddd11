package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/foundry/internal/catalog"
	"github.com/fyrsmithlabs/foundry/internal/config"
	"github.com/fyrsmithlabs/foundry/internal/events"
	"github.com/fyrsmithlabs/foundry/internal/pipeline"
	"github.com/fyrsmithlabs/foundry/internal/project"
	"github.com/fyrsmithlabs/foundry/internal/ratelimit"
	"github.com/fyrsmithlabs/foundry/internal/recovery"
	"github.com/fyrsmithlabs/foundry/internal/resilience"
	"github.com/fyrsmithlabs/foundry/internal/team"
	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockProjects struct {
	mock.Mock
}

func (m *MockProjects) CreateProject(ctx context.Context, req project.Request) *pipeline.ProjectResult {
	args := m.Called(ctx, req)
	return args.Get(0).(*pipeline.ProjectResult)
}

func TestNewServer(t *testing.T) {
	deps := Deps{Projects: &MockProjects{}, Registry: project.NewRegistry()}

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		server, err := NewServer(deps, zap.NewNop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", server.config.Host)
		assert.Equal(t, 8420, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(deps, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error without a project creator", func(t *testing.T) {
		_, err := NewServer(Deps{Registry: project.NewRegistry()}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "project creator cannot be nil")
	})

	t.Run("returns error without a registry", func(t *testing.T) {
		_, err := NewServer(Deps{Projects: &MockProjects{}}, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "project registry cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := serve(server, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleCreateProject(t *testing.T) {
	t.Run("runs the pipeline and returns its result", func(t *testing.T) {
		server, deps := setupTestServer(t)
		projects := deps.Projects.(*MockProjects)

		req := project.Request{Type: "web_application", Description: "todo app", CustomRequirements: []string{"auth"}}
		projects.On("CreateProject", mock.Anything, req).Return(&pipeline.ProjectResult{
			Success:        true,
			ProjectID:      "web_applic_1773480600",
			WorkspacePath:  "/ws/web_applic_1773480600_20260314_093000",
			WorkersUsed:    3,
			TasksCompleted: 3,
		}).Once()

		rec := serve(server, http.MethodPost, "/api/v1/projects", req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var res pipeline.ProjectResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Success)
		assert.Equal(t, "web_applic_1773480600", res.ProjectID)
		assert.Equal(t, 3, res.TasksCompleted)
		projects.AssertExpectations(t)
	})

	t.Run("failed project is still a result", func(t *testing.T) {
		server, deps := setupTestServer(t)
		projects := deps.Projects.(*MockProjects)
		projects.On("CreateProject", mock.Anything, mock.Anything).Return(&pipeline.ProjectResult{
			ProjectID:   "cli_tool_1",
			Error:       "no workers",
			ErrorKind:   recovery.KindInvalidConfiguration,
			FailedPhase: pipeline.PhaseAssemblingTeam,
		}).Once()

		rec := serve(server, http.MethodPost, "/api/v1/projects", project.Request{Type: "cli_tool", Description: "x"})

		assert.Equal(t, http.StatusOK, rec.Code)
		var res pipeline.ProjectResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Success)
		assert.Equal(t, pipeline.PhaseAssemblingTeam, res.FailedPhase)
		assert.Equal(t, recovery.KindInvalidConfiguration, res.ErrorKind)
	})

	t.Run("rejects an incomplete request", func(t *testing.T) {
		server, deps := setupTestServer(t)

		rec := serve(server, http.MethodPost, "/api/v1/projects", project.Request{Type: "web_application"})

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		deps.Projects.(*MockProjects).AssertNotCalled(t, "CreateProject", mock.Anything, mock.Anything)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		server, _ := setupTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/projects", strings.NewReader("{"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		server.echo.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleStatus(t *testing.T) {
	t.Run("reports windows, breakers and projects", func(t *testing.T) {
		server, deps := setupTestServer(t)
		deps.Limiter.Record("openrouter", 10)
		deps.Registry.Claim("web_applic_1", "web_application")

		rec := serve(server, http.MethodGet, "/api/v1/status", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "test", resp.Version)
		require.Len(t, resp.Providers, 1)
		assert.Equal(t, "openrouter", resp.Providers[0].Provider)
		assert.Equal(t, 1, resp.Providers[0].InWindow)
		assert.Equal(t, 9, resp.Providers[0].Available)
		assert.Equal(t, 5, resp.MaxConcurrent)
		assert.Equal(t, 1, resp.ActiveProjects)
		require.Len(t, resp.Projects, 1)
		assert.Equal(t, "web_applic_1", resp.Projects[0].ID)
	})

	t.Run("open breaker degrades status", func(t *testing.T) {
		server, deps := setupTestServer(t)
		err := deps.Breakers.Get("openrouter").Call(context.Background(), func(context.Context) error {
			return errors.New("upstream down")
		})
		require.Error(t, err)

		rec := serve(server, http.MethodGet, "/api/v1/status", nil)

		var resp StatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		require.Len(t, resp.Breakers, 1)
		assert.Equal(t, "open", resp.Breakers[0].State)
	})
}

func TestHandleProjects(t *testing.T) {
	server, deps := setupTestServer(t)
	deps.Registry.Claim("api_servic_1", "api_service")
	deps.Registry.SetPhase("api_servic_1", "executing")

	rec := serve(server, http.MethodGet, "/api/v1/projects/api_servic_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var st project.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "executing", st.Phase)

	rec = serve(server, http.MethodGet, "/api/v1/projects", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var list []project.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = serve(server, http.MethodGet, "/api/v1/projects/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleProjectErrors(t *testing.T) {
	const ws = "/ws/web_applic_1_20260314_093000"

	setup := func(t *testing.T) (*Server, Deps) {
		server, deps := setupTestServer(t)
		h := recovery.NewHandler(ws, recovery.WithFs(deps.Fs))
		h.Log(context.Background(), recovery.Entry{
			Err:      recovery.Wrap(recovery.KindRateLimitExceeded, "openrouter", errors.New("429")),
			Severity: recovery.SeverityMedium,
			Context:  "unit backend_development",
		})
		return server, deps
	}

	t.Run("uses the registry workspace", func(t *testing.T) {
		server, deps := setup(t)
		deps.Registry.Claim("web_applic_1", "web_application")
		deps.Registry.SetWorkspace("web_applic_1", ws)

		rec := serve(server, http.MethodGet, "/api/v1/projects/web_applic_1/errors", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp ErrorsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, ws, resp.Workspace)
		require.Len(t, resp.Errors, 1)
		assert.Equal(t, recovery.KindRateLimitExceeded, resp.Errors[0].Kind)
		assert.NotEmpty(t, resp.Errors[0].Suggestion)
	})

	t.Run("accepts an explicit workspace", func(t *testing.T) {
		server, _ := setup(t)

		rec := serve(server, http.MethodGet, "/api/v1/projects/web_applic_1/errors?workspace="+ws, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp ErrorsResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Errors, 1)
	})

	t.Run("empty history is an empty list", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := serve(server, http.MethodGet, "/api/v1/projects/x/errors?workspace=/ws/other", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"errors":[]`)
	})

	t.Run("rejects workspaces outside the base dir", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := serve(server, http.MethodGet, "/api/v1/projects/x/errors?workspace=/etc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = serve(server, http.MethodGet, "/api/v1/projects/x/errors?workspace=/ws/../etc", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown project without workspace", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := serve(server, http.MethodGet, "/api/v1/projects/nope/errors", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleProjectTypes(t *testing.T) {
	server, _ := setupTestServer(t)

	rec := serve(server, http.MethodGet, "/api/v1/project-types", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ProjectTypesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp.Types, "web_application")
}

func TestHandleProjectEvents(t *testing.T) {
	t.Run("without a subscriber", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := serve(server, http.MethodGet, "/api/v1/projects/p/events", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("streams until the terminal event", func(t *testing.T) {
		ns := startTestNATSServer(t)
		pub, err := events.Connect(ns.ClientURL(), "", zap.NewNop())
		require.NoError(t, err)
		defer pub.Close()

		server, _ := setupTestServer(t, func(d *Deps) { d.Events = pub })
		ts := httptest.NewServer(server.Handler())
		defer ts.Close()

		resp, err := http.Get(ts.URL + "/api/v1/projects/proj_9/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, "text/event-stream", resp.Header.Get(echo.HeaderContentType))

		// The subscription shares the publisher's connection, so it is
		// registered before these publishes reach the server.
		ctx := context.Background()
		require.NoError(t, pub.Publish(ctx, events.Event{Type: events.TypePhase, ProjectID: "proj_9", Phase: "executing"}))
		require.NoError(t, pub.Publish(ctx, events.Event{Type: events.TypeCompleted, ProjectID: "proj_9", Success: true}))

		var types []string
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				types = append(types, name)
			}
		}
		assert.Equal(t, []string{events.TypePhase, events.TypeCompleted}, types)
	})
}

func TestServerLifecycle(t *testing.T) {
	t.Run("starts and shuts down gracefully", func(t *testing.T) {
		server, err := NewServer(Deps{Projects: &MockProjects{}, Registry: project.NewRegistry()}, zap.NewNop(), &Config{
			Host: "localhost",
			Port: 0,
		})
		require.NoError(t, err)

		errChan := make(chan error, 1)
		go func() {
			errChan <- server.Start()
		}()

		time.Sleep(100 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))

		select {
		case err := <-errChan:
			assert.NoError(t, err)
		case <-time.After(6 * time.Second):
			t.Fatal("server did not shut down in time")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("adds request ID to response", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := serve(server, http.MethodGet, "/health", nil)

		assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 36)
	})

	t.Run("recovers from panic", func(t *testing.T) {
		server, _ := setupTestServer(t)
		server.echo.GET("/panic", func(c echo.Context) error {
			panic("test panic")
		})

		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			server.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("serves prometheus metrics", func(t *testing.T) {
		server, _ := setupTestServer(t)

		rec := serve(server, http.MethodGet, "/metrics", nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "go_goroutines")
	})
}

// setupTestServer creates a server over an in-memory workspace root at /ws.
func setupTestServer(t *testing.T, mutate ...func(*Deps)) (*Server, Deps) {
	t.Helper()

	cat, err := catalog.Default()
	require.NoError(t, err)

	deps := Deps{
		Projects: &MockProjects{},
		Registry: project.NewRegistry(),
		Limiter:  ratelimit.NewLimiter(map[string]int{"openrouter": 10}),
		Manager:  ratelimit.NewManager(5, nil, zap.NewNop()),
		Breakers: resilience.NewBreakers(config.BreakerConfig{FailureThreshold: 1, Timeout: config.Duration(time.Minute)}),
		Catalog:  team.Static{Catalog: cat},
		Fs:       afero.NewMemMapFs(),
		BaseDir:  "/ws",
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	server, err := NewServer(deps, zap.NewNop(), &Config{Host: "localhost", Port: 8420, Version: "test"})
	require.NoError(t, err)
	return server, deps
}

func serve(server *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	server.echo.ServeHTTP(rec, req)
	return rec
}

func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	server, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

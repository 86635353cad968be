package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlab/trellis/pkg/air"
	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/monitor"
	"github.com/verdantlab/trellis/pkg/orchestrator"
	"github.com/verdantlab/trellis/pkg/phase"
	"github.com/verdantlab/trellis/pkg/state"
	"github.com/verdantlab/trellis/pkg/water"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()

	manager, err := state.NewManager(ctx, state.NewMemoryBackend())
	require.NoError(t, err)
	recorder := metrics.NewRecorder(100)
	mon := monitor.New(nil, recorder, nil)
	coordinator, err := phase.NewCoordinator(manager, nil, recorder, nil)
	require.NoError(t, err)
	airEngine, err := air.NewEngine(manager, recorder, nil)
	require.NoError(t, err)
	waterEngine := water.NewEngine(manager, recorder, nil, water.Config{QuestionTimeout: time.Second}, nil)

	o := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		States:      manager,
		Metrics:     recorder,
		Monitor:     mon,
		Coordinator: coordinator,
		Air:         airEngine,
		Water:       waterEngine,
	})
	return NewServer(":0", o, mon, nil, nil)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var health monitor.SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, monitor.HealthHealthy, health.Status)
}

func TestStartOperationValidatesBody(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/api/v1/operations", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperationLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/operations", `{"prompt":"ship it"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var op orchestrator.Operation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	require.NotEmpty(t, op.OperationID)

	rec = do(t, s, http.MethodGet, "/api/v1/operations/"+op.OperationID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/operations/"+op.OperationID+"/step", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var step orchestrator.StepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &step))
	assert.Equal(t, "success", step.Status)
	assert.Equal(t, "PHASE_ZERO", step.PhaseName)

	rec = do(t, s, http.MethodGet, "/api/v1/operations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), op.OperationID)
}

func TestUnknownOperationIs404(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/api/v1/operations/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/v1/operations/missing/step", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

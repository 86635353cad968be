package agentport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/state"
	"github.com/verdantlab/trellis/pkg/water"
)

type stubService struct {
	response  string
	processed map[string]any
	err       error
	panics    bool
	responses atomic.Int32
}

func (s *stubService) Process(_ context.Context, input map[string]any) (map[string]any, error) {
	if s.panics {
		panic("agent blew up")
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.processed != nil {
		return s.processed, nil
	}
	return map[string]any{"echo": input}, nil
}

func (s *stubService) GetResponse(context.Context, string) (string, error) {
	s.responses.Add(1)
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func newTestPort(t *testing.T, id string, service Service) (*Port, *state.Manager) {
	t.Helper()
	manager, err := state.NewManager(context.Background(), state.NewMemoryBackend())
	require.NoError(t, err)
	return NewPort(id, service, manager, metrics.NewRecorder(100), nil), manager
}

func TestClarifyCachesByQuestionContent(t *testing.T) {
	service := &stubService{response: "bytes per second"}
	port, _ := newTestPort(t, "builder", service)
	ctx := context.Background()

	first, err := port.Clarify(ctx, "what unit is throughput in?")
	require.NoError(t, err)
	second, err := port.Clarify(ctx, "what unit is throughput in?")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), service.responses.Load())

	// A different question misses the cache.
	_, err = port.Clarify(ctx, "which timezone are timestamps in?")
	require.NoError(t, err)
	assert.Equal(t, int32(2), service.responses.Load())
}

func TestClarifyErrorIsNotCached(t *testing.T) {
	service := &stubService{err: errors.New("agent unavailable")}
	port, _ := newTestPort(t, "builder", service)

	_, err := port.Clarify(context.Background(), "anything")
	require.Error(t, err)

	service.err = nil
	service.response = "recovered"
	answer, err := port.Clarify(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "recovered", answer)
}

func TestUpdateOutputSkipsIdenticalOutput(t *testing.T) {
	port, _ := newTestPort(t, "planner", &stubService{})
	ctx := context.Background()

	updated, err := port.UpdateOutput(ctx, map[string]any{"plan": "v1"})
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = port.UpdateOutput(ctx, map[string]any{"plan": "v1"})
	require.NoError(t, err)
	assert.False(t, updated)

	rec, err := port.Context()
	require.NoError(t, err)
	assert.Empty(t, rec.OutputHistory)
}

func TestUpdateOutputKeepsHistory(t *testing.T) {
	port, manager := newTestPort(t, "planner", &stubService{})
	ctx := context.Background()

	for _, version := range []string{"v1", "v2", "v3"} {
		_, err := port.UpdateOutput(ctx, map[string]any{"plan": version})
		require.NoError(t, err)
	}

	rec, err := port.Context()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"plan": "v3"}, rec.Output)
	require.Len(t, rec.OutputHistory, 2)
	assert.Equal(t, map[string]any{"plan": "v1"}, rec.OutputHistory[0])
	assert.False(t, rec.UpdatedAt.IsZero())

	entry, err := manager.GetState("agent_context:planner:latest")
	require.NoError(t, err)
	assert.Equal(t, "agent_context", entry.Kind)
}

func TestProcessRecoversFromPanic(t *testing.T) {
	port, _ := newTestPort(t, "builder", &stubService{panics: true})

	_, err := port.Process(context.Background(), map[string]any{"task": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestCoordinateWithNextAppliesResult(t *testing.T) {
	manager, err := state.NewManager(context.Background(), state.NewMemoryBackend())
	require.NoError(t, err)
	recorder := metrics.NewRecorder(100)

	planner := NewPort("planner", &stubService{response: "bytes per second"}, manager, recorder, nil)
	builder := NewPort("builder", &stubService{response: "bytes per second"}, manager, recorder, nil)
	engine := water.NewEngine(manager, recorder, nil, water.Config{QuestionTimeout: time.Second}, nil)

	result, err := planner.CoordinateWithNext(context.Background(), builder, engine, map[string]any{
		"ambiguities": []string{"unit of the throughput field"},
	})
	require.NoError(t, err)
	assert.Equal(t, water.StatusCompleted, result.Status)

	rec, err := builder.Context()
	require.NoError(t, err)
	assert.Contains(t, rec.CoordinationApplied, result.CoordinationID)

	// The planner's context is untouched.
	plannerRec, err := planner.Context()
	require.NoError(t, err)
	assert.Empty(t, plannerRec.CoordinationApplied)
}

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantlab/trellis/pkg/air"
	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/monitor"
	"github.com/verdantlab/trellis/pkg/phase"
	"github.com/verdantlab/trellis/pkg/state"
	"github.com/verdantlab/trellis/pkg/water"
)

type scriptedService struct {
	output map[string]any
	err    error
}

func (s *scriptedService) Process(context.Context, map[string]any) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.output != nil {
		return s.output, nil
	}
	return map[string]any{"done": true}, nil
}

func (s *scriptedService) GetResponse(_ context.Context, prompt string) (string, error) {
	return "ack: " + prompt, nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	ctx := context.Background()

	manager, err := state.NewManager(ctx, state.NewMemoryBackend())
	require.NoError(t, err)
	recorder := metrics.NewRecorder(1000)
	mon := monitor.New(nil, recorder, nil)
	coordinator, err := phase.NewCoordinator(manager, nil, recorder, nil)
	require.NoError(t, err)
	airEngine, err := air.NewEngine(manager, recorder, nil)
	require.NoError(t, err)
	waterEngine := water.NewEngine(manager, recorder, nil, water.Config{QuestionTimeout: time.Second}, nil)

	return New(Config{}, Deps{
		States:      manager,
		Metrics:     recorder,
		Monitor:     mon,
		Coordinator: coordinator,
		Air:         airEngine,
		Water:       waterEngine,
	})
}

func TestStartOperationCreatesPhaseChain(t *testing.T) {
	o := newTestOrchestrator(t)

	op, err := o.StartOperation(context.Background(), "ship the feature")
	require.NoError(t, err)
	assert.Equal(t, OperationRunning, op.Status)
	assert.Len(t, op.PhaseIDs, len(StandardPhases))

	_, phases, err := o.Status(op.OperationID)
	require.NoError(t, err)
	require.Len(t, phases, len(StandardPhases))
	for _, pc := range phases {
		assert.Equal(t, phase.StateReady, pc.State)
		assert.Equal(t, op.RootPhase, pc.Parent)
	}
}

func TestStatusUnknownOperation(t *testing.T) {
	o := newTestOrchestrator(t)
	_, _, err := o.Status("missing")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestStepAdvancesOnePhaseAtATime(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	op, err := o.StartOperation(ctx, "build it")
	require.NoError(t, err)

	result, err := o.Step(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "PHASE_ZERO", result.PhaseName)
	assert.NotEmpty(t, result.Output)

	_, phases, err := o.Status(op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, phase.StateCompleted, phases[0].State)
	assert.Equal(t, phase.StateReady, phases[1].State)
}

func TestOperationRunsToCompletion(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	op, err := o.StartOperation(ctx, "run everything")
	require.NoError(t, err)

	for range StandardPhases {
		result, err := o.Step(ctx, op.OperationID)
		require.NoError(t, err)
		require.Equal(t, "success", result.Status)
	}

	// One more step closes out the operation.
	result, err := o.Step(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, result.Status)

	loaded, phases, err := o.Status(op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, loaded.Status)
	assert.Equal(t, len(StandardPhases), loaded.StepsTaken)
	for _, pc := range phases {
		assert.Equal(t, phase.StateCompleted, pc.State)
	}

	// Stepping a finished operation is a no-op.
	result, err = o.Step(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationCompleted, result.Status)
	assert.Equal(t, "operation already finished", result.Message)
}

func TestStepFailureIsStructuredResult(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	o.RegisterAgent("PHASE_ZERO", &scriptedService{err: errors.New("model refused")})

	op, err := o.StartOperation(ctx, "doomed")
	require.NoError(t, err)

	result, err := o.Step(ctx, op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "error", result.Status)
	assert.Equal(t, "agent_failure", result.Error)
	assert.Contains(t, result.Message, "model refused")
	assert.Equal(t, 1, result.Attempts)
	assert.Greater(t, result.ExecutionTime, time.Duration(0))

	loaded, phases, err := o.Status(op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, OperationFailed, loaded.Status)
	assert.Equal(t, phase.StateFailed, phases[0].State)

	// The failure escalated to the root phase.
	root, err := o.deps.Coordinator.Get(op.RootPhase)
	require.NoError(t, err)
	assert.Equal(t, phase.StateFailed, root.State)
}

func TestStepCoordinatesHandoffToNextAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	o.RegisterAgent("PHASE_ZERO", &scriptedService{output: map[string]any{
		"plan":        "v1",
		"ambiguities": []any{"unit of the budget field"},
	}})
	o.RegisterAgent("PHASE_ONE", &scriptedService{})

	op, err := o.StartOperation(ctx, "coordinate")
	require.NoError(t, err)

	result, err := o.Step(ctx, op.OperationID)
	require.NoError(t, err)
	require.Equal(t, "success", result.Status)
	require.NotNil(t, result.Coordination)
	assert.Equal(t, water.StatusCompleted, result.Coordination.Status)
	assert.Equal(t, "PHASE_ZERO-agent", result.Coordination.FirstAgent)
	assert.Equal(t, "PHASE_ONE-agent", result.Coordination.SecondAgent)
}

func TestStepTracksDecisionHistory(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	op, err := o.StartOperation(ctx, "audited")
	require.NoError(t, err)
	_, err = o.Step(ctx, op.OperationID)
	require.NoError(t, err)

	history := o.deps.Air.GetDecisionHistory(air.HistoryFilters{Phase: "PHASE_ZERO"}, 0)
	require.Len(t, history, 1)
	assert.Equal(t, "phase_execution", history[0].DecisionType)
	assert.Equal(t, air.OutcomeSuccess, history[0].Outcome)
	assert.Equal(t, op.OperationID, history[0].OperationID)
}

func TestStepRecordsPhaseOutputs(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()
	o.RegisterAgent("PHASE_ZERO", &scriptedService{output: map[string]any{"plan": "v1"}})

	op, err := o.StartOperation(ctx, "record outputs")
	require.NoError(t, err)
	_, err = o.Step(ctx, op.OperationID)
	require.NoError(t, err)

	_, phases, err := o.Status(op.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "PHASE_ZERO", phases[0].Type)
	assert.Equal(t, map[string]any{"prompt": "record outputs"}, phases[0].Inputs)
	assert.Equal(t, map[string]any{"plan": "v1"}, phases[0].Outputs)
}

func TestConcurrentStepsShareAgentPorts(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		op, err := o.StartOperation(ctx, "parallel")
		require.NoError(t, err)
		ids[i] = op.OperationID
	}

	// Unregistered phases register their pass-through port lazily, so
	// parallel steps hit the port table at once.
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Step(ctx, id)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestLifecycleInitializeTerminate(t *testing.T) {
	o := newTestOrchestrator(t)
	o.config.CleanupInterval = 10 * time.Millisecond

	assert.Equal(t, "orchestrator", o.ResourceID())
	require.NoError(t, o.Initialize(context.Background()))
	time.Sleep(35 * time.Millisecond)
	require.NoError(t, o.Terminate(context.Background()))
	assert.True(t, o.Terminated())

	// Terminate is idempotent.
	require.NoError(t, o.Terminate(context.Background()))
}

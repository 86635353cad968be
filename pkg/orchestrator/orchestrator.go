// Package orchestrator drives whole operations through the standard
// phase sequence: it owns operation records, steps phases one at a time
// through their agents, and runs complexity and coordination checks
// around every handoff.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlab/trellis/pkg/agentport"
	"github.com/verdantlab/trellis/pkg/air"
	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/fire"
	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/monitor"
	"github.com/verdantlab/trellis/pkg/phase"
	"github.com/verdantlab/trellis/pkg/resource"
	"github.com/verdantlab/trellis/pkg/state"
	"github.com/verdantlab/trellis/pkg/water"
)

// StandardPhases is the fixed phase sequence every operation runs.
var StandardPhases = []string{
	"PHASE_ZERO", "PHASE_ONE", "PHASE_TWO", "PHASE_THREE", "PHASE_FOUR",
}

// Operation statuses.
const (
	OperationRunning   = "RUNNING"
	OperationCompleted = "COMPLETED"
	OperationFailed    = "FAILED"
)

// operationKeyPrefix is where operation records live in durable state.
const operationKeyPrefix = "operation:"

// ErrOperationNotFound is returned for unknown operation ids.
var ErrOperationNotFound = errors.New("operation not found")

// Operation is the durable record of one end-to-end run.
type Operation struct {
	OperationID string      `json:"operation_id"`
	Prompt      string      `json:"prompt"`
	RootPhase   string      `json:"root_phase"`
	PhaseIDs    []string    `json:"phase_ids"`
	Status      string      `json:"status"`
	StepsTaken  int         `json:"steps_taken"`
	LastResult  *StepResult `json:"last_result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// StepResult reports one Step call. Agent failures are values here, not
// Go errors: Status is "error" and the Error/Message/Attempts fields
// describe what happened.
type StepResult struct {
	OperationID   string         `json:"operation_id"`
	PhaseID       string         `json:"phase_id,omitempty"`
	PhaseName     string         `json:"phase_name,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	Message       string         `json:"message,omitempty"`
	Attempts      int            `json:"attempts,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Output        map[string]any `json:"output,omitempty"`
	Coordination  *water.Result  `json:"coordination,omitempty"`
}

// Config tunes the orchestrator.
type Config struct {
	Parallelism       int                   `yaml:"parallelism"`
	RetentionDays     int                   `yaml:"retention_days"`
	CleanupInterval   time.Duration         `yaml:"cleanup_interval"`
	ComplexityContext string                `yaml:"complexity_context"`
	Breaker           monitor.BreakerConfig `yaml:"breaker"`
}

// DefaultConfig returns the standard orchestrator settings.
func DefaultConfig() Config {
	return Config{
		Parallelism:       2,
		RetentionDays:     30,
		CleanupInterval:   time.Hour,
		ComplexityContext: "feature",
		Breaker:           monitor.DefaultBreakerConfig(),
	}
}

// Deps are the engines and infrastructure an orchestrator composes.
type Deps struct {
	States      *state.Manager
	EventBus    *bus.Bus
	Metrics     *metrics.Recorder
	Monitor     *monitor.Monitor
	Coordinator *phase.Coordinator
	Fire        *fire.Engine
	Air         *air.Engine
	Water       *water.Engine
	Logger      *slog.Logger
}

// Orchestrator runs operations. Step drives exactly one phase at a time
// so callers control pacing; the cleanup loop runs in the background
// between Initialize and Terminate.
type Orchestrator struct {
	*resource.Base

	config Config
	deps   Deps
	logger *slog.Logger

	portsMu sync.RWMutex
	ports   map[string]*agentport.Port

	cleanup *cleanupLoop
}

// New creates an orchestrator. Unset config fields take defaults.
func New(config Config, deps Deps) *Orchestrator {
	defaults := DefaultConfig()
	if config.Parallelism <= 0 {
		config.Parallelism = defaults.Parallelism
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = defaults.RetentionDays
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.ComplexityContext == "" {
		config.ComplexityContext = defaults.ComplexityContext
	}
	if config.Breaker.FailureThreshold == 0 {
		config.Breaker = defaults.Breaker
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		Base:   resource.NewBase("orchestrator", resource.CleanupOnShutdown, deps.EventBus, deps.Metrics),
		config: config,
		deps:   deps,
		logger: logger.With("component", "orchestrator"),
		ports:  make(map[string]*agentport.Port),
	}
	o.cleanup = newCleanupLoop(o)
	return o
}

// RegisterAgent binds an agent implementation to a phase name. Phases
// without a registered agent fall back to a pass-through agent.
func (o *Orchestrator) RegisterAgent(phaseName string, service agentport.Service) {
	o.portsMu.Lock()
	defer o.portsMu.Unlock()
	o.registerLocked(phaseName, service)
}

func (o *Orchestrator) registerLocked(phaseName string, service agentport.Service) {
	agentID := fmt.Sprintf("%s-agent", phaseName)
	o.ports[phaseName] = agentport.NewPort(agentID, service, o.deps.States, o.deps.Metrics, o.logger)
	if o.deps.Monitor != nil {
		o.deps.Monitor.Register("agent:"+agentID, o.config.Breaker)
	}
}

// StartOperation creates an operation: a running root phase plus one
// child per standard phase, queued in order.
func (o *Orchestrator) StartOperation(ctx context.Context, prompt string) (Operation, error) {
	id := uuid.New().String()
	rootID := "op-" + id

	// The root opts into FAIL so a failed step takes the whole operation
	// down; individual phases keep the default CONTINUE toward each other.
	if _, err := o.deps.Coordinator.CreatePhase(ctx, phase.Spec{
		PhaseID:        rootID,
		Name:           "operation " + id,
		OnChildFailure: phase.FailureFail,
		Inputs:         map[string]any{"prompt": prompt},
	}); err != nil {
		return Operation{}, err
	}
	if _, err := o.deps.Coordinator.Transition(ctx, rootID, phase.StateRunning, "operation started"); err != nil {
		return Operation{}, err
	}

	op := Operation{
		OperationID: id,
		Prompt:      prompt,
		RootPhase:   rootID,
		Status:      OperationRunning,
		CreatedAt:   time.Now().UTC(),
	}
	for _, name := range StandardPhases {
		pc, err := o.deps.Coordinator.CreatePhase(ctx, phase.Spec{
			PhaseID: fmt.Sprintf("%s:%s", id, name),
			Type:    name,
			Name:    name,
			Parent:  rootID,
			Inputs:  map[string]any{"prompt": prompt},
		})
		if err != nil {
			return Operation{}, err
		}
		op.PhaseIDs = append(op.PhaseIDs, pc.PhaseID)
	}

	if err := o.persist(ctx, &op); err != nil {
		return Operation{}, err
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Record("operation:start", 1, map[string]any{"operation_id": id})
	}
	o.logger.Info("operation started", "operation_id", id, "phases", len(op.PhaseIDs))
	return op, nil
}

// Status returns the operation record and its current phase contexts.
func (o *Orchestrator) Status(operationID string) (Operation, []phase.Context, error) {
	op, err := o.getOperation(operationID)
	if err != nil {
		return Operation{}, nil, err
	}
	phases := make([]phase.Context, 0, len(op.PhaseIDs))
	for _, phaseID := range op.PhaseIDs {
		pc, err := o.deps.Coordinator.Get(phaseID)
		if err != nil {
			return Operation{}, nil, err
		}
		phases = append(phases, pc)
	}
	return op, phases, nil
}

// Step advances the operation by exactly one phase. Agent failures come
// back as an "error" StepResult; the returned Go error is reserved for
// infrastructure problems (unknown operation, persistence).
func (o *Orchestrator) Step(ctx context.Context, operationID string) (StepResult, error) {
	op, err := o.getOperation(operationID)
	if err != nil {
		return StepResult{}, err
	}
	if op.Status != OperationRunning {
		return StepResult{OperationID: operationID, Status: op.Status,
			Message: "operation already finished"}, nil
	}

	pc, ok := o.nextPhase(op)
	if !ok {
		return o.finishOperation(ctx, &op)
	}
	phaseName := pc.Type
	port := o.portFor(phaseName)

	result := StepResult{
		OperationID: operationID,
		PhaseID:     pc.PhaseID,
		PhaseName:   phaseName,
		AgentID:     port.ID(),
	}

	input := o.buildInput(ctx, op, pc, phaseName)

	if _, err := o.deps.Coordinator.Transition(ctx, pc.PhaseID, phase.StateRunning, "step"); err != nil {
		return StepResult{}, err
	}

	started := time.Now()
	output, attempts, runErr := o.runAgent(ctx, port, input)
	result.Attempts = attempts
	result.ExecutionTime = time.Since(started)

	if runErr != nil {
		return o.failStep(ctx, &op, result, runErr)
	}
	result.Status = "success"
	result.Output = output

	if _, err := port.UpdateOutput(ctx, output); err != nil {
		return StepResult{}, err
	}
	if coordination, err := o.coordinateHandoff(ctx, op, pc, port, output); err == nil && coordination != nil {
		result.Coordination = coordination
	}
	if _, err := o.deps.Coordinator.Complete(ctx, pc.PhaseID, output); err != nil {
		return StepResult{}, err
	}

	o.trackStep(ctx, op, result, air.OutcomeSuccess)

	op.StepsTaken++
	op.LastResult = &result
	if err := o.persist(ctx, &op); err != nil {
		return StepResult{}, err
	}
	return result, nil
}

// nextPhase returns the first non-terminal standard phase in order.
func (o *Orchestrator) nextPhase(op Operation) (phase.Context, bool) {
	for _, phaseID := range op.PhaseIDs {
		pc, err := o.deps.Coordinator.Get(phaseID)
		if err != nil {
			continue
		}
		if !phase.Terminal(pc.State) {
			return pc, true
		}
	}
	return phase.Context{}, false
}

// buildInput assembles the agent input: the prompt, historical context,
// and a complexity analysis of the phase inputs. An over-threshold
// artifact is decomposed first and the intervention is tracked.
func (o *Orchestrator) buildInput(ctx context.Context, op Operation, pc phase.Context, phaseName string) map[string]any {
	input := map[string]any{
		"prompt":     op.Prompt,
		"phase_name": phaseName,
	}

	if o.deps.Air != nil {
		hc := o.deps.Air.ProvideContext(air.HistoryFilters{Phase: phaseName}, 5)
		input["historical_context"] = map[string]any{
			"confidence":      string(hc.Confidence),
			"events_analyzed": hc.EventsAnalyzed,
			"recommendations": hc.Recommendations,
			"cautions":        hc.CautionaryNotes,
		}
	}

	if o.deps.Fire != nil {
		analysis := o.deps.Fire.Analyze(fire.Artifact(pc.Inputs), o.config.ComplexityContext, nil)
		input["complexity"] = map[string]any{
			"score": analysis.Score, "level": string(analysis.Level),
		}
		if analysis.ExceedsThreshold {
			decomposition := o.deps.Fire.Decompose(fire.Artifact(pc.Inputs), o.config.ComplexityContext, "")
			input["decomposition"] = decomposition
			if o.deps.Air != nil {
				final := decomposition.NewScore
				_, _ = o.deps.Air.TrackIntervention(ctx, air.Intervention{
					ContextTag:    o.config.ComplexityContext,
					OriginalScore: decomposition.OriginalScore,
					FinalScore:    &final,
					Strategy:      string(decomposition.StrategyUsed),
					Success:       decomposition.Success,
					OperationID:   op.OperationID,
				})
			}
		}
	}
	return input
}

// runAgent executes the agent behind its circuit breaker with the
// standard transient-error retry schedule.
func (o *Orchestrator) runAgent(ctx context.Context, port *agentport.Port, input map[string]any) (map[string]any, int, error) {
	var output map[string]any
	attempts := 0

	call := func() error {
		attempts++
		run := func() (any, error) { return port.Process(ctx, input) }

		var raw any
		var err error
		if o.deps.Monitor != nil {
			raw, err = o.deps.Monitor.Call("agent:"+port.ID(), run)
		} else {
			raw, err = run()
		}
		if err != nil {
			return err
		}
		output, _ = raw.(map[string]any)
		return nil
	}

	if err := resource.Retry(ctx, call); err != nil {
		return nil, attempts, err
	}
	return output, attempts, nil
}

// coordinateHandoff runs a water coordination between this phase's agent
// and the next phase's agent over the produced output.
func (o *Orchestrator) coordinateHandoff(ctx context.Context, op Operation, pc phase.Context, port *agentport.Port, output map[string]any) (*water.Result, error) {
	if o.deps.Water == nil {
		return nil, nil
	}
	nextName := o.followingPhaseName(op, pc.PhaseID)
	if nextName == "" {
		return nil, nil
	}

	result, err := port.CoordinateWithNext(ctx, o.portFor(nextName), o.deps.Water, output)
	if err != nil {
		o.logger.Warn("handoff coordination failed",
			"operation_id", op.OperationID, "phase", pc.Name, "error", err)
		return nil, err
	}
	return &result, nil
}

func (o *Orchestrator) followingPhaseName(op Operation, phaseID string) string {
	for i, id := range op.PhaseIDs {
		if id == phaseID && i+1 < len(op.PhaseIDs) {
			return StandardPhases[i+1]
		}
	}
	return ""
}

// failStep records a failed step: the phase fails (the root's FAIL
// policy takes the root down with it), the operation fails, and the
// structured error result is persisted on the operation.
func (o *Orchestrator) failStep(ctx context.Context, op *Operation, result StepResult, runErr error) (StepResult, error) {
	result.Status = "error"
	result.Error = classifyError(runErr)
	result.Message = runErr.Error()

	if _, err := o.deps.Coordinator.Transition(ctx, result.PhaseID, phase.StateFailed, runErr.Error()); err != nil {
		o.logger.Error("failed phase not recorded", "phase_id", result.PhaseID, "error", err)
	}

	o.trackStep(ctx, *op, result, air.OutcomeFailure)

	op.Status = OperationFailed
	op.StepsTaken++
	op.LastResult = &result
	if err := o.persist(ctx, op); err != nil {
		return StepResult{}, err
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Record("operation:step_failed", 1, map[string]any{
			"operation_id": op.OperationID, "phase": result.PhaseName, "error": result.Error,
		})
	}
	return result, nil
}

func (o *Orchestrator) finishOperation(ctx context.Context, op *Operation) (StepResult, error) {
	if _, err := o.deps.Coordinator.Transition(ctx, op.RootPhase, phase.StateCompleted, "all phases finished"); err != nil {
		var te *phase.TransitionError
		if !errors.As(err, &te) {
			return StepResult{}, err
		}
	}
	op.Status = OperationCompleted
	if err := o.persist(ctx, op); err != nil {
		return StepResult{}, err
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Record("operation:complete", 1, map[string]any{"operation_id": op.OperationID})
	}
	o.logger.Info("operation completed", "operation_id", op.OperationID, "steps", op.StepsTaken)
	return StepResult{OperationID: op.OperationID, Status: OperationCompleted,
		Message: "all phases finished"}, nil
}

func (o *Orchestrator) trackStep(ctx context.Context, op Operation, result StepResult, outcome air.Outcome) {
	if o.deps.Air == nil {
		return
	}
	_, err := o.deps.Air.TrackDecision(ctx, air.DecisionEvent{
		DecisionAgent: result.AgentID,
		DecisionType:  "phase_execution",
		Rationale:     fmt.Sprintf("executed %s for operation %s", result.PhaseName, op.OperationID),
		Outcome:       outcome,
		PhaseContext:  result.PhaseName,
		OperationID:   op.OperationID,
	})
	if err != nil {
		o.logger.Warn("step decision not tracked", "operation_id", op.OperationID, "error", err)
	}
}

// classifyError buckets a step failure for the structured result.
func classifyError(err error) string {
	switch {
	case errors.Is(err, monitor.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, resource.ErrTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "agent_failure"
	}
}

// portFor returns the registered port for a phase, or a pass-through one.
func (o *Orchestrator) portFor(phaseName string) *agentport.Port {
	o.portsMu.RLock()
	port, ok := o.ports[phaseName]
	o.portsMu.RUnlock()
	if ok {
		return port
	}

	o.portsMu.Lock()
	defer o.portsMu.Unlock()
	if port, ok := o.ports[phaseName]; ok {
		return port
	}
	o.registerLocked(phaseName, passthroughService{})
	return o.ports[phaseName]
}

// passthroughService is the fallback agent: it echoes its input and
// answers clarifications with a fixed acknowledgement.
type passthroughService struct{}

func (passthroughService) Process(_ context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{"passthrough": true, "input": input}, nil
}

func (passthroughService) GetResponse(_ context.Context, prompt string) (string, error) {
	return "acknowledged: " + prompt, nil
}

func (o *Orchestrator) getOperation(operationID string) (Operation, error) {
	entry, err := o.deps.States.GetState(operationKeyPrefix + operationID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return Operation{}, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
		}
		return Operation{}, err
	}
	var op Operation
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return Operation{}, err
	}
	if err := json.Unmarshal(raw, &op); err != nil {
		return Operation{}, err
	}
	return op, nil
}

func (o *Orchestrator) persist(ctx context.Context, op *Operation) error {
	op.UpdatedAt = time.Now().UTC()
	key := operationKeyPrefix + op.OperationID
	if _, err := o.deps.States.SetState(ctx, key, *op, "operation", nil, "operation "+op.Status); err != nil {
		return fmt.Errorf("persist operation %s: %w", op.OperationID, err)
	}
	return nil
}

// Operations lists all known operation ids.
func (o *Orchestrator) Operations() []string {
	keys := o.deps.States.FindKeys(operationKeyPrefix)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key[len(operationKeyPrefix):])
	}
	return out
}

// Initialize launches the background cleanup loop.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.cleanup.start(ctx)
	o.Emit(bus.EventTypeResourceStateChanged, map[string]any{"state": "initialized"}, bus.PriorityNormal)
	return nil
}

// Terminate halts the cleanup loop and waits for it to exit. Safe to
// call more than once.
func (o *Orchestrator) Terminate(context.Context) error {
	if !o.MarkTerminated() {
		return nil
	}
	o.cleanup.stop()
	o.Emit(bus.EventTypeResourceStateChanged, map[string]any{"state": "terminated"}, bus.PriorityNormal)
	return nil
}

package phase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/state"
)

// Coordinator errors.
var (
	ErrPhaseNotFound      = errors.New("phase not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrUnknownDependency  = errors.New("unknown dependency")
	ErrDependencyCycle    = errors.New("dependency cycle")
)

const (
	phaseKeyPrefix      = "phase:"
	checkpointKeyPrefix = "phase_checkpoint:"
)

// Coordinator owns every phase's lifecycle. All mutations go through it;
// each accepted change is persisted to durable state before it becomes
// visible and announced on the event bus.
type Coordinator struct {
	logger   *slog.Logger
	states   *state.Manager
	eventBus *bus.Bus
	metrics  *metrics.Recorder

	mu       sync.RWMutex
	phases   map[string]*Context
	children map[string][]string // creation order
}

// NewCoordinator creates a coordinator and replays persisted phases.
func NewCoordinator(states *state.Manager, eventBus *bus.Bus, recorder *metrics.Recorder, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		logger:   logger.With("component", "phase"),
		states:   states,
		eventBus: eventBus,
		metrics:  recorder,
		phases:   make(map[string]*Context),
		children: make(map[string][]string),
	}

	for _, key := range states.FindKeys(phaseKeyPrefix) {
		entry, err := states.GetState(key)
		if err != nil {
			return nil, err
		}
		var pc Context
		if err := decodeInto(entry.Value, &pc); err != nil {
			return nil, fmt.Errorf("replay %s: %w", key, err)
		}
		c.phases[pc.PhaseID] = &pc
	}

	// Rebuild sibling order from creation timestamps.
	ordered := make([]*Context, 0, len(c.phases))
	for _, pc := range c.phases {
		ordered = append(ordered, pc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })
	for _, pc := range ordered {
		if pc.Parent != "" {
			c.children[pc.Parent] = append(c.children[pc.Parent], pc.PhaseID)
		}
	}

	if len(c.phases) > 0 {
		c.logger.Info("phases replayed", "count", len(c.phases))
	}
	return c, nil
}

// CreatePhase registers a phase. Its dependencies and parent must already
// exist and the dependency graph must stay acyclic. A phase that passes
// validation is advanced to READY before CreatePhase returns.
func (c *Coordinator) CreatePhase(ctx context.Context, spec Spec) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := spec.PhaseID
	if id == "" {
		id = uuid.New().String()
	}
	if _, exists := c.phases[id]; exists {
		return Context{}, fmt.Errorf("phase %s already exists", id)
	}
	if spec.Parent != "" {
		if _, ok := c.phases[spec.Parent]; !ok {
			return Context{}, fmt.Errorf("parent %s: %w", spec.Parent, ErrPhaseNotFound)
		}
	}
	for _, dep := range spec.DependsOn {
		if _, ok := c.phases[dep]; !ok {
			return Context{}, fmt.Errorf("dependency %s: %w", dep, ErrUnknownDependency)
		}
	}
	if c.wouldCycle(id, spec.DependsOn) {
		return Context{}, ErrDependencyCycle
	}

	policy := spec.OnChildFailure
	if policy == "" {
		policy = FailureContinue
	}
	now := time.Now().UTC()
	pc := &Context{
		PhaseID:        id,
		Type:           spec.Type,
		Name:           spec.Name,
		State:          StateInitializing,
		Parent:         spec.Parent,
		DependsOn:      slices.Clone(spec.DependsOn),
		OnChildFailure: policy,
		Inputs:         maps.Clone(spec.Inputs),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.persistLocked(ctx, pc, "phase created"); err != nil {
		return Context{}, err
	}
	c.phases[id] = pc
	if pc.Parent != "" {
		c.children[pc.Parent] = append(c.children[pc.Parent], id)
	}
	c.announce(*pc, "", "phase created")

	// Creation validated everything READY requires.
	if err := c.applyLocked(ctx, pc, StateReady, "initialization complete"); err != nil {
		return Context{}, err
	}
	return *pc, nil
}

// AddDependency makes phaseID depend on dependsOn. Both phases must
// exist, the edge must not close a cycle, and the dependent must not have
// started yet.
func (c *Coordinator) AddDependency(ctx context.Context, phaseID, dependsOn string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.phases[phaseID]
	if !ok {
		return ErrPhaseNotFound
	}
	if _, ok := c.phases[dependsOn]; !ok {
		return fmt.Errorf("dependency %s: %w", dependsOn, ErrUnknownDependency)
	}
	if pc.State != StateReady && pc.State != StateInitializing {
		return &TransitionError{PhaseID: phaseID, From: pc.State, To: pc.State,
			Reason: "dependencies are frozen once the phase starts"}
	}
	if slices.Contains(pc.DependsOn, dependsOn) {
		return nil
	}
	if phaseID == dependsOn || c.wouldCycle(phaseID, []string{dependsOn}) {
		return ErrDependencyCycle
	}

	pc.DependsOn = append(pc.DependsOn, dependsOn)
	pc.UpdatedAt = time.Now().UTC()
	return c.persistLocked(ctx, pc, "dependency added")
}

// Get returns a phase by id.
func (c *Coordinator) Get(phaseID string) (Context, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pc, ok := c.phases[phaseID]
	if !ok {
		return Context{}, ErrPhaseNotFound
	}
	return *pc, nil
}

// List returns all phases sorted by creation time.
func (c *Coordinator) List() []Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Context, 0, len(c.phases))
	for _, pc := range c.phases {
		out = append(out, *pc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Children returns a phase's direct children in creation order.
func (c *Coordinator) Children(phaseID string) []Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Context, 0, len(c.children[phaseID]))
	for _, id := range c.children[phaseID] {
		out = append(out, *c.phases[id])
	}
	return out
}

// Transition moves a phase to a new state after validating the transition
// table and the structural guards: RUNNING requires completed
// dependencies, a running parent, and first place in the sibling queue;
// COMPLETED requires every child to be terminal. A child failure
// notifies the parent, which reacts per its failure policy.
func (c *Coordinator) Transition(ctx context.Context, phaseID string, to State, reason string) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.phases[phaseID]
	if !ok {
		return Context{}, ErrPhaseNotFound
	}
	if err := c.guardLocked(pc, to); err != nil {
		return Context{}, err
	}
	if err := c.applyLocked(ctx, pc, to, reason); err != nil {
		return Context{}, err
	}

	if to == StateFailed && pc.Parent != "" {
		c.childFailedLocked(ctx, pc)
	}
	return *pc, nil
}

// Complete records the phase's outputs and moves it to COMPLETED.
func (c *Coordinator) Complete(ctx context.Context, phaseID string, outputs map[string]any) (Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc, ok := c.phases[phaseID]
	if !ok {
		return Context{}, ErrPhaseNotFound
	}
	if err := c.guardLocked(pc, StateCompleted); err != nil {
		return Context{}, err
	}

	previous := pc.Outputs
	pc.Outputs = maps.Clone(outputs)
	if err := c.applyLocked(ctx, pc, StateCompleted, "phase completed"); err != nil {
		pc.Outputs = previous
		return Context{}, err
	}
	return *pc, nil
}

func (c *Coordinator) guardLocked(pc *Context, to State) error {
	if !CanTransition(pc.State, to) {
		return &TransitionError{PhaseID: pc.PhaseID, From: pc.State, To: to, Reason: "not in transition table"}
	}

	switch to {
	case StateRunning:
		if pc.State == StatePaused {
			return nil // resume bypasses the entry guards
		}
		for _, dep := range pc.DependsOn {
			if c.phases[dep].State != StateCompleted {
				return &TransitionError{PhaseID: pc.PhaseID, From: pc.State, To: to,
					Reason: fmt.Sprintf("dependency %s not completed", dep)}
			}
		}
		if pc.Parent != "" {
			if parent := c.phases[pc.Parent]; parent.State != StateRunning {
				return &TransitionError{PhaseID: pc.PhaseID, From: pc.State, To: to,
					Reason: fmt.Sprintf("parent %s not running", pc.Parent)}
			}
			if blocker := c.queueBlockerLocked(pc); blocker != "" {
				return &TransitionError{PhaseID: pc.PhaseID, From: pc.State, To: to,
					Reason: fmt.Sprintf("sibling %s ahead in queue", blocker)}
			}
		}
	case StateCompleted:
		for _, childID := range c.children[pc.PhaseID] {
			if !Terminal(c.phases[childID].State) {
				return &TransitionError{PhaseID: pc.PhaseID, From: pc.State, To: to,
					Reason: fmt.Sprintf("child %s not terminal", childID)}
			}
		}
	}
	return nil
}

// queueBlockerLocked returns the sibling blocking pc from running: an
// earlier-created sibling that is not terminal, or any sibling currently
// active. Nested phases run one at a time in creation order.
func (c *Coordinator) queueBlockerLocked(pc *Context) string {
	for _, siblingID := range c.children[pc.Parent] {
		if siblingID == pc.PhaseID {
			return ""
		}
		sibling := c.phases[siblingID]
		if !Terminal(sibling.State) {
			return siblingID
		}
	}
	return ""
}

// childFailedLocked notifies pc's parent of the failure and applies the
// parent's policy. Only a FAIL policy keeps cascading upward.
func (c *Coordinator) childFailedLocked(ctx context.Context, pc *Context) {
	parent := c.phases[pc.Parent]

	if c.eventBus != nil {
		_ = c.eventBus.Emit(bus.EventTypeResourceStateChanged, map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"component": "phase",
			"phase_id":  parent.PhaseID,
			"event":     "child_failed",
			"child":     pc.PhaseID,
			"policy":    string(parent.OnChildFailure),
		}, bus.PriorityHigh)
	}

	var to State
	switch parent.OnChildFailure {
	case FailureFail:
		to = StateFailed
	case FailureAbort:
		to = StateAborted
	case FailurePause:
		to = StatePaused
	default:
		return
	}
	if !CanTransition(parent.State, to) {
		return
	}

	reason := fmt.Sprintf("child %s failed", pc.PhaseID)
	if err := c.applyLocked(ctx, parent, to, reason); err != nil {
		c.logger.Error("child failure policy not applied", "phase_id", parent.PhaseID, "error", err)
		return
	}
	if to == StateFailed && parent.Parent != "" {
		c.childFailedLocked(ctx, parent)
	}
}

// applyLocked persists and publishes an already validated transition.
func (c *Coordinator) applyLocked(ctx context.Context, pc *Context, to State, reason string) error {
	previous := pc.State
	pc.State = to
	pc.UpdatedAt = time.Now().UTC()
	if to == StateFailed {
		pc.Error = reason
	}
	if err := c.persistLocked(ctx, pc, reason); err != nil {
		pc.State = previous
		return err
	}

	c.announce(*pc, previous, reason)
	if c.metrics != nil {
		c.metrics.Record("phase:transition", 1, map[string]any{
			"phase_id": pc.PhaseID, "from": string(previous), "to": string(to),
		})
	}
	c.logger.Info("phase transition",
		"phase_id", pc.PhaseID, "from", previous, "to", to, "reason", reason)
	return nil
}

func (c *Coordinator) persistLocked(ctx context.Context, pc *Context, reason string) error {
	key := phaseKeyPrefix + pc.PhaseID
	if _, err := c.states.SetState(ctx, key, *pc, "phase", nil, reason); err != nil {
		return fmt.Errorf("persist phase %s: %w", pc.PhaseID, err)
	}
	return nil
}

func (c *Coordinator) announce(pc Context, previous State, reason string) {
	if c.eventBus == nil {
		return
	}
	_ = c.eventBus.Emit(bus.EventTypeResourceStateChanged, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"component": "phase",
		"phase_id":  pc.PhaseID,
		"state":     string(pc.State),
		"previous":  string(previous),
		"reason":    reason,
	}, bus.PriorityNormal)
}

// wouldCycle checks whether adding id with deps creates a cycle. Callers
// hold the lock.
func (c *Coordinator) wouldCycle(id string, deps []string) bool {
	// DFS from each dependency; reaching id again closes a cycle.
	visited := map[string]bool{}
	var visit func(string) bool
	visit = func(current string) bool {
		if current == id {
			return true
		}
		if visited[current] {
			return false
		}
		visited[current] = true
		if pc, ok := c.phases[current]; ok {
			for _, dep := range pc.DependsOn {
				if visit(dep) {
					return true
				}
			}
		}
		return false
	}
	for _, dep := range deps {
		if visit(dep) {
			return true
		}
	}
	return false
}

// Runner executes one phase's work.
type Runner func(ctx context.Context, pc Context) error

// RunReady executes every currently runnable phase with at most
// maxParallel running at once. A runner error fails its phase and is not
// returned; only persistence failures abort the sweep. Returns how many
// phases ran.
func (c *Coordinator) RunReady(ctx context.Context, runner Runner, maxParallel int) (int, error) {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	frontier := c.runnableFrontier()
	if len(frontier) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)
	for _, phaseID := range frontier {
		g.Go(func() error {
			pc, err := c.Transition(gctx, phaseID, StateRunning, "scheduled")
			if err != nil {
				// Another phase in this sweep may have failed a shared
				// parent or taken the sibling slot. Skip, not fatal.
				var te *TransitionError
				if errors.As(err, &te) {
					return nil
				}
				return err
			}
			if runErr := runner(gctx, pc); runErr != nil {
				_, err := c.Transition(gctx, phaseID, StateFailed, runErr.Error())
				return err
			}
			_, err = c.Transition(gctx, phaseID, StateCompleted, "runner finished")
			var te *TransitionError
			if errors.As(err, &te) {
				// Children still pending; the phase stays RUNNING.
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return len(frontier), err
	}
	return len(frontier), nil
}

// runnableFrontier lists READY phases whose guards currently pass.
func (c *Coordinator) runnableFrontier() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ordered := make([]*Context, 0, len(c.phases))
	for _, pc := range c.phases {
		ordered = append(ordered, pc)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	var out []string
	for _, pc := range ordered {
		if pc.State != StateReady {
			continue
		}
		if c.guardLocked(pc, StateRunning) == nil {
			out = append(out, pc.PhaseID)
		}
	}
	return out
}

func decodeInto(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

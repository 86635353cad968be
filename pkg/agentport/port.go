// Package agentport adapts a domain agent implementation to the
// coordination machinery: it answers clarification questions with a
// content-addressed cache, tracks the agent's published output, and
// applies coordination results to the downstream agent's context.
package agentport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/state"
	"github.com/verdantlab/trellis/pkg/water"
)

// Service is the behavior a domain agent must supply. Implementations
// decide what processing and clarification mean for their domain.
type Service interface {
	// Process runs the agent's work for a phase.
	Process(ctx context.Context, input map[string]any) (map[string]any, error)
	// GetResponse answers a free-form prompt, used for clarifications.
	GetResponse(ctx context.Context, prompt string) (string, error)
}

// ContextRecord is the durable per-agent context.
type ContextRecord struct {
	AgentID             string           `json:"agent_id"`
	Output              map[string]any   `json:"output,omitempty"`
	OutputHistory       []map[string]any `json:"output_history,omitempty"`
	CoordinationApplied []string         `json:"coordination_applied,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// outputHistoryCap bounds how many superseded outputs the context keeps.
const outputHistoryCap = 10

// Port wraps a Service for one named agent. It satisfies water.Agent.
type Port struct {
	id      string
	service Service
	states  *state.Manager
	metrics *metrics.Recorder
	logger  *slog.Logger

	mu           sync.Mutex
	clarifyCache map[string]string // sha256(question) -> answer
}

// NewPort creates a port for the given agent id.
func NewPort(id string, service Service, states *state.Manager, recorder *metrics.Recorder, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.Default()
	}
	return &Port{
		id:           id,
		service:      service,
		states:       states,
		metrics:      recorder,
		logger:       logger.With("agent", id),
		clarifyCache: make(map[string]string),
	}
}

// ID returns the agent id.
func (p *Port) ID() string { return p.id }

// contextKey is where this agent's latest context lives.
func (p *Port) contextKey() string {
	return "agent_context:" + p.id + ":latest"
}

// Process runs the agent's work with panic isolation. A panicking agent
// yields an error, not a crashed coordinator.
func (p *Port) Process(ctx context.Context, input map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.record("exception", map[string]any{"panic": fmt.Sprint(r)})
			p.logger.Error("agent panicked", "panic", r)
			err = fmt.Errorf("agent %s panicked: %v", p.id, r)
		}
	}()

	output, err = p.service.Process(ctx, input)
	if err != nil {
		p.record("error", map[string]any{"op": "process"})
		return nil, err
	}
	return output, nil
}

// Clarify answers a clarification question, serving repeats from a
// content-addressed cache so the underlying agent is asked a given
// question at most once.
func (p *Port) Clarify(ctx context.Context, question string) (string, error) {
	key := hashQuestion(question)

	p.mu.Lock()
	answer, ok := p.clarifyCache[key]
	p.mu.Unlock()
	if ok {
		return answer, nil
	}

	p.record("clarification_request", nil)
	answer, err := p.service.GetResponse(ctx, question)
	if err != nil {
		p.record("error", map[string]any{"op": "clarify"})
		return "", err
	}

	p.mu.Lock()
	p.clarifyCache[key] = answer
	p.mu.Unlock()

	p.record("clarification_response", nil)
	return answer, nil
}

// UpdateOutput publishes the agent's output. Publishing an output
// identical to the latest one is a no-op; otherwise the previous output
// moves into a bounded history. Returns whether anything changed.
func (p *Port) UpdateOutput(ctx context.Context, output map[string]any) (bool, error) {
	rec, err := p.loadContext()
	if err != nil {
		return false, err
	}

	if rec.Output != nil && canonical(rec.Output) == canonical(output) {
		p.logger.Debug("output unchanged, skipping update")
		return false, nil
	}

	if rec.Output != nil {
		rec.OutputHistory = append(rec.OutputHistory, rec.Output)
		if len(rec.OutputHistory) > outputHistoryCap {
			rec.OutputHistory = rec.OutputHistory[len(rec.OutputHistory)-outputHistoryCap:]
		}
	}
	rec.AgentID = p.id
	rec.Output = output
	rec.UpdatedAt = time.Now().UTC()

	if err := p.saveContext(ctx, rec, "output updated"); err != nil {
		return false, err
	}
	p.record("output_update", nil)
	return true, nil
}

// Context returns the agent's durable context. A missing context is not
// an error; it returns an empty record.
func (p *Port) Context() (ContextRecord, error) {
	return p.loadContext()
}

// CoordinateWithNext runs a handoff coordination between this agent's
// output and the next agent's current one. Anything short of outright
// failure is applied to the next agent's context so its later processing
// sees the reconciled outputs.
func (p *Port) CoordinateWithNext(ctx context.Context, next *Port, engine *water.Engine, output map[string]any) (water.Result, error) {
	p.record("coordination_start", map[string]any{"next": next.ID()})

	nextRec, err := next.loadContext()
	if err != nil {
		return water.Result{}, err
	}

	result, err := engine.Coordinate(ctx, p, next, output, nextRec.Output)
	if err != nil {
		p.record("error", map[string]any{"op": "coordinate"})
		return result, err
	}

	if result.Status != water.StatusFailed {
		if err := next.applyCoordination(ctx, result); err != nil {
			return result, err
		}
	}

	p.record("coordination_complete", map[string]any{"status": string(result.Status)})
	return result, nil
}

// applyCoordination records a coordination outcome in this agent's
// context.
func (p *Port) applyCoordination(ctx context.Context, result water.Result) error {
	rec, err := p.loadContext()
	if err != nil {
		return err
	}
	rec.AgentID = p.id
	rec.CoordinationApplied = append(rec.CoordinationApplied, result.CoordinationID)
	rec.UpdatedAt = time.Now().UTC()
	return p.saveContext(ctx, rec, "coordination applied")
}

func (p *Port) loadContext() (ContextRecord, error) {
	entry, err := p.states.GetState(p.contextKey())
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return ContextRecord{AgentID: p.id}, nil
		}
		return ContextRecord{}, err
	}

	var rec ContextRecord
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return ContextRecord{}, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return ContextRecord{}, err
	}
	return rec, nil
}

func (p *Port) saveContext(ctx context.Context, rec ContextRecord, reason string) error {
	if _, err := p.states.SetState(ctx, p.contextKey(), rec, "agent_context", nil, reason); err != nil {
		return fmt.Errorf("persist context for %s: %w", p.id, err)
	}
	return nil
}

func (p *Port) record(op string, metadata map[string]any) {
	if p.metrics != nil {
		p.metrics.Record(fmt.Sprintf("agent:%s:%s", p.id, op), 1, metadata)
	}
}

func hashQuestion(question string) string {
	sum := sha256.Sum256([]byte(question))
	return hex.EncodeToString(sum[:])
}

// canonical renders a map as deterministic JSON for equality checks.
// encoding/json sorts map keys, so equal maps render identically.
func canonical(m map[string]any) string {
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(raw)
}

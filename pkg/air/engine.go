package air

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/state"
)

// State key prefixes. One durable entry per tracked record.
const (
	decisionKeyPrefix     = "air_agent:decision_event:"
	interventionKeyPrefix = "air_agent:fire_intervention:"
	cycleKeyPrefix        = "air_agent:refinement_cycle:"
)

// defaultComplexityEstimate is returned when intervention history is too
// sparse to derive an estimate.
// TODO: replace with a weighted moving average once retention guarantees
// enough samples per context tag.
const defaultComplexityEstimate = 50.0

// minEstimateSamples is how many interventions a context tag needs before
// its history replaces the default estimate.
const minEstimateSamples = 3

// Engine is the historical context store. All reads are served from an
// in-memory index; every tracked record is mirrored to durable state
// before it becomes visible.
type Engine struct {
	logger  *slog.Logger
	states  *state.Manager
	metrics *metrics.Recorder

	mu            sync.RWMutex
	events        []DecisionEvent // oldest first
	interventions []Intervention
	cycles        []RefinementCycle
}

// NewEngine creates an engine over the given state manager and replays
// previously persisted records into the index.
func NewEngine(states *state.Manager, recorder *metrics.Recorder, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		logger:  logger.With("component", "air"),
		states:  states,
		metrics: recorder,
	}

	for _, key := range states.FindKeys(decisionKeyPrefix) {
		var event DecisionEvent
		if err := e.loadRecord(key, &event); err != nil {
			return nil, err
		}
		e.events = append(e.events, event)
	}
	for _, key := range states.FindKeys(interventionKeyPrefix) {
		var iv Intervention
		if err := e.loadRecord(key, &iv); err != nil {
			return nil, err
		}
		e.interventions = append(e.interventions, iv)
	}
	for _, key := range states.FindKeys(cycleKeyPrefix) {
		var cycle RefinementCycle
		if err := e.loadRecord(key, &cycle); err != nil {
			return nil, err
		}
		e.cycles = append(e.cycles, cycle)
	}

	sort.Slice(e.events, func(i, j int) bool { return e.events[i].Timestamp.Before(e.events[j].Timestamp) })
	sort.Slice(e.interventions, func(i, j int) bool {
		return e.interventions[i].Timestamp.Before(e.interventions[j].Timestamp)
	})
	sort.Slice(e.cycles, func(i, j int) bool { return e.cycles[i].Timestamp.Before(e.cycles[j].Timestamp) })

	e.logger.Info("historical context loaded",
		"decisions", len(e.events), "interventions", len(e.interventions), "cycles", len(e.cycles))
	return e, nil
}

func (e *Engine) loadRecord(key string, out any) error {
	entry, err := e.states.GetState(key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	return decodeInto(entry.Value, out)
}

// TrackDecision persists a decision event. Missing ids, timestamps, and
// outcomes are filled in.
func (e *Engine) TrackDecision(ctx context.Context, event DecisionEvent) (DecisionEvent, error) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Outcome == "" {
		event.Outcome = OutcomeUnknown
	}

	key := decisionKeyPrefix + event.EventID
	if _, err := e.states.SetState(ctx, key, event, "air_decision", nil, "decision tracked"); err != nil {
		return DecisionEvent{}, fmt.Errorf("persist decision %s: %w", event.EventID, err)
	}

	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Record("air:decisions_tracked", 1, map[string]any{
			"agent": event.DecisionAgent, "type": event.DecisionType,
		})
	}
	e.logger.Debug("decision tracked",
		"event_id", event.EventID, "agent", event.DecisionAgent, "type", event.DecisionType)
	return event, nil
}

// TrackIntervention persists a complexity intervention together with a
// linked decision event attributed to the complexity engine.
func (e *Engine) TrackIntervention(ctx context.Context, iv Intervention) (Intervention, error) {
	if iv.InterventionID == "" {
		iv.InterventionID = uuid.New().String()
	}
	if iv.Timestamp.IsZero() {
		iv.Timestamp = time.Now().UTC()
	}
	if iv.FinalScore != nil && iv.Reduction == nil {
		reduction := iv.OriginalScore - *iv.FinalScore
		iv.Reduction = &reduction
	}

	outcome := OutcomeFailure
	if iv.Success {
		outcome = OutcomeSuccess
	}
	decision, err := e.TrackDecision(ctx, DecisionEvent{
		DecisionAgent: "fire",
		DecisionType:  "decomposition_intervention",
		Timestamp:     iv.Timestamp,
		Rationale:     fmt.Sprintf("complexity %.1f exceeded threshold for %s", iv.OriginalScore, iv.ContextTag),
		Details:       map[string]any{"intervention_id": iv.InterventionID, "strategy": iv.Strategy},
		Outcome:       outcome,
		OperationID:   iv.OperationID,
		Lessons:       iv.Lessons,
	})
	if err != nil {
		return Intervention{}, err
	}
	iv.TriggeringDecision = decision.EventID

	key := interventionKeyPrefix + iv.InterventionID
	if _, err := e.states.SetState(ctx, key, iv, "air_intervention", nil, "intervention tracked"); err != nil {
		return Intervention{}, fmt.Errorf("persist intervention %s: %w", iv.InterventionID, err)
	}

	e.mu.Lock()
	e.interventions = append(e.interventions, iv)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Record("air:interventions_tracked", 1, map[string]any{
			"context": iv.ContextTag, "success": iv.Success,
		})
	}
	return iv, nil
}

// TrackRefinementCycle persists one refinement loop. Each cycle lands in
// the decision history too: one event for the cycle itself, plus a
// second flagging non-convergence so later pattern analysis sees it.
func (e *Engine) TrackRefinementCycle(ctx context.Context, cycle RefinementCycle) (RefinementCycle, error) {
	if cycle.CycleID == "" {
		cycle.CycleID = uuid.New().String()
	}
	if cycle.Timestamp.IsZero() {
		cycle.Timestamp = time.Now().UTC()
	}

	outcome := OutcomeFailure
	if cycle.Converged {
		outcome = OutcomeSuccess
	}
	if _, err := e.TrackDecision(ctx, DecisionEvent{
		DecisionAgent: "air",
		DecisionType:  "refinement_cycle",
		Timestamp:     cycle.Timestamp,
		Rationale: fmt.Sprintf("refined %s over %d iterations (%.1f -> %.1f)",
			cycle.ArtifactName, cycle.Iterations, cycle.InitialScore, cycle.FinalScore),
		Details:     map[string]any{"cycle_id": cycle.CycleID, "converged": cycle.Converged},
		Outcome:     outcome,
		OperationID: cycle.OperationID,
	}); err != nil {
		return RefinementCycle{}, err
	}
	if !cycle.Converged {
		if _, err := e.TrackDecision(ctx, DecisionEvent{
			DecisionAgent: "air",
			DecisionType:  "refinement_stalled",
			Timestamp:     cycle.Timestamp,
			Rationale: fmt.Sprintf("%s did not converge after %d iterations",
				cycle.ArtifactName, cycle.Iterations),
			Details:     map[string]any{"cycle_id": cycle.CycleID},
			Outcome:     OutcomeFailure,
			OperationID: cycle.OperationID,
		}); err != nil {
			return RefinementCycle{}, err
		}
	}

	key := cycleKeyPrefix + cycle.CycleID
	if _, err := e.states.SetState(ctx, key, cycle, "air_refinement", nil, "refinement cycle tracked"); err != nil {
		return RefinementCycle{}, fmt.Errorf("persist refinement cycle %s: %w", cycle.CycleID, err)
	}

	e.mu.Lock()
	e.cycles = append(e.cycles, cycle)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.Record("air:cycles_tracked", 1, map[string]any{"converged": cycle.Converged})
	}
	return cycle, nil
}

// GetDecisionHistory returns matching events, newest first. limit <= 0
// returns all matches.
func (e *Engine) GetDecisionHistory(filters HistoryFilters, limit int) []DecisionEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var cutoff time.Time
	if filters.Window > 0 {
		cutoff = time.Now().UTC().Add(-filters.Window)
	}

	out := make([]DecisionEvent, 0)
	for i := len(e.events) - 1; i >= 0; i-- {
		event := e.events[i]
		if filters.Agent != "" && event.DecisionAgent != filters.Agent {
			continue
		}
		if filters.Type != "" && event.DecisionType != filters.Type {
			continue
		}
		if filters.Phase != "" && event.PhaseContext != filters.Phase {
			continue
		}
		if !cutoff.IsZero() && event.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Interventions returns tracked interventions, newest first.
func (e *Engine) Interventions(limit int) []Intervention {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Intervention, 0)
	for i := len(e.interventions) - 1; i >= 0; i-- {
		out = append(out, e.interventions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// EstimateComplexity predicts the complexity score of the next artifact
// with the given context tag from intervention history. Sparse history
// falls back to a deterministic default rather than failing.
func (e *Engine) EstimateComplexity(contextTag string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var sum float64
	var n int
	for _, iv := range e.interventions {
		if iv.ContextTag == contextTag {
			sum += iv.OriginalScore
			n++
		}
	}
	if n < minEstimateSamples {
		return defaultComplexityEstimate
	}
	return sum / float64(n)
}

// ClearOldHistory tombstones records older than olderThan and drops them
// from the index. Returns the number of records removed.
func (e *Engine) ClearOldHistory(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	keep := e.events[:0]
	for _, event := range e.events {
		if event.Timestamp.Before(cutoff) {
			if _, err := e.states.DeleteState(ctx, decisionKeyPrefix+event.EventID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		keep = append(keep, event)
	}
	e.events = keep

	keepIv := e.interventions[:0]
	for _, iv := range e.interventions {
		if iv.Timestamp.Before(cutoff) {
			if _, err := e.states.DeleteState(ctx, interventionKeyPrefix+iv.InterventionID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		keepIv = append(keepIv, iv)
	}
	e.interventions = keepIv

	keepCycles := e.cycles[:0]
	for _, cycle := range e.cycles {
		if cycle.Timestamp.Before(cutoff) {
			if _, err := e.states.DeleteState(ctx, cycleKeyPrefix+cycle.CycleID); err != nil {
				return removed, err
			}
			removed++
			continue
		}
		keepCycles = append(keepCycles, cycle)
	}
	e.cycles = keepCycles

	if removed > 0 {
		e.logger.Info("old history cleared", "removed", removed, "older_than", olderThan)
	}
	return removed, nil
}

func decodeInto(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// rationaleStopwords are skipped when grouping by rationale keyword.
var rationaleStopwords = map[string]bool{
	"about": true, "after": true, "because": true, "before": true, "could": true,
	"should": true, "their": true, "there": true, "these": true, "those": true,
	"where": true, "which": true, "while": true, "would": true,
}

func rationaleKeywords(rationale string) []string {
	seen := map[string]bool{}
	var out []string
	for _, word := range strings.Fields(strings.ToLower(rationale)) {
		word = strings.Trim(word, ".,;:()\"'")
		if len(word) < 5 || rationaleStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		out = append(out, word)
	}
	return out
}

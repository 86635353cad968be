// Package air durably records decision events and decomposition
// interventions, mines them for success and failure patterns, and
// provides scoped historical context to decision-making agents.
package air

import "time"

// Outcome classifies how a decision turned out.
type Outcome string

// Decision outcomes.
const (
	OutcomeSuccess    Outcome = "SUCCESS"
	OutcomePartial    Outcome = "PARTIAL"
	OutcomeFailure    Outcome = "FAILURE"
	OutcomeDeferred   Outcome = "DEFERRED"
	OutcomeSuperseded Outcome = "SUPERSEDED"
	OutcomeUnknown    Outcome = "UNKNOWN"
)

// Confidence qualifies mined patterns and provided context.
type Confidence string

// Confidence levels.
const (
	ConfidenceHigh             Confidence = "HIGH"
	ConfidenceMedium           Confidence = "MEDIUM"
	ConfidenceLow              Confidence = "LOW"
	ConfidenceInsufficientData Confidence = "INSUFFICIENT_DATA"
)

// DecisionEvent records one decision made by an agent.
type DecisionEvent struct {
	EventID            string         `json:"event_id"`
	DecisionAgent      string         `json:"decision_agent"`
	DecisionType       string         `json:"decision_type"`
	Timestamp          time.Time      `json:"timestamp"`
	InputContext       map[string]any `json:"input_context,omitempty"`
	Rationale          string         `json:"rationale,omitempty"`
	Details            map[string]any `json:"details,omitempty"`
	Outcome            Outcome        `json:"outcome"`
	EffectivenessScore *float64       `json:"effectiveness_score,omitempty"`
	PhaseContext       string         `json:"phase_context,omitempty"`
	OperationID        string         `json:"operation_id,omitempty"`
	Lessons            []string       `json:"lessons,omitempty"`
	SuccessFactors     []string       `json:"success_factors,omitempty"`
	FailureFactors     []string       `json:"failure_factors,omitempty"`
}

// Intervention records one decomposition intervention by the complexity
// engine.
type Intervention struct {
	InterventionID      string    `json:"intervention_id"`
	ContextTag          string    `json:"context_tag"`
	Timestamp           time.Time `json:"timestamp"`
	OriginalScore       float64   `json:"original_score"`
	FinalScore          *float64  `json:"final_score,omitempty"`
	Reduction           *float64  `json:"reduction,omitempty"`
	Strategy            string    `json:"strategy,omitempty"`
	Success             bool      `json:"success"`
	Duration            *float64  `json:"duration,omitempty"`
	Lessons             []string  `json:"lessons,omitempty"`
	EffectiveTechniques []string  `json:"effective_techniques,omitempty"`
	Challenges          []string  `json:"challenges,omitempty"`
	OperationID         string    `json:"operation_id,omitempty"`
	TriggeringDecision  string    `json:"triggering_decision,omitempty"`
}

// RefinementCycle records one iterative refinement loop over an
// artifact, typically driven by repeated complexity interventions.
type RefinementCycle struct {
	CycleID       string    `json:"cycle_id"`
	ArtifactName  string    `json:"artifact_name"`
	Timestamp     time.Time `json:"timestamp"`
	Iterations    int       `json:"iterations"`
	InitialScore  float64   `json:"initial_score"`
	FinalScore    float64   `json:"final_score"`
	Converged     bool      `json:"converged"`
	Interventions []string  `json:"interventions,omitempty"`
	OperationID   string    `json:"operation_id,omitempty"`
	Notes         []string  `json:"notes,omitempty"`
}

// Pattern is a mined regularity over decision events.
type Pattern struct {
	PatternID   string     `json:"pattern_id"`
	Grouping    string     `json:"grouping"`
	Key         string     `json:"key"`
	Frequency   int        `json:"frequency"`
	SuccessRate float64    `json:"success_rate"`
	Confidence  Confidence `json:"confidence"`
	Description string     `json:"description"`
}

// HistoricalContext is the scoped context returned to a consumer.
type HistoricalContext struct {
	RelevantEvents     []DecisionEvent `json:"relevant_events"`
	SuccessPatterns    []Pattern       `json:"success_patterns"`
	FailurePatterns    []Pattern       `json:"failure_patterns"`
	Recommendations    []string        `json:"recommendations"`
	CautionaryNotes    []string        `json:"cautionary_notes"`
	Confidence         Confidence      `json:"confidence"`
	EventsAnalyzed     int             `json:"events_analyzed"`
	PatternsIdentified int             `json:"patterns_identified"`
}

// HistoryFilters scopes a decision-history query. Zero values match
// everything.
type HistoryFilters struct {
	Agent  string
	Type   string
	Phase  string
	Window time.Duration
}

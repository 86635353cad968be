// Package water reconciles the outputs of two agents at a handoff. A
// pluggable detector finds misunderstandings, bounded clarification
// rounds gather answers from both agents, a pluggable assessor decides
// what each round resolved, and a reconciler folds the answers into the
// final outputs.
package water

import (
	"context"
	"errors"
	"time"
)

// ErrCoordinationFailed wraps detector and assessor failures. It is
// never retried inside the engine; the caller decides.
var ErrCoordinationFailed = errors.New("water: coordination failed")

// Severity classifies a misunderstanding.
type Severity string

// Misunderstanding severities.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Status is the lifecycle state of a coordination context.
type Status string

// Coordination statuses. PARTIAL means the iteration budget ran out (or
// the assessor stopped asking) with misunderstandings still open; FAILED
// means the detector failed or a whole round produced no answers.
const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusPartial    Status = "PARTIAL"
	StatusFailed     Status = "FAILED"
)

// Mode selects when a coordination runs relative to the handoff.
type Mode string

// Coordination modes.
const (
	ModeStandard    Mode = "standard"
	ModePreventive  Mode = "preventive"
	ModeInteractive Mode = "interactive"
)

// Agent is the clarification surface a coordination needs from each side
// of a handoff.
type Agent interface {
	ID() string
	Clarify(ctx context.Context, question string) (string, error)
}

// Misunderstanding is one detected gap between the producing and
// consuming agent's reading of the handoff.
type Misunderstanding struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Severity    Severity `json:"severity"`
}

// Question is a clarification question tied to the misunderstanding it
// probes.
type Question struct {
	MisunderstandingID string `json:"misunderstanding_id"`
	Text               string `json:"text"`
}

// Exchange is one question put to one agent and what came back.
type Exchange struct {
	MisunderstandingID string        `json:"misunderstanding_id"`
	Question           string        `json:"question"`
	Agent              string        `json:"agent"`
	Answer             string        `json:"answer,omitempty"`
	Cached             bool          `json:"cached,omitempty"`
	TimedOut           bool          `json:"timed_out,omitempty"`
	Err                string        `json:"error,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// Iteration is one clarify-assess round. Indices are contiguous from 1.
type Iteration struct {
	Index           int        `json:"index"`
	Timestamp       time.Time  `json:"timestamp"`
	FirstQuestions  []Question `json:"first_questions,omitempty"`
	FirstResponses  []Exchange `json:"first_responses,omitempty"`
	SecondQuestions []Question `json:"second_questions,omitempty"`
	SecondResponses []Exchange `json:"second_responses,omitempty"`
	Resolved        []string   `json:"resolved,omitempty"`
	Unresolved      []string   `json:"unresolved,omitempty"`
}

// Result is the durable coordination context. ResolvedIDs and the
// Unresolved map are disjoint at all times.
type Result struct {
	CoordinationID    string                      `json:"coordination_id"`
	FirstAgent        string                      `json:"first_agent_id"`
	SecondAgent       string                      `json:"second_agent_id"`
	Mode              Mode                        `json:"mode"`
	MaxIterations     int                         `json:"max_iterations"`
	SeverityThreshold Severity                    `json:"severity_threshold"`
	Status            Status                      `json:"status"`
	FirstOriginal     map[string]any              `json:"first_original,omitempty"`
	SecondOriginal    map[string]any              `json:"second_original,omitempty"`
	Misunderstandings []Misunderstanding          `json:"misunderstandings,omitempty"`
	Iterations        []Iteration                 `json:"iterations,omitempty"`
	ResolvedIDs       []string                    `json:"resolved_ids,omitempty"`
	Unresolved        map[string]Misunderstanding `json:"unresolved,omitempty"`
	FirstFinal        map[string]any              `json:"first_final,omitempty"`
	SecondFinal       map[string]any              `json:"second_final,omitempty"`
	RefinementSummary string                      `json:"refinement_summary,omitempty"`
	Pruned            bool                        `json:"pruned,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
	CompletedAt       time.Time                   `json:"completed_at,omitempty"`
}

// Detector finds misunderstandings between two outputs and proposes the
// initial questions for each agent. Detectors must not mutate their
// inputs.
type Detector interface {
	Detect(ctx context.Context, first, second map[string]any) ([]Misunderstanding, []Question, []Question, error)
}

// Assessment is one round's verdict from the assessor.
type Assessment struct {
	Resolved           []string
	Unresolved         []string
	NewFirstQuestions  []Question
	NewSecondQuestions []Question
	RequireFurther     bool
}

// ResolutionAssessor judges, after each round, which open
// misunderstandings the gathered responses resolved and what to ask
// next. Assessors must not mutate their inputs.
type ResolutionAssessor interface {
	Assess(ctx context.Context, open map[string]Misunderstanding, iteration Iteration) (Assessment, error)
}

// Reconciler generates the final outputs and the refinement summary from
// a finished coordination.
type Reconciler interface {
	Reconcile(ctx context.Context, result Result) (first, second map[string]any, summary string, err error)
}

// Config bounds a coordination.
type Config struct {
	Mode              Mode          `yaml:"mode"`
	MaxIterations     int           `yaml:"max_iterations"`
	SeverityThreshold Severity      `yaml:"severity_threshold"`
	QuestionTimeout   time.Duration `yaml:"question_timeout"`
	ContextTTL        time.Duration `yaml:"context_ttl"`
}

// DefaultConfig returns the standard coordination bounds.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeStandard,
		MaxIterations:     3,
		SeverityThreshold: SeverityMedium,
		QuestionTimeout:   30 * time.Second,
		ContextTTL:        24 * time.Hour,
	}
}

// meetsThreshold reports whether severity is at or above the threshold.
// Unknown severities never meet it.
func meetsThreshold(severity, threshold Severity) bool {
	return severityRank[severity] >= severityRank[threshold] && severityRank[severity] > 0
}

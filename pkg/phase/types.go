// Package phase coordinates the lifecycle of workflow phases: a strict
// state machine per phase, a dependency DAG across phases, nested phases
// with per-parent sequencing, and subtree checkpoints for rollback.
package phase

import (
	"fmt"
	"time"
)

// State is a phase lifecycle state.
type State string

// Phase lifecycle states.
const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateRunning      State = "RUNNING"
	StatePaused       State = "PAUSED"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateAborted      State = "ABORTED"
)

// validTransitions is the full transition table. Terminal states have no
// outgoing transitions.
var validTransitions = map[State][]State{
	StateInitializing: {StateReady, StateAborted},
	StateReady:        {StateRunning, StateAborted},
	StateRunning:      {StatePaused, StateCompleted, StateFailed, StateAborted},
	StatePaused:       {StateRunning, StateAborted},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state has no outgoing transitions.
func Terminal(s State) bool {
	return len(validTransitions[s]) == 0 && s != ""
}

// FailurePolicy decides what a child phase failure does to its parent.
// The parent is always notified via event; the policy picks what it does
// beyond that.
type FailurePolicy string

// Child failure policies. The default is CONTINUE: a failed child never
// takes its parent down unless the parent opted in.
const (
	FailureContinue FailurePolicy = "CONTINUE"
	FailureFail     FailurePolicy = "FAIL"
	FailureAbort    FailurePolicy = "ABORT"
	FailurePause    FailurePolicy = "PAUSE"
)

// Context is the durable record of one phase. Inputs are set at
// creation; Outputs when the phase completes.
type Context struct {
	PhaseID        string         `json:"phase_id"`
	Type           string         `json:"phase_type,omitempty"`
	Name           string         `json:"name"`
	State          State          `json:"state"`
	Parent         string         `json:"parent,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	OnChildFailure FailurePolicy  `json:"on_child_failure,omitempty"`
	CheckpointIDs  []string       `json:"checkpoint_ids,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Spec describes a phase to create.
type Spec struct {
	PhaseID        string
	Type           string
	Name           string
	Parent         string
	DependsOn      []string
	OnChildFailure FailurePolicy
	Inputs         map[string]any
}

// CheckpointRecord captures a phase and its whole subtree so a rollback
// can restore descendants along with the phase itself.
type CheckpointRecord struct {
	CheckpointID string    `json:"checkpoint_id"`
	PhaseID      string    `json:"phase_id"`
	TakenAt      time.Time `json:"taken_at"`
	Context      Context   `json:"context"`
	Descendants  []Context `json:"descendants,omitempty"`
}

// TransitionError reports a rejected phase transition.
type TransitionError struct {
	PhaseID string
	From    State
	To      State
	Reason  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("phase %s: transition %s -> %s rejected: %s", e.PhaseID, e.From, e.To, e.Reason)
}

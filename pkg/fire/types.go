// Package fire scores the structural complexity of workflow artifacts and
// decomposes the ones that cross their threshold. It is pure computation:
// the same artifact, context tag, and thresholds always produce the same
// analysis.
package fire

// Artifact is a generic structured artifact. The engine only inspects
// well-known keys (dependencies, scope, responsibilities, interfaces,
// protocols, requirements); everything else contributes to the structure
// score.
type Artifact map[string]any

// Level classifies a complexity score.
type Level string

// Complexity levels.
const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Cause names a specific driver of complexity.
type Cause string

// Complexity causes.
const (
	CauseMultipleResponsibilities Cause = "multiple_responsibilities"
	CauseHighDependencyCount      Cause = "high_dependency_count"
	CauseCrossCuttingConcerns     Cause = "cross_cutting_concerns"
	CauseBroadScope               Cause = "broad_scope"
	CauseUnclearBoundaries        Cause = "unclear_boundaries"
	CauseNestedComplexity         Cause = "nested_complexity"
	CauseIntegrationComplexity    Cause = "integration_complexity"
	CauseConflictingRequirements  Cause = "conflicting_requirements"
)

// Strategy names a decomposition strategy.
type Strategy string

// Decomposition strategies in priority order, highest first.
const (
	StrategyResponsibilityExtraction Strategy = "responsibility_extraction"
	StrategyDependencyReduction      Strategy = "dependency_reduction"
	StrategyConcernIsolation         Strategy = "concern_isolation"
	StrategyScopeNarrowing           Strategy = "scope_narrowing"
	StrategyLayerSeparation          Strategy = "layer_separation"
	StrategyFunctionalSeparation     Strategy = "functional_separation"
)

// strategyPriority orders strategy selection. Earlier wins.
var strategyPriority = []Strategy{
	StrategyResponsibilityExtraction,
	StrategyDependencyReduction,
	StrategyConcernIsolation,
	StrategyScopeNarrowing,
	StrategyLayerSeparation,
	StrategyFunctionalSeparation,
}

// Thresholds are the level boundaries. A score below Low is LOW, below
// Medium is MEDIUM, below Critical is HIGH, and at or above Critical is
// CRITICAL.
type Thresholds struct {
	Low      float64 `yaml:"low"`
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// DefaultThresholds returns the built-in level boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{Low: 30, Medium: 60, High: 80, Critical: 95}
}

// Analysis is the result of scoring one artifact.
type Analysis struct {
	Score               float64          `json:"score"`
	Level               Level            `json:"level"`
	ExceedsThreshold    bool             `json:"exceeds_threshold"`
	Causes              []Cause          `json:"causes,omitempty"`
	ContextTag          string           `json:"context_tag"`
	RecommendedStrategy Strategy         `json:"recommended_strategy,omitempty"`
	Opportunities       []string         `json:"opportunities,omitempty"`
	Confidence          float64          `json:"confidence"`
	Urgency             string           `json:"urgency"`
	Risk                string           `json:"risk"`
	SubScores           map[string]float64 `json:"sub_scores,omitempty"`
}

// DecompositionResult reports a decomposition attempt. Failure to reduce
// complexity is a value (Success=false), not an error.
type DecompositionResult struct {
	Success            bool           `json:"success"`
	OriginalScore      float64        `json:"original_score"`
	NewScore           float64        `json:"new_score,omitempty"`
	Reduction          float64        `json:"reduction,omitempty"`
	StrategyUsed       Strategy       `json:"strategy_used,omitempty"`
	DecomposedElements []Artifact     `json:"decomposed_elements,omitempty"`
	SimplifiedArtifact Artifact       `json:"simplified_artifact,omitempty"`
	Lessons            []string       `json:"lessons,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	FollowUps          []string       `json:"follow_ups,omitempty"`
	SuccessMetrics     map[string]any `json:"success_metrics,omitempty"`
}

// weights is the per-context weight table. Weights sum to 1 and must stay
// reproducible: they are part of the engine's contract.
type weights struct {
	structure        float64
	dependencies     float64
	scope            float64
	responsibilities float64
	integration      float64
}

var weightTable = map[string]weights{
	"guideline": {structure: 0.30, dependencies: 0.20, scope: 0.20, responsibilities: 0.20, integration: 0.10},
	"feature":   {structure: 0.20, dependencies: 0.25, scope: 0.15, responsibilities: 0.25, integration: 0.15},
	"component": {structure: 0.25, dependencies: 0.25, scope: 0.10, responsibilities: 0.25, integration: 0.15},
}

var defaultWeights = weights{structure: 0.20, dependencies: 0.20, scope: 0.20, responsibilities: 0.20, integration: 0.20}

func weightsFor(contextTag string) weights {
	if w, ok := weightTable[contextTag]; ok {
		return w
	}
	return defaultWeights
}

// crossCuttingKeywords mark dependencies or responsibilities that span
// component boundaries.
var crossCuttingKeywords = []string{
	"logging", "auth", "caching", "validation", "monitoring", "security", "metrics", "tracing",
}

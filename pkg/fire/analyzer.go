package fire

import (
	"strings"
)

// Engine analyzes and decomposes artifacts. Zero-value thresholds fall
// back to the defaults.
type Engine struct {
	thresholds Thresholds
}

// NewEngine creates an engine with the given thresholds.
func NewEngine(thresholds Thresholds) *Engine {
	if thresholds.Critical == 0 {
		thresholds = DefaultThresholds()
	}
	return &Engine{thresholds: thresholds}
}

// Analyze scores an artifact for the given context tag. An empty artifact
// scores zero at LOW and never exceeds the threshold. A nil override uses
// the engine thresholds.
func (e *Engine) Analyze(artifact Artifact, contextTag string, override *Thresholds) Analysis {
	thresholds := e.thresholds
	if override != nil {
		thresholds = *override
	}

	analysis := Analysis{ContextTag: contextTag, Level: LevelLow, Urgency: "none", Risk: "low"}
	if len(artifact) == 0 {
		return analysis
	}

	sub := map[string]float64{
		"structure":        structureScore(artifact),
		"dependencies":     dependencyScore(artifact),
		"scope":            scopeScore(artifact),
		"responsibilities": responsibilityScore(artifact),
		"integration":      integrationScore(artifact),
	}
	w := weightsFor(contextTag)
	score := w.structure*sub["structure"] +
		w.dependencies*sub["dependencies"] +
		w.scope*sub["scope"] +
		w.responsibilities*sub["responsibilities"] +
		w.integration*sub["integration"]

	analysis.Score = score
	analysis.SubScores = sub
	analysis.Level = levelFor(score, thresholds)
	analysis.ExceedsThreshold = exceedsThreshold(analysis.Level, contextTag)
	analysis.Causes = identifyCauses(artifact)
	analysis.RecommendedStrategy = selectStrategy(analysis.Causes)
	analysis.Opportunities = opportunitiesFor(analysis.Causes)
	analysis.Confidence = confidenceFor(artifact)
	analysis.Urgency, analysis.Risk = urgencyRisk(analysis.Level)
	return analysis
}

// levelFor maps a score to a level. Scores between the high and critical
// boundaries stay HIGH.
func levelFor(score float64, t Thresholds) Level {
	switch {
	case score < t.Low:
		return LevelLow
	case score < t.Medium:
		return LevelMedium
	case score < t.High:
		return LevelHigh
	case score >= t.Critical:
		return LevelCritical
	default:
		return LevelHigh
	}
}

// exceedsThreshold is true for HIGH and CRITICAL everywhere; feature
// contexts also trigger on MEDIUM. Component contexts follow the
// guideline rule (HIGH only).
// TODO: the phase-two component trigger level needs confirmation; HIGH is
// the conservative reading.
func exceedsThreshold(level Level, contextTag string) bool {
	if level == LevelHigh || level == LevelCritical {
		return true
	}
	return contextTag == "feature" && level == LevelMedium
}

func structureScore(artifact Artifact) float64 {
	score := float64(len(artifact))*5 + float64(nestingDepth(artifact))*10
	return clamp(score)
}

func dependencyScore(artifact Artifact) float64 {
	return clamp(float64(len(stringList(artifact["dependencies"]))) * 8)
}

func scopeScore(artifact Artifact) float64 {
	return clamp(float64(len(stringList(artifact["scope"]))) * 10)
}

func responsibilityScore(artifact Artifact) float64 {
	return clamp(float64(len(stringList(artifact["responsibilities"]))) * 12)
}

func integrationScore(artifact Artifact) float64 {
	n := len(stringList(artifact["interfaces"])) + len(stringList(artifact["protocols"]))
	return clamp(float64(n) * 10)
}

// identifyCauses runs the per-cause sub-threshold checks. Order is fixed
// so the result is reproducible.
func identifyCauses(artifact Artifact) []Cause {
	var causes []Cause

	responsibilities := stringList(artifact["responsibilities"])
	dependencies := stringList(artifact["dependencies"])
	scope := stringList(artifact["scope"])

	if len(responsibilities) > 3 {
		causes = append(causes, CauseMultipleResponsibilities)
	}
	if len(dependencies) > 5 {
		causes = append(causes, CauseHighDependencyCount)
	}
	if containsCrossCutting(append(dependencies, responsibilities...)) {
		causes = append(causes, CauseCrossCuttingConcerns)
	}
	if len(scope) > 5 {
		causes = append(causes, CauseBroadScope)
	}
	if len(artifact) > 8 && len(responsibilities) == 0 && len(scope) == 0 {
		causes = append(causes, CauseUnclearBoundaries)
	}
	if nestingDepth(artifact) > 3 {
		causes = append(causes, CauseNestedComplexity)
	}
	if len(stringList(artifact["interfaces"]))+len(stringList(artifact["protocols"])) > 4 {
		causes = append(causes, CauseIntegrationComplexity)
	}
	if len(stringList(artifact["conflicts"])) > 0 {
		causes = append(causes, CauseConflictingRequirements)
	}
	return causes
}

// selectStrategy picks the highest-priority strategy addressing any
// identified cause.
func selectStrategy(causes []Cause) Strategy {
	addressed := map[Strategy]bool{}
	for _, cause := range causes {
		switch cause {
		case CauseMultipleResponsibilities:
			addressed[StrategyResponsibilityExtraction] = true
		case CauseHighDependencyCount:
			addressed[StrategyDependencyReduction] = true
		case CauseCrossCuttingConcerns:
			addressed[StrategyConcernIsolation] = true
		case CauseBroadScope:
			addressed[StrategyScopeNarrowing] = true
		case CauseUnclearBoundaries, CauseNestedComplexity:
			addressed[StrategyLayerSeparation] = true
		case CauseIntegrationComplexity, CauseConflictingRequirements:
			addressed[StrategyFunctionalSeparation] = true
		}
	}
	for _, strategy := range strategyPriority {
		if addressed[strategy] {
			return strategy
		}
	}
	return ""
}

func opportunitiesFor(causes []Cause) []string {
	var out []string
	for _, cause := range causes {
		switch cause {
		case CauseMultipleResponsibilities:
			out = append(out, "split responsibilities into focused artifacts")
		case CauseHighDependencyCount:
			out = append(out, "group dependencies behind abstractions")
		case CauseCrossCuttingConcerns:
			out = append(out, "isolate cross-cutting concerns")
		case CauseBroadScope:
			out = append(out, "defer non-core scope items")
		case CauseNestedComplexity:
			out = append(out, "flatten nested structure into layers")
		case CauseIntegrationComplexity:
			out = append(out, "consolidate integration surfaces")
		}
	}
	return out
}

// confidenceFor grows with the number of recognized fields present.
func confidenceFor(artifact Artifact) float64 {
	known := 0
	for _, key := range []string{"dependencies", "scope", "responsibilities", "interfaces", "protocols"} {
		if _, ok := artifact[key]; ok {
			known++
		}
	}
	return 0.5 + float64(known)*0.1
}

func urgencyRisk(level Level) (string, string) {
	switch level {
	case LevelCritical:
		return "immediate", "high"
	case LevelHigh:
		return "high", "high"
	case LevelMedium:
		return "medium", "medium"
	default:
		return "low", "low"
	}
}

func containsCrossCutting(items []string) bool {
	for _, item := range items {
		lower := strings.ToLower(item)
		for _, keyword := range crossCuttingKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
	}
	return false
}

// nestingDepth returns the deepest map/list nesting in the artifact.
func nestingDepth(value any) int {
	switch v := value.(type) {
	case Artifact:
		return nestingDepth(map[string]any(v))
	case map[string]any:
		deepest := 0
		for _, child := range v {
			if d := nestingDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	case []any:
		deepest := 0
		for _, child := range v {
			if d := nestingDepth(child); d > deepest {
				deepest = d
			}
		}
		return deepest + 1
	default:
		return 0
	}
}

// stringList coerces list-shaped artifact values to strings.
func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func clamp(score float64) float64 {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

package fire

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func overloadedArtifact() Artifact {
	responsibilities := make([]string, 10)
	for i := range responsibilities {
		responsibilities[i] = fmt.Sprintf("handle concern %d", i)
	}
	dependencies := make([]string, 12)
	for i := range dependencies {
		dependencies[i] = fmt.Sprintf("dep-%d", i)
	}
	return Artifact{
		"name":             "overloaded",
		"responsibilities": responsibilities,
		"dependencies":     dependencies,
	}
}

func TestAnalyzeEmptyArtifact(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	analysis := e.Analyze(Artifact{}, "feature", nil)
	assert.Zero(t, analysis.Score)
	assert.Equal(t, LevelLow, analysis.Level)
	assert.False(t, analysis.ExceedsThreshold)
	assert.Empty(t, analysis.Causes)
}

func TestAnalyzeIsReproducible(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := overloadedArtifact()
	first := e.Analyze(artifact, "feature", nil)
	second := e.Analyze(artifact, "feature", nil)
	assert.Equal(t, first, second)
}

func TestAnalyzeIdentifiesCausesAndStrategy(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	analysis := e.Analyze(overloadedArtifact(), "feature", nil)

	assert.Contains(t, analysis.Causes, CauseMultipleResponsibilities)
	assert.Contains(t, analysis.Causes, CauseHighDependencyCount)
	// Responsibility extraction outranks dependency reduction.
	assert.Equal(t, StrategyResponsibilityExtraction, analysis.RecommendedStrategy)
	assert.True(t, analysis.ExceedsThreshold)
}

func TestFeatureContextTriggersOnMedium(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := Artifact{
		"name":             "medium",
		"responsibilities": []string{"a", "b", "c", "d"},
		"dependencies":     []string{"x", "y", "z", "w", "v", "u"},
	}

	feature := e.Analyze(artifact, "feature", nil)
	guideline := e.Analyze(artifact, "guideline", nil)

	require.Equal(t, LevelMedium, feature.Level)
	assert.True(t, feature.ExceedsThreshold)
	if guideline.Level == LevelMedium {
		assert.False(t, guideline.ExceedsThreshold)
	}
}

func TestLevelBands(t *testing.T) {
	thresholds := DefaultThresholds()
	assert.Equal(t, LevelLow, levelFor(0, thresholds))
	assert.Equal(t, LevelLow, levelFor(29.9, thresholds))
	assert.Equal(t, LevelMedium, levelFor(30, thresholds))
	assert.Equal(t, LevelHigh, levelFor(60, thresholds))
	assert.Equal(t, LevelHigh, levelFor(79.9, thresholds))
	// The band between the high and critical boundaries stays HIGH.
	assert.Equal(t, LevelHigh, levelFor(80, thresholds))
	assert.Equal(t, LevelHigh, levelFor(94.9, thresholds))
	assert.Equal(t, LevelCritical, levelFor(95, thresholds))
}

func TestClassifyChecksAreasInDeclaredOrder(t *testing.T) {
	// "display query results" matches both presentation and data words;
	// the earlier area wins, every time.
	for i := 0; i < 20; i++ {
		assert.Equal(t, "presentation", classify("display query results", layerKeywords, "business"))
		assert.Equal(t, "input", classify("read and publish totals", functionalKeywords, "processing"))
	}
	assert.Equal(t, "business", classify("unmatched item", layerKeywords, "business"))
}

func TestThresholdOverride(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := overloadedArtifact()

	strict := &Thresholds{Low: 1, Medium: 2, High: 3, Critical: 4}
	analysis := e.Analyze(artifact, "guideline", strict)
	assert.Equal(t, LevelCritical, analysis.Level)
	assert.True(t, analysis.ExceedsThreshold)
}

func TestCrossCuttingAndConflicts(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	analysis := e.Analyze(Artifact{
		"name":         "svc",
		"dependencies": []string{"logging-client", "db"},
		"conflicts":    []string{"must stream vs must batch"},
	}, "component", nil)

	assert.Contains(t, analysis.Causes, CauseCrossCuttingConcerns)
	assert.Contains(t, analysis.Causes, CauseConflictingRequirements)
}

func TestDecomposeResponsibilityExtraction(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := overloadedArtifact()

	analysis := e.Analyze(artifact, "feature", nil)
	require.True(t, analysis.ExceedsThreshold)

	result := e.Decompose(artifact, "feature", StrategyResponsibilityExtraction)
	require.True(t, result.Success)
	assert.Less(t, result.NewScore, result.OriginalScore)
	assert.GreaterOrEqual(t, len(result.DecomposedElements), 2)
	assert.Equal(t, StrategyResponsibilityExtraction, result.StrategyUsed)
	assert.InDelta(t, result.OriginalScore-result.NewScore, result.Reduction, 0.0001)

	// Siblings share the core dependencies only.
	for _, element := range result.DecomposedElements {
		assert.LessOrEqual(t, len(stringList(element["dependencies"])), coreDependencyShare)
		assert.Len(t, stringList(element["responsibilities"]), 1)
	}
}

func TestDecomposeDefaultsToRecommendedStrategy(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	result := e.Decompose(overloadedArtifact(), "feature", "")
	require.True(t, result.Success)
	assert.Equal(t, StrategyResponsibilityExtraction, result.StrategyUsed)
}

func TestDecomposeDependencyReduction(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := Artifact{
		"name":         "hub",
		"dependencies": []string{"a", "b", "c", "d", "e", "f", "g"},
	}

	result := e.Decompose(artifact, "component", StrategyDependencyReduction)
	require.True(t, result.Success)
	// ceil(7/3) = 3 groups plus the simplified artifact.
	assert.Len(t, result.DecomposedElements, 4)
	assert.Len(t, stringList(result.SimplifiedArtifact["dependencies"]), 3)
}

func TestDecomposeScopeNarrowing(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := Artifact{
		"name":  "wide",
		"scope": []string{"s1", "s2", "s3", "s4", "s5", "s6"},
	}

	result := e.Decompose(artifact, "guideline", StrategyScopeNarrowing)
	require.Len(t, result.DecomposedElements, 2)
	assert.Equal(t, true, result.DecomposedElements[1]["deferred"])
	assert.Len(t, stringList(result.DecomposedElements[0]["scope"]), 3)
}

func TestDecomposeConcernIsolation(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := Artifact{
		"name":             "svc",
		"dependencies":     []string{"logging-client", "metrics-sink", "orders-db"},
		"responsibilities": []string{"process orders", "emit audit logging"},
	}

	result := e.Decompose(artifact, "component", StrategyConcernIsolation)
	require.Len(t, result.DecomposedElements, 2)
	concerns := result.DecomposedElements[1]
	assert.ElementsMatch(t, []string{"logging-client", "metrics-sink"}, stringList(concerns["dependencies"]))
	assert.ElementsMatch(t, []string{"emit audit logging"}, stringList(concerns["responsibilities"]))
}

func TestDecomposeFailureIsValueNotError(t *testing.T) {
	e := NewEngine(DefaultThresholds())

	// Nothing to extract: a single responsibility cannot be split.
	result := e.Decompose(Artifact{
		"name":             "tiny",
		"responsibilities": []string{"only one"},
	}, "feature", StrategyResponsibilityExtraction)

	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Warnings)
	assert.Zero(t, result.Reduction)
}

func TestDecomposeLayerSeparation(t *testing.T) {
	e := NewEngine(DefaultThresholds())
	artifact := Artifact{
		"name": "monolith",
		"responsibilities": []string{
			"render dashboard view",
			"calculate billing rules",
			"persist invoices to database",
		},
	}

	result := e.Decompose(artifact, "component", StrategyLayerSeparation)
	require.Len(t, result.DecomposedElements, 3)
	layers := []string{}
	for _, element := range result.DecomposedElements {
		layers = append(layers, element["layer"].(string))
	}
	assert.Equal(t, []string{"presentation", "business", "data"}, layers)
}

package fire

import (
	"fmt"
	"strings"
)

// coreDependencyShare is how many of the original dependencies extracted
// siblings keep as their shared core.
const coreDependencyShare = 3

// dependencyGroupSize is the target size of one dependency group behind a
// single abstraction.
const dependencyGroupSize = 3

// Decompose applies a strategy to the artifact and re-scores the result.
// When strategy is empty the engine chooses by the standard priority.
// A transformation that does not lower the score reports Success=false
// with a warning instead of an error.
func (e *Engine) Decompose(artifact Artifact, contextTag string, strategy Strategy) DecompositionResult {
	original := e.Analyze(artifact, contextTag, nil)
	result := DecompositionResult{
		OriginalScore: original.Score,
		SuccessMetrics: map[string]any{
			"original_level": string(original.Level),
		},
	}

	if strategy == "" {
		strategy = original.RecommendedStrategy
	}
	if strategy == "" {
		result.Warnings = append(result.Warnings, "no applicable decomposition strategy for artifact")
		return result
	}
	result.StrategyUsed = strategy

	var elements []Artifact
	switch strategy {
	case StrategyResponsibilityExtraction:
		elements = extractResponsibilities(artifact)
	case StrategyDependencyReduction:
		elements = reduceDependencies(artifact)
	case StrategyConcernIsolation:
		elements = isolateConcerns(artifact)
	case StrategyScopeNarrowing:
		elements = narrowScope(artifact)
	case StrategyLayerSeparation:
		elements = separateLayers(artifact)
	case StrategyFunctionalSeparation:
		elements = separateFunctions(artifact)
	default:
		result.Warnings = append(result.Warnings, fmt.Sprintf("unknown strategy %q", strategy))
		return result
	}

	if len(elements) < 2 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("strategy %s produced no decomposition", strategy))
		return result
	}

	// The transformed artifact is as complex as its most complex element.
	newScore := 0.0
	for _, element := range elements {
		if score := e.Analyze(element, contextTag, nil).Score; score > newScore {
			newScore = score
		}
	}

	result.DecomposedElements = elements
	result.SimplifiedArtifact = elements[0]
	result.NewScore = newScore
	result.SuccessMetrics["element_count"] = len(elements)

	if newScore >= original.Score {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("decomposition did not reduce complexity (%.1f -> %.1f)", original.Score, newScore))
		return result
	}

	result.Success = true
	result.Reduction = original.Score - newScore
	result.Lessons = append(result.Lessons,
		fmt.Sprintf("%s reduced complexity by %.1f points", strategy, result.Reduction))
	if len(elements) > 4 {
		result.FollowUps = append(result.FollowUps,
			"review decomposed elements for further consolidation")
	}
	return result
}

// extractResponsibilities splits each enumerated responsibility into a
// sibling artifact sharing the core dependencies.
func extractResponsibilities(artifact Artifact) []Artifact {
	responsibilities := stringList(artifact["responsibilities"])
	if len(responsibilities) < 2 {
		return nil
	}

	dependencies := stringList(artifact["dependencies"])
	core := dependencies
	if len(core) > coreDependencyShare {
		core = core[:coreDependencyShare]
	}

	elements := make([]Artifact, 0, len(responsibilities))
	for _, responsibility := range responsibilities {
		elements = append(elements, Artifact{
			"name":             fmt.Sprintf("%s_%s", artifactName(artifact), slug(responsibility)),
			"responsibilities": []string{responsibility},
			"dependencies":     append([]string{}, core...),
		})
	}
	return elements
}

// reduceDependencies groups dependencies and introduces one abstraction
// per group.
func reduceDependencies(artifact Artifact) []Artifact {
	dependencies := stringList(artifact["dependencies"])
	if len(dependencies) <= dependencyGroupSize {
		return nil
	}

	var abstractions []string
	elements := []Artifact{}
	for i := 0; i < len(dependencies); i += dependencyGroupSize {
		end := i + dependencyGroupSize
		if end > len(dependencies) {
			end = len(dependencies)
		}
		name := fmt.Sprintf("%s_facade_%d", artifactName(artifact), len(abstractions)+1)
		abstractions = append(abstractions, name)
		elements = append(elements, Artifact{
			"name":         name,
			"dependencies": append([]string{}, dependencies[i:end]...),
		})
	}

	simplified := cloneWithout(artifact, "dependencies")
	simplified["dependencies"] = abstractions
	return append([]Artifact{simplified}, elements...)
}

// isolateConcerns extracts cross-cutting dependencies and
// responsibilities into a dedicated sibling.
func isolateConcerns(artifact Artifact) []Artifact {
	var concerns, kept []string
	for _, item := range stringList(artifact["dependencies"]) {
		if containsCrossCutting([]string{item}) {
			concerns = append(concerns, item)
		} else {
			kept = append(kept, item)
		}
	}
	var concernResponsibilities, keptResponsibilities []string
	for _, item := range stringList(artifact["responsibilities"]) {
		if containsCrossCutting([]string{item}) {
			concernResponsibilities = append(concernResponsibilities, item)
		} else {
			keptResponsibilities = append(keptResponsibilities, item)
		}
	}
	if len(concerns)+len(concernResponsibilities) == 0 {
		return nil
	}

	simplified := cloneWithout(artifact, "dependencies", "responsibilities")
	simplified["dependencies"] = kept
	simplified["responsibilities"] = keptResponsibilities

	return []Artifact{simplified, {
		"name":             artifactName(artifact) + "_concerns",
		"dependencies":     concerns,
		"responsibilities": concernResponsibilities,
	}}
}

// narrowScope partitions scope into a core half kept by the artifact and
// a deferred sibling.
func narrowScope(artifact Artifact) []Artifact {
	scope := stringList(artifact["scope"])
	if len(scope) < 2 {
		return nil
	}
	mid := (len(scope) + 1) / 2

	simplified := cloneWithout(artifact, "scope")
	simplified["scope"] = append([]string{}, scope[:mid]...)

	return []Artifact{simplified, {
		"name":     artifactName(artifact) + "_deferred",
		"scope":    append([]string{}, scope[mid:]...),
		"deferred": true,
	}}
}

// keywordArea pairs a classification bucket with its trigger words.
// Slices, not a map, so classification order is stable.
type keywordArea struct {
	name  string
	words []string
}

var layerKeywords = []keywordArea{
	{"presentation", []string{"ui", "view", "display", "render", "present", "format"}},
	{"business", []string{"logic", "rule", "process", "calculate", "decide", "policy"}},
	{"data", []string{"store", "persist", "query", "database", "cache", "repository"}},
}

// separateLayers partitions responsibilities by presentation, business,
// and data keywords. Unmatched items stay in the business layer.
func separateLayers(artifact Artifact) []Artifact {
	responsibilities := stringList(artifact["responsibilities"])
	if len(responsibilities) < 2 {
		return nil
	}

	layers := map[string][]string{}
	for _, responsibility := range responsibilities {
		layer := classify(responsibility, layerKeywords, "business")
		layers[layer] = append(layers[layer], responsibility)
	}
	if len(layers) < 2 {
		return nil
	}

	elements := make([]Artifact, 0, len(layers))
	for _, layer := range []string{"presentation", "business", "data"} {
		if items := layers[layer]; len(items) > 0 {
			elements = append(elements, Artifact{
				"name":             fmt.Sprintf("%s_%s", artifactName(artifact), layer),
				"layer":            layer,
				"responsibilities": items,
			})
		}
	}
	return elements
}

var functionalKeywords = []keywordArea{
	{"input", []string{"input", "ingest", "receive", "parse", "read"}},
	{"processing", []string{"process", "transform", "analyze", "compute", "enrich"}},
	{"output", []string{"output", "emit", "publish", "write", "notify", "report"}},
}

// separateFunctions splits responsibilities and scope items by
// functional-area keywords.
func separateFunctions(artifact Artifact) []Artifact {
	items := append(stringList(artifact["responsibilities"]), stringList(artifact["scope"])...)
	if len(items) < 2 {
		return nil
	}

	areas := map[string][]string{}
	for _, item := range items {
		area := classify(item, functionalKeywords, "processing")
		areas[area] = append(areas[area], item)
	}
	if len(areas) < 2 {
		return nil
	}

	elements := make([]Artifact, 0, len(areas))
	for _, area := range []string{"input", "processing", "output"} {
		if matched := areas[area]; len(matched) > 0 {
			elements = append(elements, Artifact{
				"name":             fmt.Sprintf("%s_%s", artifactName(artifact), area),
				"functional_area":  area,
				"responsibilities": matched,
			})
		}
	}
	return elements
}

func classify(item string, keywords []keywordArea, fallback string) string {
	lower := strings.ToLower(item)
	for _, area := range keywords {
		for _, word := range area.words {
			if strings.Contains(lower, word) {
				return area.name
			}
		}
	}
	return fallback
}

func artifactName(artifact Artifact) string {
	if name, ok := artifact["name"].(string); ok && name != "" {
		return slug(name)
	}
	return "artifact"
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, s)
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return strings.Trim(s, "_")
}

func cloneWithout(artifact Artifact, exclude ...string) Artifact {
	out := make(Artifact, len(artifact))
	for key, value := range artifact {
		skip := false
		for _, ex := range exclude {
			if key == ex {
				skip = true
				break
			}
		}
		if !skip {
			out[key] = value
		}
	}
	return out
}

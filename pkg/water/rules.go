package water

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"

	"dario.cat/mergo"
)

// RuleDetector is the built-in detector. It reads declared trouble spots
// out of the producing agent's output: every entry under "ambiguities"
// is a misunderstanding, and every entry under "conflicts" is a HIGH
// one. Each misunderstanding yields one question for each agent.
type RuleDetector struct{}

// Detect implements Detector.
func (d *RuleDetector) Detect(_ context.Context, first, _ map[string]any) ([]Misunderstanding, []Question, []Question, error) {
	severity := SeverityMedium
	if s, ok := first["severity"].(string); ok && severityRank[Severity(s)] > 0 {
		severity = Severity(s)
	}

	var out []Misunderstanding
	for i, item := range stringList(first["ambiguities"]) {
		out = append(out, Misunderstanding{
			ID:          fmt.Sprintf("ambiguity-%d", i+1),
			Description: item,
			Category:    "ambiguity",
			Severity:    severity,
		})
	}
	for i, item := range stringList(first["conflicts"]) {
		out = append(out, Misunderstanding{
			ID:          fmt.Sprintf("conflict-%d", i+1),
			Description: item,
			Category:    "conflict",
			Severity:    SeverityHigh,
		})
	}

	var firstQuestions, secondQuestions []Question
	for _, m := range out {
		q := Question{
			MisunderstandingID: m.ID,
			Text:               fmt.Sprintf("clarify %s: %s", m.Category, m.Description),
		}
		firstQuestions = append(firstQuestions, q)
		secondQuestions = append(secondQuestions, q)
	}
	return out, firstQuestions, secondQuestions, nil
}

// RuleAssessor is the built-in assessor: a misunderstanding is resolved
// once any agent answered a question probing it. It asks no new
// questions; the engine re-asks the open ones, served from the cache.
type RuleAssessor struct{}

// Assess implements ResolutionAssessor.
func (a *RuleAssessor) Assess(_ context.Context, open map[string]Misunderstanding, iteration Iteration) (Assessment, error) {
	answered := map[string]bool{}
	for _, responses := range [][]Exchange{iteration.FirstResponses, iteration.SecondResponses} {
		for _, exchange := range responses {
			if exchange.Answer != "" {
				answered[exchange.MisunderstandingID] = true
			}
		}
	}

	var assessment Assessment
	for _, id := range openIDs(open) {
		if answered[id] {
			assessment.Resolved = append(assessment.Resolved, id)
		} else {
			assessment.Unresolved = append(assessment.Unresolved, id)
		}
	}
	assessment.RequireFurther = len(assessment.Unresolved) > 0
	return assessment, nil
}

// MergeReconciler is the built-in reconciler: answered exchanges become
// entries under "clarifications" merged into both finals, keyed by
// question. The consuming agent's answer wins when both sides answered.
type MergeReconciler struct{}

// Reconcile implements Reconciler.
func (r *MergeReconciler) Reconcile(_ context.Context, result Result) (map[string]any, map[string]any, string, error) {
	clarifications := map[string]any{}
	for _, iteration := range result.Iterations {
		for _, exchange := range iteration.SecondResponses {
			if exchange.Answer != "" {
				clarifications[exchange.Question] = exchange.Answer
			}
		}
		for _, exchange := range iteration.FirstResponses {
			if exchange.Answer != "" {
				if _, ok := clarifications[exchange.Question]; !ok {
					clarifications[exchange.Question] = exchange.Answer
				}
			}
		}
	}

	first := maps.Clone(result.FirstOriginal)
	second := maps.Clone(result.SecondOriginal)
	if first == nil {
		first = map[string]any{}
	}
	if second == nil {
		second = map[string]any{}
	}
	overlay := map[string]any{"clarifications": clarifications}
	if err := mergo.Merge(&first, overlay, mergo.WithOverride); err != nil {
		return nil, nil, "", err
	}
	if err := mergo.Merge(&second, overlay, mergo.WithOverride); err != nil {
		return nil, nil, "", err
	}

	resolved := append([]string(nil), result.ResolvedIDs...)
	sort.Strings(resolved)
	summary := fmt.Sprintf("resolved %d of %d misunderstandings %v; merged %d clarifications into both outputs",
		len(resolved), len(result.Misunderstandings), resolved, len(clarifications))
	return first, second, summary, nil
}

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

func decodeInto(value any, out any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

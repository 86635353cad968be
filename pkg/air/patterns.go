package air

import (
	"fmt"
	"sort"
)

// Pattern groupings, in the order they are mined.
const (
	GroupingDecisionType     = "decision_type"
	GroupingAgent            = "agent"
	GroupingPhase            = "phase"
	GroupingRationaleKeyword = "rationale_keyword"
	GroupingHourOfDay        = "hour_of_day"
)

// Confidence ladder: patterns below minPatternFrequency are not reported
// at all; HIGH additionally requires corroboration from a second grouping.
const (
	minPatternFrequency    = 3
	mediumPatternFrequency = 5
	highPatternFrequency   = 10
)

// successRateHigh and successRateLow split patterns into success and
// failure patterns for context building.
const (
	successRateHigh = 0.7
	successRateLow  = 0.3
)

// AnalyzePatterns mines the decision history for recurring groups. Each
// grouping contributes patterns for groups seen at least three times;
// confidence grows with frequency, and HIGH requires a second grouping
// with a strong pattern agreeing on the success direction.
func (e *Engine) AnalyzePatterns() []Pattern {
	e.mu.RLock()
	events := make([]DecisionEvent, len(e.events))
	copy(events, e.events)
	e.mu.RUnlock()

	groups := map[string]map[string][]DecisionEvent{
		GroupingDecisionType:     {},
		GroupingAgent:            {},
		GroupingPhase:            {},
		GroupingRationaleKeyword: {},
		GroupingHourOfDay:        {},
	}
	for _, event := range events {
		if event.DecisionType != "" {
			groups[GroupingDecisionType][event.DecisionType] = append(groups[GroupingDecisionType][event.DecisionType], event)
		}
		if event.DecisionAgent != "" {
			groups[GroupingAgent][event.DecisionAgent] = append(groups[GroupingAgent][event.DecisionAgent], event)
		}
		if event.PhaseContext != "" {
			groups[GroupingPhase][event.PhaseContext] = append(groups[GroupingPhase][event.PhaseContext], event)
		}
		for _, keyword := range rationaleKeywords(event.Rationale) {
			groups[GroupingRationaleKeyword][keyword] = append(groups[GroupingRationaleKeyword][keyword], event)
		}
		hour := fmt.Sprintf("%02d", event.Timestamp.UTC().Hour())
		groups[GroupingHourOfDay][hour] = append(groups[GroupingHourOfDay][hour], event)
	}

	var patterns []Pattern
	for _, grouping := range []string{
		GroupingDecisionType, GroupingAgent, GroupingPhase, GroupingRationaleKeyword, GroupingHourOfDay,
	} {
		for key, members := range groups[grouping] {
			if len(members) < minPatternFrequency {
				continue
			}
			patterns = append(patterns, Pattern{
				PatternID:   fmt.Sprintf("%s:%s", grouping, key),
				Grouping:    grouping,
				Key:         key,
				Frequency:   len(members),
				SuccessRate: successRate(members),
			})
		}
	}

	// Confidence pass. HIGH needs a second strong grouping agreeing on the
	// direction; an uncorroborated frequent pattern stays MEDIUM.
	for i := range patterns {
		p := &patterns[i]
		switch {
		case p.Frequency >= highPatternFrequency && corroborated(*p, patterns):
			p.Confidence = ConfidenceHigh
		case p.Frequency >= mediumPatternFrequency:
			p.Confidence = ConfidenceMedium
		default:
			p.Confidence = ConfidenceLow
		}
		p.Description = describePattern(*p)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		return patterns[i].PatternID < patterns[j].PatternID
	})
	return patterns
}

// successRate is the share of SUCCESS among outcome-bearing events.
// UNKNOWN and DEFERRED outcomes count toward frequency but not the rate.
func successRate(events []DecisionEvent) float64 {
	successes, total := 0, 0
	for _, event := range events {
		switch event.Outcome {
		case OutcomeSuccess:
			successes++
			total++
		case OutcomeFailure, OutcomePartial, OutcomeSuperseded:
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(successes) / float64(total)
}

func corroborated(p Pattern, all []Pattern) bool {
	for _, other := range all {
		if other.Grouping == p.Grouping || other.Frequency < highPatternFrequency {
			continue
		}
		if (other.SuccessRate >= 0.5) == (p.SuccessRate >= 0.5) {
			return true
		}
	}
	return false
}

func describePattern(p Pattern) string {
	return fmt.Sprintf("%s %q seen %d times with %.0f%% success",
		p.Grouping, p.Key, p.Frequency, p.SuccessRate*100)
}

// ProvideContext builds historical context scoped by filters. It never
// fails: sparse or missing history degrades confidence, not availability,
// so consumers always get a usable (possibly empty) context.
func (e *Engine) ProvideContext(filters HistoryFilters, limit int) HistoricalContext {
	if limit <= 0 {
		limit = 10
	}
	events := e.GetDecisionHistory(filters, limit)
	patterns := e.AnalyzePatterns()

	hc := HistoricalContext{
		RelevantEvents:     events,
		EventsAnalyzed:     len(events),
		PatternsIdentified: len(patterns),
		Confidence:         ConfidenceInsufficientData,
	}

	for _, p := range patterns {
		switch {
		case p.SuccessRate >= successRateHigh:
			hc.SuccessPatterns = append(hc.SuccessPatterns, p)
			hc.Recommendations = append(hc.Recommendations,
				fmt.Sprintf("favor %s %q (%.0f%% success over %d decisions)",
					p.Grouping, p.Key, p.SuccessRate*100, p.Frequency))
		case p.SuccessRate <= successRateLow:
			hc.FailurePatterns = append(hc.FailurePatterns, p)
			hc.CautionaryNotes = append(hc.CautionaryNotes,
				fmt.Sprintf("%s %q has a poor record (%.0f%% success over %d decisions)",
					p.Grouping, p.Key, p.SuccessRate*100, p.Frequency))
		}
		if confidenceRank(p.Confidence) > confidenceRank(hc.Confidence) {
			hc.Confidence = p.Confidence
		}
	}

	if len(events) < minPatternFrequency {
		hc.Confidence = ConfidenceInsufficientData
		hc.CautionaryNotes = append(hc.CautionaryNotes,
			fmt.Sprintf("only %d matching decisions on record; treat recommendations as provisional", len(events)))
	}

	if e.metrics != nil {
		e.metrics.Record("air:context_requests", 1, map[string]any{
			"confidence": string(hc.Confidence), "events": len(events),
		})
	}
	return hc
}

func confidenceRank(c Confidence) int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

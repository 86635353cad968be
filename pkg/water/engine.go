package water

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/state"
)

// coordinationKeyPrefix is where coordination records live in durable
// state.
const coordinationKeyPrefix = "water_agent:coordination:"

// Engine runs handoff coordinations. Safe for concurrent use; each
// coordination keeps its own clarification cache.
type Engine struct {
	logger     *slog.Logger
	states     *state.Manager
	metrics    *metrics.Recorder
	eventBus   *bus.Bus
	detector   Detector
	assessor   ResolutionAssessor
	reconciler Reconciler
	config     Config
}

// NewEngine creates a coordination engine. The event bus may be nil. Nil
// detector, assessor, and reconciler fall back to the built-in
// rule-based implementations.
func NewEngine(states *state.Manager, recorder *metrics.Recorder, eventBus *bus.Bus, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.Mode == "" {
		config.Mode = defaults.Mode
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.SeverityThreshold == "" {
		config.SeverityThreshold = defaults.SeverityThreshold
	}
	if config.QuestionTimeout <= 0 {
		config.QuestionTimeout = defaults.QuestionTimeout
	}
	if config.ContextTTL <= 0 {
		config.ContextTTL = defaults.ContextTTL
	}
	return &Engine{
		logger:     logger.With("component", "water"),
		states:     states,
		metrics:    recorder,
		eventBus:   eventBus,
		detector:   &RuleDetector{},
		assessor:   &RuleAssessor{},
		reconciler: &MergeReconciler{},
		config:     config,
	}
}

// SetDetector replaces the misunderstanding detector.
func (e *Engine) SetDetector(d Detector) {
	if d != nil {
		e.detector = d
	}
}

// SetAssessor replaces the resolution assessor.
func (e *Engine) SetAssessor(a ResolutionAssessor) {
	if a != nil {
		e.assessor = a
	}
}

// SetReconciler replaces the reconciler.
func (e *Engine) SetReconciler(r Reconciler) {
	if r != nil {
		e.reconciler = r
	}
}

// Coordinate reconciles the outputs of two agents at a handoff. The
// detector runs once; clarify-assess rounds follow until every open
// misunderstanding is resolved (COMPLETED), the assessor stops asking or
// the budget runs out (PARTIAL), or a whole round yields no answers
// (FAILED). A failed coordination carries the originals as its finals.
// Every state change is persisted; the returned error is reserved for
// detector/assessor faults (wrapping ErrCoordinationFailed) and
// persistence problems.
func (e *Engine) Coordinate(ctx context.Context, first, second Agent, firstOutput, secondOutput map[string]any) (Result, error) {
	now := time.Now().UTC()
	c := Result{
		CoordinationID:    uuid.New().String(),
		FirstAgent:        first.ID(),
		SecondAgent:       second.ID(),
		Mode:              e.config.Mode,
		MaxIterations:     e.config.MaxIterations,
		SeverityThreshold: e.config.SeverityThreshold,
		Status:            StatusCreated,
		FirstOriginal:     firstOutput,
		SecondOriginal:    secondOutput,
		Unresolved:        map[string]Misunderstanding{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	log := e.logger.With("coordination_id", c.CoordinationID,
		"first", c.FirstAgent, "second", c.SecondAgent)
	log.Info("coordination started")

	if err := e.persist(ctx, &c, "coordination created"); err != nil {
		return c, err
	}

	detected, firstQuestions, secondQuestions, err := e.detector.Detect(ctx, firstOutput, secondOutput)
	if err != nil {
		if ferr := e.fail(ctx, &c, "detector failed"); ferr != nil {
			return c, ferr
		}
		return c, fmt.Errorf("%w: detector: %v", ErrCoordinationFailed, err)
	}

	for _, m := range detected {
		if meetsThreshold(m.Severity, e.config.SeverityThreshold) {
			c.Misunderstandings = append(c.Misunderstandings, m)
			c.Unresolved[m.ID] = m
		}
	}
	if len(c.Misunderstandings) == 0 {
		c.FirstFinal = firstOutput
		c.SecondFinal = secondOutput
		return c, e.finish(ctx, &c, StatusCompleted)
	}

	c.Status = StatusInProgress
	if err := e.persist(ctx, &c, "misunderstandings detected"); err != nil {
		return c, err
	}

	cache := newAnswerCache()
	pendingFirst := questionsFor(firstQuestions, c.Unresolved)
	pendingSecond := questionsFor(secondQuestions, c.Unresolved)

	for index := 1; index <= c.MaxIterations; index++ {
		it := Iteration{
			Index:           index,
			Timestamp:       time.Now().UTC(),
			FirstQuestions:  pendingFirst,
			SecondQuestions: pendingSecond,
		}
		it.FirstResponses, it.SecondResponses = e.clarifyRound(ctx, first, second, pendingFirst, pendingSecond, cache)

		if allTimedOut(it.FirstResponses, it.SecondResponses) {
			it.Unresolved = openIDs(c.Unresolved)
			c.Iterations = append(c.Iterations, it)
			c.FirstFinal = firstOutput
			c.SecondFinal = secondOutput
			log.Warn("coordination failed, no clarification answered", "iteration", index)
			return c, e.finish(ctx, &c, StatusFailed)
		}

		assessment, err := e.assessor.Assess(ctx, c.Unresolved, it)
		if err != nil {
			c.Iterations = append(c.Iterations, it)
			if ferr := e.fail(ctx, &c, "assessor failed"); ferr != nil {
				return c, ferr
			}
			return c, fmt.Errorf("%w: assessor: %v", ErrCoordinationFailed, err)
		}

		it.Resolved = assessment.Resolved
		it.Unresolved = assessment.Unresolved
		for _, id := range assessment.Resolved {
			if _, open := c.Unresolved[id]; open {
				delete(c.Unresolved, id)
				c.ResolvedIDs = append(c.ResolvedIDs, id)
			}
		}
		c.Iterations = append(c.Iterations, it)
		if err := e.persist(ctx, &c, fmt.Sprintf("iteration %d assessed", index)); err != nil {
			return c, err
		}

		if len(c.Unresolved) == 0 {
			break
		}
		if !assessment.RequireFurther {
			break
		}

		firstQuestions = append(firstQuestions, assessment.NewFirstQuestions...)
		secondQuestions = append(secondQuestions, assessment.NewSecondQuestions...)
		pendingFirst = questionsFor(firstQuestions, c.Unresolved)
		pendingSecond = questionsFor(secondQuestions, c.Unresolved)
	}

	status := StatusCompleted
	if len(c.Unresolved) > 0 {
		status = StatusPartial
	}

	firstFinal, secondFinal, summary, err := e.reconciler.Reconcile(ctx, c)
	if err != nil {
		log.Warn("reconcile failed, keeping originals", "error", err)
		firstFinal, secondFinal = firstOutput, secondOutput
	}
	c.FirstFinal = firstFinal
	c.SecondFinal = secondFinal
	c.RefinementSummary = summary
	return c, e.finish(ctx, &c, status)
}

// fail marks and persists a context the engine could not drive further.
// The originals stand in as the finals.
func (e *Engine) fail(ctx context.Context, c *Result, reason string) error {
	c.FirstFinal = c.FirstOriginal
	c.SecondFinal = c.SecondOriginal
	c.Status = StatusFailed
	c.CompletedAt = time.Now().UTC()
	c.UpdatedAt = c.CompletedAt
	return e.persist(ctx, c, reason)
}

// finish seals the context under its terminal status, persists it, and
// announces completion.
func (e *Engine) finish(ctx context.Context, c *Result, status Status) error {
	c.Status = status
	c.CompletedAt = time.Now().UTC()
	c.UpdatedAt = c.CompletedAt
	if err := e.persist(ctx, c, "coordination "+string(status)); err != nil {
		return err
	}

	if e.eventBus != nil {
		_ = e.eventBus.Emit(bus.EventTypeResourceStateChanged, map[string]any{
			"timestamp":       c.CompletedAt.Format(time.RFC3339Nano),
			"component":       "water",
			"event":           "coordination_completed",
			"coordination_id": c.CoordinationID,
			"status":          string(c.Status),
		}, bus.PriorityNormal)
	}
	if e.metrics != nil {
		e.metrics.Record("water:coordination:complete", 1, map[string]any{
			"status": string(c.Status), "iterations": len(c.Iterations),
		})
	}
	e.logger.Info("coordination finished", "coordination_id", c.CoordinationID,
		"status", c.Status, "iterations", len(c.Iterations), "resolved", len(c.ResolvedIDs))
	return nil
}

// clarifyRound puts each agent's pending questions to it, both agents
// concurrently. Answers are cached per agent and question so repeated
// rounds never re-ask.
func (e *Engine) clarifyRound(ctx context.Context, first, second Agent, firstQuestions, secondQuestions []Question, cache *answerCache) ([]Exchange, []Exchange) {
	firstResponses := make([]Exchange, len(firstQuestions))
	secondResponses := make([]Exchange, len(secondQuestions))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range firstQuestions {
		g.Go(func() error {
			firstResponses[i] = e.ask(gctx, first, q, cache)
			return nil
		})
	}
	for i, q := range secondQuestions {
		g.Go(func() error {
			secondResponses[i] = e.ask(gctx, second, q, cache)
			return nil
		})
	}
	_ = g.Wait()
	return firstResponses, secondResponses
}

func (e *Engine) ask(ctx context.Context, agent Agent, question Question, cache *answerCache) Exchange {
	exchange := Exchange{
		MisunderstandingID: question.MisunderstandingID,
		Question:           question.Text,
		Agent:              agent.ID(),
	}
	if answer, ok := cache.get(agent.ID(), question.Text); ok {
		exchange.Answer = answer
		exchange.Cached = true
		return exchange
	}

	start := time.Now()
	askCtx, cancel := context.WithTimeout(ctx, e.config.QuestionTimeout)
	defer cancel()

	answer, err := agent.Clarify(askCtx, question.Text)
	exchange.Duration = time.Since(start)
	switch {
	case err == nil:
		exchange.Answer = answer
		cache.put(agent.ID(), question.Text, answer)
	case askCtx.Err() != nil:
		exchange.TimedOut = true
	default:
		exchange.Err = err.Error()
	}

	if e.metrics != nil {
		e.metrics.Record("water:clarification", 1, map[string]any{
			"agent": agent.ID(), "timed_out": exchange.TimedOut, "cached": false,
		})
	}
	return exchange
}

// questionsFor keeps the questions probing still-open misunderstandings.
func questionsFor(questions []Question, open map[string]Misunderstanding) []Question {
	var out []Question
	for _, q := range questions {
		if _, ok := open[q.MisunderstandingID]; ok {
			out = append(out, q)
		}
	}
	return out
}

func openIDs(open map[string]Misunderstanding) []string {
	out := make([]string, 0, len(open))
	for id := range open {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func allTimedOut(responseSets ...[]Exchange) bool {
	total := 0
	for _, responses := range responseSets {
		for _, exchange := range responses {
			total++
			if !exchange.TimedOut && exchange.Err == "" {
				return false
			}
		}
	}
	return total > 0
}

// GetCoordination loads a persisted coordination record.
func (e *Engine) GetCoordination(coordinationID string) (Result, error) {
	entry, err := e.states.GetState(coordinationKeyPrefix + coordinationID)
	if err != nil {
		return Result{}, err
	}
	var result Result
	if err := decodeInto(entry.Value, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}

// PruneContext drops the question/response transcripts of a coordination
// record, keeping the final outputs, the refinement summary, and the
// resolution bookkeeping. Pruning an already pruned record is a no-op.
func (e *Engine) PruneContext(ctx context.Context, coordinationID string) error {
	result, err := e.GetCoordination(coordinationID)
	if err != nil {
		return err
	}
	if result.Pruned {
		return nil
	}
	result.Iterations = nil
	result.Pruned = true
	result.UpdatedAt = time.Now().UTC()
	return e.persist(ctx, &result, "context pruned")
}

// CleanupOldContexts tombstones coordination records whose completion is
// older than the configured TTL. Expiry removes the whole record even when
// it was previously pruned to final outputs.
func (e *Engine) CleanupOldContexts(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-e.config.ContextTTL)
	removed := 0
	for _, key := range e.states.FindKeys(coordinationKeyPrefix) {
		entry, err := e.states.GetState(key)
		if err != nil {
			continue
		}
		var result Result
		if err := decodeInto(entry.Value, &result); err != nil {
			continue
		}
		if result.CompletedAt.IsZero() || !result.CompletedAt.Before(cutoff) {
			continue
		}
		if _, err := e.states.DeleteState(ctx, key); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		e.logger.Info("expired coordination contexts removed", "removed", removed)
	}
	return removed, nil
}

func (e *Engine) persist(ctx context.Context, result *Result, reason string) error {
	key := coordinationKeyPrefix + result.CoordinationID
	if _, err := e.states.SetState(ctx, key, *result, "water_coordination", nil, reason); err != nil {
		return fmt.Errorf("persist coordination %s: %w", result.CoordinationID, err)
	}
	return nil
}

type answerCache struct {
	mu      sync.Mutex
	answers map[string]string
}

func newAnswerCache() *answerCache {
	return &answerCache{answers: make(map[string]string)}
}

func (c *answerCache) get(agentID, question string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	answer, ok := c.answers[agentID+"|"+question]
	return answer, ok
}

func (c *answerCache) put(agentID, question, answer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[agentID+"|"+question] = answer
}

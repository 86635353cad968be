package phase

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/verdantlab/trellis/pkg/bus"
)

// Checkpoint captures a phase and its entire subtree. Rolling back to the
// returned checkpoint restores every captured descendant, not just the
// phase itself.
func (c *Coordinator) Checkpoint(ctx context.Context, phaseID string) (CheckpointRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pc, ok := c.phases[phaseID]
	if !ok {
		return CheckpointRecord{}, ErrPhaseNotFound
	}

	// The checkpoint id joins the phase's record before the snapshot is
	// taken, so a rollback restores a context that lists this checkpoint.
	checkpointID := uuid.New().String()
	pc.CheckpointIDs = append(pc.CheckpointIDs, checkpointID)
	pc.UpdatedAt = time.Now().UTC()
	if err := c.persistLocked(ctx, pc, "checkpoint taken"); err != nil {
		pc.CheckpointIDs = pc.CheckpointIDs[:len(pc.CheckpointIDs)-1]
		return CheckpointRecord{}, err
	}

	record := CheckpointRecord{
		CheckpointID: checkpointID,
		PhaseID:      phaseID,
		TakenAt:      time.Now().UTC(),
		Context:      copyContext(pc),
	}
	for _, descendantID := range c.descendantsLocked(phaseID) {
		record.Descendants = append(record.Descendants, copyContext(c.phases[descendantID]))
	}

	key := checkpointKeyPrefix + record.CheckpointID
	if _, err := c.states.SetState(ctx, key, record, "phase_checkpoint", nil, "checkpoint taken"); err != nil {
		return CheckpointRecord{}, fmt.Errorf("persist checkpoint for %s: %w", phaseID, err)
	}

	if c.metrics != nil {
		c.metrics.Record("phase:checkpoint", 1, map[string]any{
			"phase_id": phaseID, "subtree": len(record.Descendants) + 1,
		})
	}
	c.logger.Info("checkpoint taken",
		"checkpoint_id", record.CheckpointID, "phase_id", phaseID, "descendants", len(record.Descendants))
	return record, nil
}

// Rollback restores the captured subtree of a checkpoint. Phases created
// after the checkpoint are left alone; captured ones return to their
// captured state regardless of the transition table.
func (c *Coordinator) Rollback(ctx context.Context, checkpointID string) error {
	record, err := c.loadCheckpoint(checkpointID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restore := append([]Context{record.Context}, record.Descendants...)
	for _, captured := range restore {
		restored := captured
		if err := c.persistLocked(ctx, &restored, "rolled back to checkpoint "+checkpointID); err != nil {
			return err
		}
		c.phases[captured.PhaseID] = &restored
	}

	if c.eventBus != nil {
		_ = c.eventBus.Emit(bus.EventTypeResourceStateChanged, map[string]any{
			"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
			"component":     "phase",
			"phase_id":      record.PhaseID,
			"state":         "rolled_back",
			"checkpoint_id": checkpointID,
			"restored":      len(restore),
		}, bus.PriorityHigh)
	}
	if c.metrics != nil {
		c.metrics.Record("phase:rollback", 1, map[string]any{
			"phase_id": record.PhaseID, "checkpoint_id": checkpointID,
		})
	}
	c.logger.Info("rolled back",
		"checkpoint_id", checkpointID, "phase_id", record.PhaseID, "restored", len(restore))
	return nil
}

// RecoverFromCheckpoints repairs phases left RUNNING by an interrupted
// process: each is rolled back to its newest covering checkpoint, or
// failed when no checkpoint covers it. Returns the ids of repaired
// phases.
func (c *Coordinator) RecoverFromCheckpoints(ctx context.Context) ([]string, error) {
	checkpoints, err := c.listCheckpoints()
	if err != nil {
		return nil, err
	}
	// Newest first so the latest covering checkpoint wins.
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].TakenAt.After(checkpoints[j].TakenAt) })

	var repaired []string
	for _, phaseID := range c.interruptedPhases() {
		record, found := coveringCheckpoint(checkpoints, phaseID)
		if found {
			if err := c.Rollback(ctx, record.CheckpointID); err != nil {
				return repaired, err
			}
		} else {
			if _, err := c.Transition(ctx, phaseID, StateFailed, "interrupted without checkpoint"); err != nil {
				return repaired, err
			}
		}
		repaired = append(repaired, phaseID)
	}
	return repaired, nil
}

func (c *Coordinator) interruptedPhases() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for id, pc := range c.phases {
		if pc.State == StateRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func coveringCheckpoint(checkpoints []CheckpointRecord, phaseID string) (CheckpointRecord, bool) {
	for _, record := range checkpoints {
		if record.PhaseID == phaseID {
			return record, true
		}
		for _, descendant := range record.Descendants {
			if descendant.PhaseID == phaseID {
				return record, true
			}
		}
	}
	return CheckpointRecord{}, false
}

func (c *Coordinator) loadCheckpoint(checkpointID string) (CheckpointRecord, error) {
	entry, err := c.states.GetState(checkpointKeyPrefix + checkpointID)
	if err != nil {
		return CheckpointRecord{}, ErrCheckpointNotFound
	}
	var record CheckpointRecord
	if err := decodeInto(entry.Value, &record); err != nil {
		return CheckpointRecord{}, err
	}
	return record, nil
}

func (c *Coordinator) listCheckpoints() ([]CheckpointRecord, error) {
	var out []CheckpointRecord
	for _, key := range c.states.FindKeys(checkpointKeyPrefix) {
		entry, err := c.states.GetState(key)
		if err != nil {
			continue
		}
		var record CheckpointRecord
		if err := decodeInto(entry.Value, &record); err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

// descendantsLocked returns every transitive child of phaseID in
// breadth-first creation order.
func (c *Coordinator) descendantsLocked(phaseID string) []string {
	var out []string
	queue := slices.Clone(c.children[phaseID])
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		queue = append(queue, c.children[id]...)
	}
	return out
}

func copyContext(pc *Context) Context {
	out := *pc
	out.DependsOn = slices.Clone(pc.DependsOn)
	out.CheckpointIDs = slices.Clone(pc.CheckpointIDs)
	out.Inputs = maps.Clone(pc.Inputs)
	out.Outputs = maps.Clone(pc.Outputs)
	return out
}

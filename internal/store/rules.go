package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ValidateJobUpdate checks the invariants every job update must keep:
// legal state transition, monotonic cursor, append-only error log and an untouched snapshot.
func ValidateJobUpdate(existing, next *Job) error {
	if !existing.State.CanTransition(next.State) {
		return fmt.Errorf("%w: job %s -> %s", ErrInvalidTransition, existing.State, next.State)
	}
	if next.Cursor < existing.Cursor {
		return fmt.Errorf("%w: job cursor moved backwards (%d -> %d)", ErrInvalidTransition, existing.Cursor, next.Cursor)
	}
	if len(next.ErrorLog) < len(existing.ErrorLog) {
		return fmt.Errorf("%w: job error log is append-only", ErrInvalidTransition)
	}
	a, err := json.Marshal(existing.Snapshot)
	if err != nil {
		return err
	}
	b, err := json.Marshal(next.Snapshot)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return fmt.Errorf("%w: job pipeline snapshot is immutable", ErrInvalidTransition)
	}
	return nil
}

// MergeMetadata adds payload to base. Keys already present in base are only replaced
// when overwrite is set; otherwise they are kept and reported as conflicts.
func MergeMetadata(base, payload map[string]any, overwrite bool) (map[string]any, []string) {
	merged := make(map[string]any, len(base)+len(payload))
	for k, v := range base {
		merged[k] = v
	}
	var conflicts []string
	for k, v := range payload {
		if _, exists := merged[k]; exists && !overwrite {
			conflicts = append(conflicts, k)
			continue
		}
		merged[k] = v
	}
	sort.Strings(conflicts)
	return merged, conflicts
}

// SortStageExecutions orders executions by cursor position, then attempt.
func SortStageExecutions(list []StageExecution) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Cursor != list[j].Cursor {
			return list[i].Cursor < list[j].Cursor
		}
		if list[i].Attempt != list[j].Attempt {
			return list[i].Attempt < list[j].Attempt
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

package service

import (
	"context"
	"fmt"

	"policyscan-backend/models"
)

// PipelineStage is one named checkpoint of the analysis pipeline
type PipelineStage struct {
	Name     string
	Progress int
}

// pipelineStages are the five checkpoints in execution order. Progress is
// monotonic non-decreasing and no stage may be skipped or reported out of
// order; the tracker enforces both by advancing strictly through this list.
var pipelineStages = []PipelineStage{
	{Name: "preprocess", Progress: 5},
	{Name: "chunking", Progress: 15},
	{Name: "retrieval/generation", Progress: 55},
	{Name: "aggregation", Progress: 90},
	{Name: "persisted", Progress: 100},
}

// ProgressTracker maps pipeline stage transitions onto the task's
// observable (status, progress, stage) state. One tracker serves one
// pipeline invocation and is driven from a single goroutine.
type ProgressTracker struct {
	tasks    TaskStore
	taskID   string
	next     int
	progress int
}

// NewProgressTracker creates a tracker for one task
func NewProgressTracker(tasks TaskStore, taskID string) *ProgressTracker {
	return &ProgressTracker{tasks: tasks, taskID: taskID}
}

// Advance moves to the next pipeline stage and publishes it
func (t *ProgressTracker) Advance(ctx context.Context) error {
	if t.next >= len(pipelineStages) {
		return fmt.Errorf("no pipeline stage left after %q", pipelineStages[len(pipelineStages)-1].Name)
	}
	stage := pipelineStages[t.next]
	t.next++
	t.progress = stage.Progress
	return t.tasks.UpdateProgress(ctx, t.taskID, models.TaskStatusProcessing, stage.Progress, stage.Name)
}

// Stage returns the name of the last reported stage, or "" before the
// first Advance
func (t *ProgressTracker) Stage() string {
	if t.next == 0 {
		return ""
	}
	return pipelineStages[t.next-1].Name
}

// Progress returns the last reported progress percentage
func (t *ProgressTracker) Progress() int {
	return t.progress
}

// Fail transitions the task to the failed terminal state, preserving the
// last reported progress for diagnostics
func (t *ProgressTracker) Fail(ctx context.Context, reason string) error {
	return t.tasks.Fail(ctx, t.taskID, reason)
}

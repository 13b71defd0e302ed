package storage

import (
	"context"
	"errors"

	"cellpop/internal/model"
)

// ErrGenerationFinalized is returned when a checkpoint for an existing
// (run, generation) pair is written again. Generations are append-only.
var ErrGenerationFinalized = errors.New("generation checkpoint already finalized")

// Store persists run bookkeeping and per-generation checkpoints.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveGeneration(ctx context.Context, checkpoint model.GenerationCheckpoint) error
	GetGeneration(ctx context.Context, runID string, generation int) (model.GenerationCheckpoint, bool, error)
	ListGenerations(ctx context.Context, runID string) ([]int, error)
}

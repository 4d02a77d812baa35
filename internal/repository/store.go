// Package repository persists runs, their append-only event log and the
// state derived from it.
package repository

import (
	"context"
	"errors"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

var (
	// ErrRunNotFound is returned when an operation names an unknown run.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = errors.New("run already exists")
	// ErrDuplicateSeq is returned when an event reuses a sequence number.
	ErrDuplicateSeq = errors.New("duplicate event sequence")
)

// Store defines the interface for run persistence.
type Store interface {
	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)

	// Event log
	NextSeq(ctx context.Context, runID string) (int64, error)
	AppendEvent(ctx context.Context, event *domain.RunEvent) error
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.RunEvent, error)

	// Derived state
	ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error)

	// Lifecycle
	Close() error
}

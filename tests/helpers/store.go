package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/repository"
)

func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// CreateTestRun inserts a run in the created state.
func CreateTestRun(t *testing.T, s repository.Store, runID string) *domain.Run {
	t.Helper()

	run := &domain.Run{RunID: runID, CreatedAt: time.Now()}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

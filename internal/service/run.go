package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// CreateRun registers a new run in the created state.
func (s *Service) CreateRun(ctx context.Context, req domain.CreateRunRequest) (*domain.Run, error) {
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = "run_" + uuid.New().String()
	}
	if !runIDPattern.MatchString(runID) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("%w: invalid run_id %q", ErrInvalidRequest, runID)
	}
	profile := strings.TrimSpace(req.PolicyProfile)
	if profile == "" {
		profile = domain.DefaultPolicyProfile
	}

	now := time.Now().UTC()
	run := &domain.Run{
		RunID:         runID,
		Status:        domain.RunStatusCreated,
		Phase:         domain.RunPhasePlanning,
		PolicyProfile: profile,
		ModelRoute:    strings.TrimSpace(req.ModelRoute),
		Tags:          req.Tags,
		ResumedFrom:   strings.TrimSpace(req.ResumedFrom),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ErrRunExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	s.logger.Info("run created", "run_id", runID, "policy_profile", profile)
	return run, nil
}

// GetRun returns the run or ErrRunNotFound.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// ListEvents returns the run's events with seq > afterSeq.
func (s *Service) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.RunEvent, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

func (s *Service) ListRunSteps(ctx context.Context, runID string) ([]domain.RunStep, error) {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	steps, err := s.store.ListRunSteps(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	return steps, nil
}

// CancelRun stops the run's managed processes and browser session, then
// records run.cancelled. Each cleanup is attempted regardless of the others'
// outcome; failures are reported in the response.
func (s *Service) CancelRun(ctx context.Context, runID, reason string) (*domain.CancelRunResponse, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("run_id", runID)

	var (
		wg      sync.WaitGroup
		stopped int
		procErr error
		browErr error
	)
	if s.processes != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopped, procErr = s.processes.StopRun(ctx, runID)
		}()
	}
	if s.browser != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			browErr = s.browser.CancelSession(ctx, runID)
		}()
	}
	wg.Wait()

	// The run may have finished while cleanup was in flight.
	if run, err = s.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	resp := &domain.CancelRunResponse{RunID: runID, Status: run.Status, StoppedProcesses: stopped}
	for _, err := range []error{procErr, browErr} {
		if err == nil {
			continue
		}
		logger.Warn("run cancellation step failed", "error", err)
		resp.Errors = append(resp.Errors, err.Error())
	}

	if run.Status.Terminal() {
		return resp, nil
	}
	if _, err := s.recordEvent(ctx, runID, domain.EventTypeRunCancelled, SourceControl,
		domain.RunCancelledPayload{Reason: strings.TrimSpace(reason)}); err != nil {
		return nil, err
	}
	resp.Status = domain.RunStatusCancelled
	logger.Info("run cancelled", "stopped_processes", stopped)
	return resp, nil
}

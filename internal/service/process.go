package service

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

const processEventTimeout = 5 * time.Second

// ProcessStarted records process.started. It is installed as the process
// registry's OnStart hook.
func (s *Service) ProcessStarted(p domain.ManagedProcess) {
	s.recordProcessEvent(domain.EventTypeProcessStarted, p)
}

// ProcessExited records process.exited. It is installed as the process
// registry's OnExit hook.
func (s *Service) ProcessExited(p domain.ManagedProcess) {
	s.recordProcessEvent(domain.EventTypeProcessExited, p)
}

func (s *Service) recordProcessEvent(eventType domain.EventType, p domain.ManagedProcess) {
	ctx, cancel := context.WithTimeout(context.Background(), processEventTimeout)
	defer cancel()

	payload := domain.ProcessEventPayload{
		ProcessID: p.ProcessID,
		Command:   p.Command,
		Args:      p.Args,
		PID:       p.PID,
		Status:    p.Status,
		ExitCode:  p.ExitCode,
		Signal:    p.Signal,
		Error:     p.Error,
	}
	if _, err := s.recordEvent(ctx, p.RunID, eventType, SourceProcesses, payload); err != nil {
		s.logger.Warn("failed to record process event",
			"run_id", p.RunID, "process_id", p.ProcessID, "type", eventType, "error", err)
	}
}

// RunProcessReaper evicts terminal managed processes past their retention
// window until ctx is done.
func (s *Service) RunProcessReaper(ctx context.Context) {
	interval := s.config.ReaperInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reapProcesses(now)
		}
	}
}

func (s *Service) reapProcesses(now time.Time) {
	if s.processes == nil {
		return
	}
	n := s.processes.Reap(now)
	if n > 0 {
		s.metrics.ProcessesReaped(n)
		s.logger.Debug("reaped managed processes", "count", n)
	}
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// reconcileInterval bounds how long an event dropped by the broker can stay
// undelivered when no later event reveals the gap.
const reconcileInterval = 2 * time.Second

// StreamEvents delivers the run's events with seq > afterSeq to send, in seq
// order and without duplicates, until ctx is done or send fails. It
// subscribes before backfilling so nothing appended in between is missed.
func (s *Service) StreamEvents(ctx context.Context, runID string, afterSeq int64, send func(domain.RunEvent) error) error {
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sub := s.broker.Subscribe(ctx, runID)

	last := afterSeq
	backfill := func() error {
		events, err := s.store.ListEvents(ctx, runID, last, 0)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}
		for _, event := range events {
			if event.Seq <= last {
				continue
			}
			if err := send(event); err != nil {
				return err
			}
			last = event.Seq
		}
		return nil
	}
	if err := backfill(); err != nil {
		return err
	}

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := backfill(); err != nil {
				return err
			}
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			switch {
			case event.Seq <= last:
				// Already delivered by a backfill.
			case event.Seq == last+1:
				if err := send(event); err != nil {
					return err
				}
				last = event.Seq
			default:
				if err := backfill(); err != nil {
					return err
				}
			}
		}
	}
}

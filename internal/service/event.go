package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// Event sources written by the control plane itself.
const (
	SourceGateway   = "runplane.gateway"
	SourceProcesses = "runplane.processes"
	SourceControl   = "runplane.control"
)

// AppendEvent ingests a worker-submitted event. The store assigns its seq.
func (s *Service) AppendEvent(ctx context.Context, req domain.AppendEventRequest) (*domain.RunEvent, error) {
	runID := strings.TrimSpace(req.RunID)
	eventType := domain.NormalizeEventType(req.Type)
	if runID == "" {
		return nil, fmt.Errorf("%w: run_id is required", ErrInvalidRequest)
	}
	if eventType == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	payload := req.Payload
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRequest)
	}

	event := &domain.RunEvent{
		RunID:   runID,
		Type:    eventType,
		Source:  strings.TrimSpace(req.Source),
		TraceID: strings.TrimSpace(req.TraceID),
		Payload: payload,
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}
	if err := s.appendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// recordEvent appends an event produced by the control plane.
func (s *Service) recordEvent(ctx context.Context, runID string, eventType domain.EventType, source string, payload interface{}) (*domain.RunEvent, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	event := &domain.RunEvent{
		RunID:     runID,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Payload:   payloadBytes,
	}
	if err := s.appendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// appendEvent persists the event, then fans it out. Fan-out happens after
// commit, so live subscribers never observe an event the log lacks.
func (s *Service) appendEvent(ctx context.Context, event *domain.RunEvent) error {
	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	s.metrics.EventAppended(string(event.Type))

	if s.broker != nil {
		s.broker.Publish(*event)
	}
	if err := s.relay.Publish(*event); err != nil {
		s.logger.Warn("failed to relay event",
			"run_id", event.RunID, "seq", event.Seq, "type", event.Type, "error", err)
	}
	return nil
}

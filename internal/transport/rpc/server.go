// Package rpc exposes the worker-facing event API over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/runplane/internal/domain"
	"github.com/xiaot623/gogo/runplane/internal/service"
)

// ServiceName is the name under which the handler is registered.
const ServiceName = "Runplane"

// Server exposes internal RPC endpoints for workers.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	rpcServer *rpc.Server
	logger    *slog.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the runplane service.
func NewServer(svc *service.Service, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger.With("component", "rpc"),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until Shutdown closes it.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", "error", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements runplane RPC methods.
type Handler struct {
	service *service.Service
}

// ListEventsArgs selects a page of a run's event log.
type ListEventsArgs struct {
	RunID    string `json:"run_id"`
	AfterSeq int64  `json:"after_seq"`
	Limit    int    `json:"limit"`
}

// CancelRunArgs identifies a run to cancel.
type CancelRunArgs struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// AppendEvent appends a worker event to a run's log.
func (h *Handler) AppendEvent(req *domain.AppendEventRequest, resp *domain.RunEvent) error {
	if req == nil {
		return errors.New("append event request is required")
	}

	event, err := h.service.AppendEvent(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *event
	}
	return nil
}

// ListEvents returns events with seq greater than AfterSeq.
func (h *Handler) ListEvents(req *ListEventsArgs, resp *domain.ListEventsResponse) error {
	if req == nil {
		return errors.New("list events request is required")
	}
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		return errors.New("run_id is required")
	}
	if req.AfterSeq < 0 || req.Limit < 0 {
		return errors.New("after_seq and limit must not be negative")
	}

	events, err := h.service.ListEvents(context.Background(), runID, req.AfterSeq, req.Limit)
	if err != nil {
		return err
	}
	if resp != nil {
		resp.RunID = runID
		resp.Events = events
	}
	return nil
}

// CancelRun cancels a run and stops its managed processes.
func (h *Handler) CancelRun(req *CancelRunArgs, resp *domain.CancelRunResponse) error {
	if req == nil {
		return errors.New("cancel request is required")
	}
	if strings.TrimSpace(req.RunID) == "" {
		return errors.New("run_id is required")
	}

	result, err := h.service.CancelRun(context.Background(), req.RunID, req.Reason)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

package service

import (
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/runplane/internal/adapter/browser"
	"github.com/xiaot623/gogo/runplane/internal/adapter/relay"
	"github.com/xiaot623/gogo/runplane/internal/broker"
	"github.com/xiaot623/gogo/runplane/internal/config"
	"github.com/xiaot623/gogo/runplane/internal/invocation"
	"github.com/xiaot623/gogo/runplane/internal/metrics"
	"github.com/xiaot623/gogo/runplane/internal/process"
	"github.com/xiaot623/gogo/runplane/internal/repository"
	"github.com/xiaot623/gogo/runplane/internal/tools"
	"github.com/xiaot623/gogo/runplane/policy"
)

var (
	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrRunNotFound is returned when a request names an unknown run.
	ErrRunNotFound = repository.ErrRunNotFound
	// ErrRunExists is returned when creating a run whose id is taken.
	ErrRunExists = repository.ErrRunExists
)

// Deps are the collaborators of a Service. Relay, Metrics and Browser may
// be nil.
type Deps struct {
	Store     repository.Store
	Broker    *broker.Broker
	Relay     *relay.Relay
	Metrics   *metrics.Metrics
	Cache     *invocation.Cache
	Policy    *policy.Engine
	Tools     *tools.Registry
	Processes *process.Registry
	Browser   *browser.Client
	Config    *config.Config
	Logger    *slog.Logger
}

type Service struct {
	store     repository.Store
	broker    *broker.Broker
	relay     *relay.Relay
	metrics   *metrics.Metrics
	cache     *invocation.Cache
	policy    *policy.Engine
	tools     *tools.Registry
	processes *process.Registry
	browser   *browser.Client
	config    *config.Config
	logger    *slog.Logger

	// flight collapses concurrent invocations sharing one idempotency key.
	flight singleflight.Group
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &Service{
		store:     deps.Store,
		broker:    deps.Broker,
		relay:     deps.Relay,
		metrics:   deps.Metrics,
		cache:     deps.Cache,
		policy:    deps.Policy,
		tools:     deps.Tools,
		processes: deps.Processes,
		browser:   deps.Browser,
		config:    cfg,
		logger:    logger.With("component", "service"),
	}
}

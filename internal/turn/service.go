// Package turn runs conversation turns: it resolves an agent's tools, builds
// its graph, restores prior state, streams the run and persists the outcome.
package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/graph"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/plugin/llm"
	"github.com/parleyhq/parley/store"
)

const DefaultMaxConcurrentTurns = 10

var (
	ErrThreadNotFound = errors.New("thread not found")
	ErrAgentNotFound  = errors.New("agent not found")
	// ErrForbidden is returned when a user touches another user's thread.
	ErrForbidden    = errors.New("thread belongs to another user")
	ErrEmptyMessage = errors.New("message is empty")
)

// Source values recorded in checkpoint metadata.
const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
)

// Request is one turn.
type Request struct {
	UserID string
	// ThreadID continues a thread. Empty starts a new one unless Stateless.
	ThreadID string
	// CheckpointID branches from a historical checkpoint instead of the latest.
	CheckpointID string
	// Stateless turns are neither restored nor persisted.
	Stateless bool
	// AgentID selects a configured agent. Without it Agent describes an ad hoc
	// agent.
	AgentID string
	Agent   AgentConfig
	Message string
	// Modes selects streamed frames. Ignored by buffered runs.
	Modes  []stream.Mode
	Source string
}

// Result describes how a turn ended.
type Result struct {
	ThreadID     string
	CheckpointID string
	Status       graph.Status
	Message      *store.Message
	// Terminal is the frame that ended the stream, nil if the consumer left.
	Terminal *stream.Frame
	// Err is nil for completed turns. Suspended turns carry an
	// *authz.RequiredError.
	Err error
}

type Options struct {
	MaxConcurrentTurns int
	RecursionLimit     int
	ToolTimeout        time.Duration
	// DefaultModel serves ad hoc turns that name no model.
	DefaultModel  string
	ArcadeBaseURL string
}

// Config carries the collaborators of a Service.
type Config struct {
	Agents        AgentSource
	Credentials   CredentialSource
	Models        *llm.Registry
	Resolver      *toolset.Resolver
	Saver         *checkpoint.Saver
	Ledger        *ledger.Ledger
	Authorization *authz.Controller
	Options       Options
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

type Service struct {
	agents      AgentSource
	credentials CredentialSource
	models      *llm.Registry
	resolver    *toolset.Resolver
	saver       *checkpoint.Saver
	ledger      *ledger.Ledger
	authz       *authz.Controller
	opts        Options
	turns       *semaphore.Weighted
	metrics     *observability.Metrics
	logger      *slog.Logger
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Options.MaxConcurrentTurns <= 0 {
		cfg.Options.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if cfg.Authorization == nil {
		cfg.Authorization = authz.NewController(0, cfg.Logger)
	}
	return &Service{
		agents:      cfg.Agents,
		credentials: cfg.Credentials,
		models:      cfg.Models,
		resolver:    cfg.Resolver,
		saver:       cfg.Saver,
		ledger:      cfg.Ledger,
		authz:       cfg.Authorization,
		opts:        cfg.Options,
		turns:       semaphore.NewWeighted(int64(cfg.Options.MaxConcurrentTurns)),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Run executes one turn and returns once it ended. Errors that prevent the
// turn from starting are returned; the turn's own outcome is in Result.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	req.Modes = nil
	return s.execute(ctx, req, false, func() stream.Writer { return &stream.Collector{} })
}

// Stream executes one turn and writes its frames to the writer open returns.
// open is called only after the turn was set up, so setup errors can still be
// reported outside the stream.
func (s *Service) Stream(ctx context.Context, req Request, open func() stream.Writer) (*Result, error) {
	return s.execute(ctx, req, false, open)
}

// Resume continues an existing thread from its latest checkpoint, or branches
// from req.CheckpointID. open may be nil for a buffered turn.
func (s *Service) Resume(ctx context.Context, req Request, open func() stream.Writer) (*Result, error) {
	if req.ThreadID == "" {
		return nil, errors.Wrap(ErrThreadNotFound, "thread id is required")
	}
	if open == nil {
		req.Modes = nil
		open = func() stream.Writer { return &stream.Collector{} }
	}
	return s.execute(ctx, req, true, open)
}

type prepared struct {
	threadID string
	agent    *AgentConfig
	graph    *graph.Graph
}

func (s *Service) agentConfig(ctx context.Context, req Request) (*AgentConfig, error) {
	if req.AgentID == "" {
		cfg := req.Agent
		if cfg.Model == "" {
			cfg.Model = s.opts.DefaultModel
		}
		return &cfg, nil
	}
	if s.agents == nil {
		return nil, errors.Wrap(ErrAgentNotFound, req.AgentID)
	}
	cfg, err := s.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load agent %s", req.AgentID)
	}
	if cfg == nil {
		return nil, errors.Wrap(ErrAgentNotFound, req.AgentID)
	}
	return cfg, nil
}

// prepare validates the request and builds the graph. It writes nothing.
func (s *Service) prepare(ctx context.Context, req Request, mustExist bool) (*prepared, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	p := &prepared{threadID: req.ThreadID}
	if req.Stateless {
		p.threadID = ""
	} else if p.threadID != "" {
		summary, err := s.ledger.Get(ctx, p.threadID)
		if err != nil {
			return nil, errors.Wrap(checkpoint.ErrStoreUnavailable, err.Error())
		}
		switch {
		case summary == nil && (mustExist || req.CheckpointID != ""):
			return nil, errors.Wrap(ErrThreadNotFound, p.threadID)
		case summary != nil && summary.UserID != req.UserID:
			return nil, ErrForbidden
		}
	} else {
		if mustExist {
			return nil, errors.Wrap(ErrThreadNotFound, "thread id is required")
		}
		p.threadID = shortuuid.New()
	}

	cfg, err := s.agentConfig(ctx, req)
	if err != nil {
		return nil, err
	}
	p.agent = cfg
	spec, err := s.buildSpec(ctx, cfg, req.UserID, p.threadID)
	if err != nil {
		return nil, err
	}
	p.graph, err = graph.Build(spec, graph.Options{
		RecursionLimit: s.opts.RecursionLimit,
		ToolTimeout:    s.opts.ToolTimeout,
		Authorization:  s.authz,
		Metrics:        s.metrics,
		Logger:         s.logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) execute(ctx context.Context, req Request, mustExist bool, open func() stream.Writer) (*Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "turn")
	defer span.End()

	p, err := s.prepare(ctx, req, mustExist)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("thread", p.threadID), attribute.String("model", p.agent.Model))

	if err := s.turns.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(stream.ErrCancelled, err.Error())
	}
	defer s.turns.Release(1)

	var parent *checkpoint.Checkpoint
	if p.threadID != "" {
		unlock, err := s.saver.Lock(ctx, p.threadID)
		if err != nil {
			return nil, errors.Wrap(stream.ErrCancelled, err.Error())
		}
		defer unlock()

		if req.CheckpointID != "" {
			parent, err = s.saver.Get(ctx, p.threadID, req.CheckpointID)
			if err == nil && parent == nil {
				err = errors.Wrapf(checkpoint.ErrCheckpointNotFound, "%s of thread %s", req.CheckpointID, p.threadID)
			}
		} else {
			parent, err = s.saver.Latest(ctx, p.threadID)
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.ledger.Touch(ctx, p.threadID, req.UserID, req.AgentID); err != nil {
			return nil, errors.Wrap(checkpoint.ErrStoreUnavailable, err.Error())
		}
	}

	input := store.ChannelValues{}
	parentID := ""
	if parent != nil {
		input = parent.Values.Clone()
		parentID = parent.CheckpointID
	}
	input.Messages = append(input.Messages, &store.Message{
		ID:      uuid.NewString(),
		Role:    store.RoleHuman,
		Content: req.Message,
	})

	ctx = toolset.WithInvocation(ctx, toolset.Invocation{
		UserID:   req.UserID,
		ThreadID: p.threadID,
		Gate:     s.authz.NewGate(req.UserID),
	})

	start := time.Now()
	s.metrics.TurnStarted()
	out := stream.Run(ctx, p.graph, input, open(), stream.Options{
		Modes:              req.Modes,
		ThreadID:           p.threadID,
		ParentCheckpointID: parentID,
		Metrics:            s.metrics,
		Logger:             s.logger,
	}, s.persister(req, p, parentID))
	s.metrics.TurnFinished(string(out.Result.Status), time.Since(start))
	span.SetAttributes(attribute.String("status", string(out.Result.Status)))

	s.logger.Info("turn finished",
		"thread", p.threadID,
		"agent", req.AgentID,
		"status", out.Result.Status,
		"steps", out.Result.Steps,
		"checkpoint", out.CheckpointID,
		"elapsed", time.Since(start))

	return &Result{
		ThreadID:     p.threadID,
		CheckpointID: out.CheckpointID,
		Status:       out.Result.Status,
		Message:      out.Result.Message,
		Terminal:     out.Terminal,
		Err:          out.Err,
	}, nil
}

// persister writes a checkpoint for completed turns and for cancelled turns
// that produced an assistant message. Every persisted turn updates the ledger.
func (s *Service) persister(req Request, p *prepared, parentID string) stream.Persister {
	return func(ctx context.Context, res *graph.Result) (string, error) {
		if p.threadID == "" {
			return "", nil
		}
		var cp *checkpoint.Checkpoint
		write := res.Status == graph.StatusCompleted || (res.Status == graph.StatusCancelled && res.Produced)
		if write {
			source := req.Source
			if source == "" {
				source = SourceAPI
			}
			var err error
			cp, err = s.saver.Append(ctx, p.threadID, parentID, res.State, map[string]any{
				checkpoint.MetadataModel:   p.agent.Model,
				checkpoint.MetadataUserID:  req.UserID,
				checkpoint.MetadataAgentID: req.AgentID,
				checkpoint.MetadataSource:  source,
			})
			if err != nil {
				return "", err
			}
		}

		outcome := ledger.Outcome{ThreadID: p.threadID, UserID: req.UserID, Status: string(res.Status)}
		if cp != nil {
			outcome.CheckpointID = cp.CheckpointID
			outcome.Message = res.Message
		}
		if err := s.ledger.RecordOutcome(ctx, outcome); err != nil {
			// Not fatal: the checkpoint is already written.
			s.logger.Error("failed to record turn outcome", "thread", p.threadID, "error", err)
		}
		return outcome.CheckpointID, nil
	}
}

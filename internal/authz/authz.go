// Package authz gates tools that need an end user's authorization before
// they may run.
//
// Each turn gets its own Gate. A gate asks the provider about a given tool
// once; later calls of the same tool within the turn reuse that answer. No
// state is carried across turns.
package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/parleyhq/parley/plugin/arcade"
)

// State of one tool call at the authorization boundary.
type State int

const (
	NotRequired State = iota
	Pending
	Completed
	Abandoned
)

func (s State) String() string {
	switch s {
	case NotRequired:
		return "not_required"
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Abandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request status values as reported by providers.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Request is one authorization request for a (tool, user) pair.
type Request struct {
	ID       string
	ToolName string
	UserID   string
	Status   string
	URL      string
}

// Authorizer issues authorization requests and reports on them.
type Authorizer interface {
	Authorize(ctx context.Context, toolName, userID string) (*Request, error)
	// Status may block for up to wait while the provider waits for the user.
	Status(ctx context.Context, req *Request, wait time.Duration) (*Request, error)
}

// RequiredError ends a turn that cannot proceed until the user authorizes a
// tool. It is an expected outcome, not a failure.
type RequiredError struct {
	ToolName string
	URL      string
	// Abandoned is set when the provider refused or could not be reached.
	Abandoned bool
	Cause     error
}

func (e *RequiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authorization required for %s: %v", e.ToolName, e.Cause)
	}
	if e.URL != "" {
		return fmt.Sprintf("authorization required for %s: visit %s", e.ToolName, e.URL)
	}
	return fmt.Sprintf("authorization required for %s", e.ToolName)
}

func (e *RequiredError) Unwrap() error { return e.Cause }

// AsRequired extracts a RequiredError from err's chain.
func AsRequired(err error) (*RequiredError, bool) {
	var re *RequiredError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// Target is the tool a gate is asked about.
type Target struct {
	// Name is the tool name the model used.
	Name string
	// RemoteName is the name the provider knows the tool by.
	RemoteName            string
	RequiresAuthorization bool
	Authorizer            Authorizer
}

// Controller creates per-turn gates.
type Controller struct {
	// wait bounds how long a gate polls a pending request before suspending.
	wait   time.Duration
	logger *slog.Logger
}

func NewController(wait time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{wait: wait, logger: logger}
}

// NewGate returns the gate for one turn of userID.
func (c *Controller) NewGate(userID string) *Gate {
	return &Gate{controller: c, userID: userID, decisions: make(map[string]*decision)}
}

type decision struct {
	state State
	req   *Request
	err   error
}

// Gate decides, once per tool, whether a turn may invoke a gated tool.
type Gate struct {
	controller *Controller
	userID     string

	// flight collapses concurrent checks of one tool; checks of different
	// tools proceed in parallel.
	flight    singleflight.Group
	mu        sync.Mutex
	decisions map[string]*decision
}

// Check reports whether the tool may run. Pending and Abandoned states come
// back with a *RequiredError.
func (g *Gate) Check(ctx context.Context, target Target) (State, *Request, error) {
	if !target.RequiresAuthorization {
		return NotRequired, nil, nil
	}

	if d, ok := g.cached(target.Name); ok {
		return d.state, d.req, d.err
	}
	v, _, _ := g.flight.Do(target.Name, func() (any, error) {
		if d, ok := g.cached(target.Name); ok {
			return d, nil
		}
		d := g.decide(ctx, target)
		g.mu.Lock()
		g.decisions[target.Name] = d
		g.mu.Unlock()
		g.controller.logger.Info("tool authorization decided",
			"tool", target.Name, "user", g.userID, "state", d.state.String())
		return d, nil
	})
	d := v.(*decision)
	return d.state, d.req, d.err
}

func (g *Gate) cached(name string) (*decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.decisions[name]
	return d, ok
}

func (g *Gate) decide(ctx context.Context, target Target) *decision {
	abandon := func(req *Request, cause error) *decision {
		re := &RequiredError{ToolName: target.Name, Abandoned: true, Cause: cause}
		if req != nil {
			re.URL = req.URL
		}
		return &decision{state: Abandoned, req: req, err: re}
	}

	if g.userID == "" {
		return abandon(nil, errors.New("anonymous users cannot authorize tools"))
	}
	if target.Authorizer == nil {
		return abandon(nil, errors.New("no authorization provider configured"))
	}
	remote := target.RemoteName
	if remote == "" {
		remote = target.Name
	}

	req, err := target.Authorizer.Authorize(ctx, remote, g.userID)
	if err != nil {
		return abandon(nil, errors.Wrap(err, "issue authorization request"))
	}
	if req.Status == StatusPending && g.controller.wait > 0 && req.ID != "" {
		req = g.poll(ctx, target.Authorizer, req)
	}

	switch req.Status {
	case StatusCompleted:
		return &decision{state: Completed, req: req}
	case StatusPending:
		return &decision{state: Pending, req: req, err: &RequiredError{ToolName: target.Name, URL: req.URL}}
	default:
		return abandon(req, errors.Errorf("authorization %s", req.Status))
	}
}

func (g *Gate) poll(ctx context.Context, az Authorizer, req *Request) *Request {
	deadline := time.Now().Add(g.controller.wait)
	for req.Status == StatusPending {
		remaining := time.Until(deadline)
		if remaining <= 0 || ctx.Err() != nil {
			break
		}
		next, err := az.Status(ctx, req, remaining)
		if err != nil {
			g.controller.logger.Warn("failed to poll authorization status", "tool", req.ToolName, "error", err)
			break
		}
		if next.URL == "" {
			next.URL = req.URL
		}
		req = next
	}
	return req
}

// ArcadeAuthorizer adapts the managed tool provider client.
type ArcadeAuthorizer struct {
	Client *arcade.Client
}

func (a ArcadeAuthorizer) Authorize(ctx context.Context, toolName, userID string) (*Request, error) {
	resp, err := a.Client.Authorize(ctx, toolName, userID)
	if err != nil {
		return nil, err
	}
	return &Request{ID: resp.ID, ToolName: toolName, UserID: userID, Status: resp.Status, URL: resp.URL}, nil
}

func (a ArcadeAuthorizer) Status(ctx context.Context, req *Request, wait time.Duration) (*Request, error) {
	resp, err := a.Client.Status(ctx, req.ID, wait)
	if err != nil {
		return nil, err
	}
	return &Request{ID: resp.ID, ToolName: req.ToolName, UserID: req.UserID, Status: resp.Status, URL: resp.URL}, nil
}

package v1

import (
	"context"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/graph"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/turn"
	"github.com/parleyhq/parley/plugin/a2a"
	"github.com/parleyhq/parley/plugin/mcp"
	"github.com/parleyhq/parley/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Request / Response types
// ─────────────────────────────────────────────────────────────────────────────

type runRequest struct {
	Message string `json:"message"`
	// AgentID selects a catalog agent. Without it the fields below describe an
	// ad hoc agent.
	AgentID      string             `json:"agent_id,omitempty"`
	Model        string             `json:"model,omitempty"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Tools        []string           `json:"tools,omitempty"`
	ToolServers  []mcp.ServerConfig `json:"tool_servers,omitempty"`
	RemoteAgents []a2a.AgentConfig  `json:"remote_agents,omitempty"`
	// CheckpointID branches an existing thread from a historical checkpoint.
	CheckpointID string `json:"checkpoint_id,omitempty"`
	// StreamMode is messages, values or composite.
	StreamMode string `json:"stream_mode,omitempty"`
}

type runResponse struct {
	ThreadID     string         `json:"thread_id,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	Status       string         `json:"status"`
	Message      *store.Message `json:"message,omitempty"`
}

type runErrorResponse struct {
	ThreadID string `json:"thread_id,omitempty"`
	Status   string `json:"status"`
	stream.ErrorPayload
}

// errAnonymousEndpoints rejects ad hoc tool servers and remote agents from
// callers without an identity.
var errAnonymousEndpoints = errors.New("authentication required to use tool servers or remote agents")

// ─────────────────────────────────────────────────────────────────────────────
// Run handlers
// ─────────────────────────────────────────────────────────────────────────────

func (s *APIV1Service) runStateless(c *echo.Context) error {
	return s.handleRun(c, "", true)
}

func (s *APIV1Service) runNewThread(c *echo.Context) error {
	return s.handleRun(c, "", false)
}

func (s *APIV1Service) runThread(c *echo.Context) error {
	return s.handleRun(c, c.Param("thread"), false)
}

func (s *APIV1Service) handleRun(c *echo.Context, threadID string, stateless bool) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	var body runRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req, err := newTurnRequest(userID, threadID, body)
	if errors.Is(err, errAnonymousEndpoints) {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Stateless = stateless
	ctx := c.Request().Context()

	format := negotiate(c.Request().Header.Get("Accept"))
	if format == formatJSON {
		req.Modes = nil
		res, err := s.dispatch(ctx, req, nil)
		if err != nil {
			return toHTTPError(err)
		}
		return renderResult(c, res)
	}

	open := func() stream.Writer {
		rw := c.Response()
		var w stream.Writer
		if format == formatSSE {
			w = stream.NewSSEWriter(rw)
		} else {
			w = stream.NewNDJSONWriter(rw)
		}
		rw.WriteHeader(http.StatusOK)
		return w
	}
	if _, err := s.dispatch(ctx, req, open); err != nil {
		return toHTTPError(err)
	}
	return nil
}

func newTurnRequest(userID, threadID string, body runRequest) (turn.Request, error) {
	if userID == "" && (len(body.ToolServers) > 0 || len(body.RemoteAgents) > 0) {
		return turn.Request{}, errAnonymousEndpoints
	}
	modes, err := stream.ParseMode(body.StreamMode)
	if err != nil {
		return turn.Request{}, err
	}
	return turn.Request{
		UserID:       userID,
		ThreadID:     threadID,
		CheckpointID: body.CheckpointID,
		AgentID:      body.AgentID,
		Agent: turn.AgentConfig{
			Model:        body.Model,
			SystemPrompt: body.SystemPrompt,
			Tools:        body.Tools,
			ToolServers:  body.ToolServers,
			RemoteAgents: body.RemoteAgents,
		},
		Message: body.Message,
		Modes:   modes,
		Source:  turn.SourceAPI,
	}, nil
}

// dispatch runs a turn, buffered when open is nil. Branch requests go through
// Resume so the thread has to exist.
func (s *APIV1Service) dispatch(ctx context.Context, req turn.Request, open func() stream.Writer) (*turn.Result, error) {
	if req.CheckpointID != "" {
		return s.Turns.Resume(ctx, req, open)
	}
	if open == nil {
		return s.Turns.Run(ctx, req)
	}
	return s.Turns.Stream(ctx, req, open)
}

func renderResult(c *echo.Context, res *turn.Result) error {
	if res.Status == graph.StatusCompleted {
		return c.JSON(http.StatusOK, runResponse{
			ThreadID:     res.ThreadID,
			CheckpointID: res.CheckpointID,
			Status:       string(res.Status),
			Message:      res.Message,
		})
	}
	if res.Terminal == nil {
		return toHTTPError(res.Err)
	}
	payload, _ := res.Terminal.Payload.(stream.ErrorPayload)
	code := http.StatusInternalServerError
	switch payload.Code {
	case stream.CodeAuthorizationRequired:
		code = http.StatusConflict
	case stream.CodeStoreUnavailable:
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, runErrorResponse{ThreadID: res.ThreadID, Status: string(res.Status), ErrorPayload: payload})
}

// ─────────────────────────────────────────────────────────────────────────────
// Accept negotiation
// ─────────────────────────────────────────────────────────────────────────────

type responseFormat int

const (
	formatJSON responseFormat = iota
	formatSSE
	formatNDJSON
)

func negotiate(accept string) responseFormat {
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case "text/event-stream":
			return formatSSE
		case "application/x-ndjson", "application/jsonl":
			return formatNDJSON
		}
	}
	return formatJSON
}

// ─────────────────────────────────────────────────────────────────────────────
// WebSocket
// ─────────────────────────────────────────────────────────────────────────────

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamThreadWebSocket runs one turn per received run request and streams
// its frames back over the connection.
func (s *APIV1Service) streamThreadWebSocket(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	threadID := c.Param("thread")
	ctx := c.Request().Context()
	if _, err := s.Turns.Thread(ctx, userID, threadID); err != nil && !errors.Is(err, turn.ErrThreadNotFound) {
		return toHTTPError(err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already replied.
		slog.Debug("websocket upgrade failed", "thread", threadID, "error", err)
		return nil
	}
	defer conn.Close()
	w := stream.NewWebSocketWriter(conn, wsWriteTimeout)

	for {
		var body runRequest
		if err := conn.ReadJSON(&body); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket closed unexpectedly", "thread", threadID, "error", err)
			}
			return nil
		}
		req, err := newTurnRequest(userID, threadID, body)
		if err == nil {
			_, err = s.dispatch(ctx, req, func() stream.Writer { return w })
		}
		if err != nil {
			if werr := w.WriteFrame(stream.ErrorFrame(err, threadID, "")); werr != nil {
				return nil
			}
		}
	}
}

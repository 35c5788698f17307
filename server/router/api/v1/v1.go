package v1

import (
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/stream"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/internal/turn"
	"github.com/parleyhq/parley/plugin/llm"
)

type APIV1Service struct {
	Secret  string
	Profile *profile.Profile
	Turns   *turn.Service
}

func NewAPIV1Service(secret string, profile *profile.Profile, turns *turn.Service) *APIV1Service {
	return &APIV1Service{
		Secret:  secret,
		Profile: profile,
		Turns:   turns,
	}
}

// RegisterRoutes mounts the API under /api/v1.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/runs", s.runStateless)
	g.POST("/threads/runs", s.runNewThread)
	g.POST("/threads/:thread/runs", s.runThread)
	g.GET("/threads/:thread/ws", s.streamThreadWebSocket)

	g.GET("/threads", s.listThreads)
	g.GET("/threads/:thread", s.getThread)
	g.GET("/threads/:thread/history", s.getThreadHistory)
	g.GET("/threads/:thread/state", s.getThreadState)
	g.DELETE("/threads/:thread", s.deleteThread)
}

// toHTTPError maps domain errors to HTTP errors.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, turn.ErrEmptyMessage),
		errors.Is(err, toolset.ErrInvalidToolConfiguration),
		errors.Is(err, llm.ErrModelNotSupported),
		errors.Is(err, ledger.ErrInvalidFilter):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, turn.ErrThreadNotFound),
		errors.Is(err, turn.ErrAgentNotFound),
		errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, turn.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, checkpoint.ErrStoreUnavailable),
		errors.Is(err, stream.ErrCancelled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v5"

	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/ledger"
)

type listThreadsResponse struct {
	Threads []*ledger.Summary `json:"threads"`
	// NextPage is 0 when there are no more threads.
	NextPage int `json:"next_page,omitempty"`
}

type historyResponse struct {
	ThreadID    string                   `json:"thread_id"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

func queryInt(c *echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

// listThreads lists the caller's threads. With a filter expression it
// searches them instead.
func (s *APIV1Service) listThreads(c *echo.Context) error {
	userID, err := s.requireAuth(c)
	if err != nil {
		return err
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		return err
	}
	pageSize, err := queryInt(c, "page_size", ledger.DefaultPageSize)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	if filter := c.QueryParam("filter"); filter != "" {
		threads, err := s.Turns.SearchThreads(ctx, userID, filter, pageSize)
		if err != nil {
			return toHTTPError(err)
		}
		return c.JSON(http.StatusOK, listThreadsResponse{Threads: threads})
	}

	threads, err := s.Turns.ListThreads(ctx, ledger.ListOptions{
		UserID:   userID,
		AgentID:  c.QueryParam("agent_id"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		return toHTTPError(err)
	}
	resp := listThreadsResponse{Threads: threads}
	if pageSize > 0 && len(threads) == min(pageSize, ledger.MaxPageSize) {
		resp.NextPage = max(page, 1) + 1
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *APIV1Service) getThread(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	summary, err := s.Turns.Thread(c.Request().Context(), userID, c.Param("thread"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *APIV1Service) getThreadHistory(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	threadID := c.Param("thread")
	history, err := s.Turns.History(c.Request().Context(), userID, threadID)
	if err != nil {
		return toHTTPError(err)
	}
	if history == nil {
		history = []*checkpoint.Checkpoint{}
	}
	return c.JSON(http.StatusOK, historyResponse{ThreadID: threadID, Checkpoints: history})
}

func (s *APIV1Service) getThreadState(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	cp, err := s.Turns.State(c.Request().Context(), userID, c.Param("thread"), c.QueryParam("checkpoint_id"))
	if err != nil {
		return toHTTPError(err)
	}
	if cp == nil {
		return echo.NewHTTPError(http.StatusNotFound, "thread has no checkpoints")
	}
	return c.JSON(http.StatusOK, cp)
}

func (s *APIV1Service) deleteThread(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if err := s.Turns.DeleteThread(c.Request().Context(), userID, c.Param("thread")); err != nil {
		return toHTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

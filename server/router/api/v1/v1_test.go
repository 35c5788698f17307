package v1

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/authz"
	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/graph/graphtest"
	"github.com/parleyhq/parley/internal/ledger"
	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/internal/toolset"
	"github.com/parleyhq/parley/internal/turn"
	"github.com/parleyhq/parley/plugin/llm"
	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db/sqlite"
)

const (
	testSecret = "test-secret"
	testModel  = "test:model"
)

type pendingAuthorizer struct{}

func (pendingAuthorizer) Authorize(_ context.Context, toolName, userID string) (*authz.Request, error) {
	return &authz.Request{ID: "r1", ToolName: toolName, UserID: userID, Status: authz.StatusPending, URL: "https://auth.example/r1"}, nil
}

func (pendingAuthorizer) Status(_ context.Context, req *authz.Request, _ time.Duration) (*authz.Request, error) {
	return req, nil
}

func newTestServer(t *testing.T, steps ...graphtest.Step) *httptest.Server {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{DSN: filepath.Join(t.TempDir(), "parley.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	st := store.New(driver)

	models := llm.NewRegistry(llm.Config{})
	models.Register(testModel, graphtest.NewModel(steps...))
	registry, err := toolset.NewRegistry(&toolset.Tool{
		Name:                  "send_email",
		Description:           "Send an email",
		Origin:                toolset.OriginToolServer,
		RequiresAuthorization: true,
		Authorizer:            pendingAuthorizer{},
		Invoke: func(context.Context, json.RawMessage) (string, error) {
			return "sent", nil
		},
	})
	require.NoError(t, err)
	l, err := ledger.New(st, nil, nil)
	require.NoError(t, err)

	turns := turn.NewService(turn.Config{
		Models:   models,
		Resolver: toolset.NewResolver(registry, nil, nil),
		Saver:    checkpoint.NewSaver(st, 0, nil, nil),
		Ledger:   l,
		Options:  turn.Options{DefaultModel: testModel},
	})
	e := echo.New()
	NewAPIV1Service(testSecret, &profile.Profile{}, turns).RegisterRoutes(e)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := GenerateAccessToken(testSecret, userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(t *testing.T, method, url, userID, accept, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestBufferedRun(t *testing.T) {
	ts := newTestServer(t, graphtest.Reply("The capital of France is Paris."))
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/threads/runs", "u1", "", `{"message":"What is the capital of France?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[runResponse](t, resp)
	require.NotEmpty(t, out.ThreadID)
	require.NotEmpty(t, out.CheckpointID)
	require.Equal(t, "completed", out.Status)
	require.Equal(t, "The capital of France is Paris.", out.Message.Content)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads/"+out.ThreadID+"/history", "u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	history := decode[historyResponse](t, resp)
	require.Len(t, history.Checkpoints, 1)
	require.Len(t, history.Checkpoints[0].Values.Messages, 2)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads/"+out.ThreadID+"/state?checkpoint_id="+out.CheckpointID, "u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads/"+out.ThreadID, "u2", "", "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSSERun(t *testing.T) {
	ts := newTestServer(t, graphtest.Reply("Hello there"))
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/runs", "", "text/event-stream", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	events := strings.Split(strings.TrimSpace(string(body)), "\n\n")
	require.Len(t, events, 3)
	require.Contains(t, events[0], "event: message_delta")
	require.Contains(t, events[2], "event: message_complete")
}

func TestNDJSONRun(t *testing.T) {
	ts := newTestServer(t, graphtest.Reply("Hello there"))
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/threads/t1/runs", "u1", "application/x-ndjson", `{"message":"hi","stream_mode":"composite"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var kinds []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var frame struct {
			Event    string `json:"event"`
			ThreadID string `json:"thread_id"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &frame))
		require.Equal(t, "t1", frame.ThreadID)
		kinds = append(kinds, frame.Event)
	}
	require.Equal(t, []string{"message_delta", "message_delta", "state_snapshot", "message_complete"}, kinds)
}

func TestSuspendedRunIsConflict(t *testing.T) {
	ts := newTestServer(t, graphtest.CallTool(graphtest.ToolCall("c1", "send_email", `{}`)))
	resp := do(t, http.MethodPost, ts.URL+"/api/v1/threads/runs", "u1", "", `{"message":"mail bob","tools":["send_email"]}`)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	out := decode[runErrorResponse](t, resp)
	require.Equal(t, "suspended", out.Status)
	require.Equal(t, "authorization_required", out.Code)
	require.Equal(t, "https://auth.example/r1", out.AuthorizationURL)
	require.Equal(t, "send_email", out.ToolName)
}

func TestRequestErrors(t *testing.T) {
	ts := newTestServer(t, graphtest.Reply("hi"))

	resp := do(t, http.MethodPost, ts.URL+"/api/v1/runs", "", "", `{"message":"hi","model":"nope:x"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/runs", "", "", `{"message":""}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/runs", "", "", `{"message":"hi","stream_mode":"tokens"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/runs", "u1", "", `{"message":"hi","tool_servers":[{"name":"x","url":"ftp://x"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = do(t, http.MethodPost, ts.URL+"/api/v1/threads/missing/runs", "u1", "", `{"message":"hi","checkpoint_id":"c1"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads/missing/history", "u1", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads?filter=1%20%2B", "u1", "", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAnonymousCannotUseAdHocEndpoints(t *testing.T) {
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer internal.Close()

	ts := newTestServer(t, graphtest.Reply("hello"))
	bodies := []string{
		`{"message":"hi","remote_agents":[{"base_url":"` + internal.URL + `","agent_card_path":"/admin/secrets","headers":{"X-Injected":"yes"}}]}`,
		`{"message":"hi","tool_servers":[{"name":"internal","url":"` + internal.URL + `/mcp"}]}`,
	}
	for _, body := range bodies {
		for _, path := range []string{"/api/v1/runs", "/api/v1/threads/runs"} {
			resp := do(t, http.MethodPost, ts.URL+path, "", "", body)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		}
	}
	require.Zero(t, hits.Load())
}

func TestListAndDeleteThreads(t *testing.T) {
	ts := newTestServer(t, graphtest.Reply("one"), graphtest.Reply("two"))
	for _, id := range []string{"t1", "t2"} {
		resp := do(t, http.MethodPost, ts.URL+"/api/v1/threads/"+id+"/runs", "u1", "", `{"message":"hi"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		time.Sleep(5 * time.Millisecond)
	}

	resp := do(t, http.MethodGet, ts.URL+"/api/v1/threads", "", "", "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/threads", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = bad.Body.Close()
	require.Equal(t, http.StatusUnauthorized, bad.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads?page_size=1", "u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[listThreadsResponse](t, resp)
	require.Len(t, page.Threads, 1)
	require.Equal(t, "t2", page.Threads[0].ThreadID)
	require.Equal(t, 2, page.NextPage)

	resp = do(t, http.MethodGet, ts.URL+`/api/v1/threads?filter=last_message.contains(%22one%22)`, "u1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decode[listThreadsResponse](t, resp)
	require.Len(t, found.Threads, 1)
	require.Equal(t, "t1", found.Threads[0].ThreadID)

	resp = do(t, http.MethodDelete, ts.URL+"/api/v1/threads/t1", "u1", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, ts.URL+"/api/v1/threads/t1", "u1", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketRun(t *testing.T) {
	ts := newTestServer(t, graphtest.Reply("Hello there"))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/threads/t1/ws?access_token=" + token(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(runRequest{Message: "hi"}))
	var kinds []string
	for {
		var frame struct {
			Event string `json:"event"`
		}
		require.NoError(t, conn.ReadJSON(&frame))
		kinds = append(kinds, frame.Event)
		if frame.Event == "message_complete" || frame.Event == "error" {
			break
		}
	}
	require.Equal(t, []string{"message_delta", "message_delta", "message_complete"}, kinds)

	require.NoError(t, conn.WriteJSON(runRequest{Message: ""}))
	var frame struct {
		Event   string `json:"event"`
		Payload struct {
			Code string `json:"code"`
		} `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, "error", frame.Event)
	require.Equal(t, "internal", frame.Payload.Code)
}

func TestNegotiate(t *testing.T) {
	require.Equal(t, formatJSON, negotiate(""))
	require.Equal(t, formatJSON, negotiate("application/json"))
	require.Equal(t, formatSSE, negotiate("text/event-stream"))
	require.Equal(t, formatNDJSON, negotiate("application/json;q=0.5, application/x-ndjson"))
}

func TestAccessTokens(t *testing.T) {
	s := &APIV1Service{Secret: testSecret}
	userID, err := s.parseAccessToken(token(t, "u1"))
	require.NoError(t, err)
	require.Equal(t, "u1", userID)

	other, err := GenerateAccessToken("other-secret", "u1", time.Hour)
	require.NoError(t, err)
	_, err = s.parseAccessToken(other)
	require.Error(t, err)

	expired, err := GenerateAccessToken(testSecret, "u1", -time.Minute)
	require.NoError(t, err)
	_, err = s.parseAccessToken(expired)
	require.Error(t, err)
}

package authz

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/plugin/arcade"
)

type fakeAuthorizer struct {
	status      string
	statusAfter string
	authorized  atomic.Int32
	polled      atomic.Int32
	err         error
}

func (f *fakeAuthorizer) Authorize(_ context.Context, toolName, userID string) (*Request, error) {
	f.authorized.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Request{ID: "auth-1", ToolName: toolName, UserID: userID, Status: f.status, URL: "https://auth.example/" + toolName}, nil
}

func (f *fakeAuthorizer) Status(_ context.Context, req *Request, _ time.Duration) (*Request, error) {
	f.polled.Add(1)
	next := *req
	next.Status = f.statusAfter
	next.URL = ""
	return &next, nil
}

func TestNotRequired(t *testing.T) {
	gate := NewController(0, nil).NewGate("u1")
	state, req, err := gate.Check(context.Background(), Target{Name: "calculator"})
	require.NoError(t, err)
	require.Nil(t, req)
	require.Equal(t, NotRequired, state)
}

func TestPendingSuspendsOncePerTurn(t *testing.T) {
	az := &fakeAuthorizer{status: StatusPending}
	gate := NewController(0, nil).NewGate("u1")
	target := Target{Name: "Gmail_SendEmail", RemoteName: "Gmail.SendEmail", RequiresAuthorization: true, Authorizer: az}

	for range 3 {
		state, req, err := gate.Check(context.Background(), target)
		require.Equal(t, Pending, state)
		require.Equal(t, StatusPending, req.Status)
		re, ok := AsRequired(err)
		require.True(t, ok)
		require.False(t, re.Abandoned)
		require.Equal(t, "https://auth.example/Gmail.SendEmail", re.URL)
	}
	require.EqualValues(t, 1, az.authorized.Load())

	// A new turn asks again.
	_, _, err := NewController(0, nil).NewGate("u1").Check(context.Background(), target)
	require.Error(t, err)
	require.EqualValues(t, 2, az.authorized.Load())
}

func TestCompleted(t *testing.T) {
	az := &fakeAuthorizer{status: StatusCompleted}
	gate := NewController(0, nil).NewGate("u1")
	state, _, err := gate.Check(context.Background(), Target{Name: "t", RequiresAuthorization: true, Authorizer: az})
	require.NoError(t, err)
	require.Equal(t, Completed, state)
}

func TestFailedIsAbandoned(t *testing.T) {
	az := &fakeAuthorizer{status: StatusFailed}
	gate := NewController(0, nil).NewGate("u1")
	state, _, err := gate.Check(context.Background(), Target{Name: "t", RequiresAuthorization: true, Authorizer: az})
	require.Equal(t, Abandoned, state)
	re, ok := AsRequired(err)
	require.True(t, ok)
	require.True(t, re.Abandoned)
}

func TestProviderErrorIsAbandoned(t *testing.T) {
	az := &fakeAuthorizer{err: errors.New("connection refused")}
	gate := NewController(0, nil).NewGate("u1")
	state, _, err := gate.Check(context.Background(), Target{Name: "t", RequiresAuthorization: true, Authorizer: az})
	require.Equal(t, Abandoned, state)
	require.ErrorContains(t, err, "connection refused")
}

func TestAnonymousIsAbandoned(t *testing.T) {
	az := &fakeAuthorizer{status: StatusCompleted}
	gate := NewController(0, nil).NewGate("")
	state, _, err := gate.Check(context.Background(), Target{Name: "t", RequiresAuthorization: true, Authorizer: az})
	require.Equal(t, Abandoned, state)
	require.Error(t, err)
	require.Zero(t, az.authorized.Load())
}

func TestWaitPollsUntilCompleted(t *testing.T) {
	az := &fakeAuthorizer{status: StatusPending, statusAfter: StatusCompleted}
	gate := NewController(time.Second, nil).NewGate("u1")
	state, req, err := gate.Check(context.Background(), Target{Name: "t", RequiresAuthorization: true, Authorizer: az})
	require.NoError(t, err)
	require.Equal(t, Completed, state)
	require.Equal(t, "https://auth.example/t", req.URL)
	require.EqualValues(t, 1, az.polled.Load())
}

func TestArcadeAuthorizer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tools/authorize", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"a1","status":"pending","url":"https://consent.example"}`))
	})
	mux.HandleFunc("GET /v1/auth/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"a1","status":"completed"}`))
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	az := ArcadeAuthorizer{Client: arcade.NewClient(arcade.Config{APIKey: "k", BaseURL: ts.URL}, time.Second)}
	state, _, err := NewController(time.Second, nil).NewGate("u1").Check(context.Background(), Target{
		Name: "Gmail_SendEmail", RemoteName: "Gmail.SendEmail", RequiresAuthorization: true, Authorizer: az,
	})
	require.NoError(t, err)
	require.Equal(t, Completed, state)
}

// rendezvousAuthorizer completes "first" only once "second" was asked about.
type rendezvousAuthorizer struct {
	secondAsked chan struct{}
	calls       atomic.Int32
}

func (a *rendezvousAuthorizer) Authorize(ctx context.Context, toolName, userID string) (*Request, error) {
	a.calls.Add(1)
	if toolName == "second" {
		close(a.secondAsked)
	} else {
		select {
		case <-a.secondAsked:
		case <-time.After(2 * time.Second):
			return nil, errors.New("checks were serialized")
		}
	}
	return &Request{ID: toolName, ToolName: toolName, UserID: userID, Status: StatusCompleted}, nil
}

func (a *rendezvousAuthorizer) Status(_ context.Context, req *Request, _ time.Duration) (*Request, error) {
	return req, nil
}

func TestChecksOfDifferentToolsRunConcurrently(t *testing.T) {
	az := &rendezvousAuthorizer{secondAsked: make(chan struct{})}
	gate := NewController(0, nil).NewGate("u1")

	states := make(chan State, 3)
	check := func(name string) {
		state, _, _ := gate.Check(context.Background(), Target{Name: name, RequiresAuthorization: true, Authorizer: az})
		states <- state
	}
	go check("first")
	go check("first")
	time.Sleep(20 * time.Millisecond)
	go check("second")

	for range 3 {
		select {
		case state := <-states:
			require.Equal(t, Completed, state)
		case <-time.After(5 * time.Second):
			t.Fatal("authorization check did not return")
		}
	}
	require.EqualValues(t, 2, az.calls.Load())
}

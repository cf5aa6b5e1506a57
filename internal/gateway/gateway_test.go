package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyAfter struct{ n int }

func (d *denyAfter) Admit(string) bool {
	if d.n <= 0 {
		return false
	}
	d.n--
	return true
}

func okBackend(body string) Backend {
	return BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: http.StatusOK, ContentType: "text/plain", Body: []byte(body)}, nil
	})
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path    string
		service string
		sub     string
		ok      bool
	}{
		{"/api/v1/data-processor/aggregates/dev-1", "data-processor", "aggregates/dev-1", true},
		{"/api/v1/alert-manager", "alert-manager", "", true},
		{"/api/v1/alert-manager/alerts/", "alert-manager", "alerts", true},
		{"/api/v1/", "", "", false},
		{"/other/path", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			service, sub, ok := SplitPath(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.service, service)
			assert.Equal(t, tt.sub, sub)
		})
	}
}

func TestRoute_UnknownServiceIsNotFound(t *testing.T) {
	g := New(nil, Config{})
	g.Register("data-processor", okBackend("ok"))

	_, err := g.Route(context.Background(), &Request{Method: http.MethodGet, Path: "/api/v1/unknown/health"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrUpstreamFailure)

	st := g.Status()
	assert.Equal(t, uint64(1), st.Stats.NotFound)
	assert.Equal(t, uint64(0), st.Stats.UpstreamFailures)
}

func TestRoute_BackendUnknownSubPathIsNotFound(t *testing.T) {
	g := New(nil, Config{})
	g.Register("svc", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.SubPath)
	}))

	_, err := g.Route(context.Background(), &Request{Path: "/api/v1/svc/nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoute_Success(t *testing.T) {
	g := New(nil, Config{})
	var seen *Request
	g.Register("svc", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		seen = req
		return JSON(http.StatusOK, map[string]string{"status": "ok"}), nil
	}))

	resp, err := g.Route(context.Background(), &Request{Method: http.MethodGet, Path: "/api/v1/svc/items/1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"status":"ok"}`, string(resp.Body))
	assert.Equal(t, "items/1", seen.SubPath)
	assert.NotEmpty(t, seen.RequestID)
}

func TestRoute_TimeoutIsUpstreamFailure(t *testing.T) {
	g := New(nil, Config{Timeout: 50 * time.Millisecond})
	block := make(chan struct{})
	defer close(block)
	// Бэкенд игнорирует ctx
	g.Register("slow", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		<-block
		return JSON(http.StatusOK, nil), nil
	}))

	start := time.Now()
	_, err := g.Route(context.Background(), &Request{Path: "/api/v1/slow/anything"})
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.NotErrorIs(t, err, ErrNotFound)

	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, "slow", upErr.Service)
	assert.ErrorIs(t, upErr.Err, context.DeadlineExceeded)
}

func TestRoute_BackendErrorAndPanic(t *testing.T) {
	g := New(nil, Config{})
	g.Register("broken", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return nil, errors.New("connection refused")
	}))
	g.Register("panicky", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		panic("boom")
	}))

	_, err := g.Route(context.Background(), &Request{Path: "/api/v1/broken/x"})
	assert.ErrorIs(t, err, ErrUpstreamFailure)

	_, err = g.Route(context.Background(), &Request{Path: "/api/v1/panicky/x"})
	assert.ErrorIs(t, err, ErrUpstreamFailure)

	assert.Equal(t, uint64(2), g.Status().Stats.UpstreamFailures)
}

func TestRoute_StatusCodes(t *testing.T) {
	g := New(nil, Config{})
	g.Register("err500", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return Error(http.StatusInternalServerError, "db down"), nil
	}))
	g.Register("err400", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		return Error(http.StatusBadRequest, "bad input"), nil
	}))

	_, err := g.Route(context.Background(), &Request{Path: "/api/v1/err500/x"})
	var upErr *UpstreamError
	require.True(t, errors.As(err, &upErr))
	assert.Equal(t, http.StatusInternalServerError, upErr.Status)

	resp, err := g.Route(context.Background(), &Request{Path: "/api/v1/err400/x"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestRoute_CountersPerPathAndOutcome(t *testing.T) {
	g := New(nil, Config{})
	g.Register("svc", okBackend("ok"))

	for i := 0; i < 3; i++ {
		_, err := g.Route(context.Background(), &Request{Path: "/api/v1/svc/a"})
		require.NoError(t, err)
	}
	_, _ = g.Route(context.Background(), &Request{Path: "/api/v1/svc/b"})
	_, _ = g.Route(context.Background(), &Request{Path: "/api/v1/missing/a"})

	st := g.Status()
	assert.Equal(t, uint64(5), st.Stats.TotalRequests)
	assert.Equal(t, uint64(4), st.Stats.Successful)
	assert.Equal(t, uint64(1), st.Stats.NotFound)
	assert.Equal(t, uint64(3), st.Stats.Paths["/api/v1/svc/a"])
	assert.Equal(t, uint64(1), st.Stats.Paths["/api/v1/svc/b"])
	assert.Equal(t, uint64(1), st.Stats.Paths["unknown"])
	assert.Equal(t, []string{"svc"}, st.Services)
	assert.Equal(t, 5, st.RecentRequests)

	recent := g.RecentRequests(1)
	require.Len(t, recent, 1)
	assert.Equal(t, OutcomeNotFound, recent[0].Outcome)
}

func TestRoute_RequestLogIsCapped(t *testing.T) {
	g := New(nil, Config{})
	g.Register("svc", okBackend("ok"))

	for i := 0; i < maxRequestLog+25; i++ {
		_, _ = g.Route(context.Background(), &Request{Path: "/api/v1/svc/x"})
	}

	st := g.Status()
	assert.Equal(t, maxRequestLog, st.RecentRequests)
	assert.Equal(t, uint64(maxRequestLog+25), st.Stats.TotalRequests)
}

func TestRoute_PathCountersStayBounded(t *testing.T) {
	g := New(nil, Config{})
	g.Register("data-processor", BackendFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if strings.HasPrefix(req.SubPath, "aggregates/") {
			return &Response{Status: http.StatusOK}, nil
		}
		return nil, ErrNotFound
	}))

	for i := 0; i < 500; i++ {
		_, err := g.Route(context.Background(), &Request{Path: fmt.Sprintf("/api/v1/nowhere-%d/x", i)})
		require.ErrorIs(t, err, ErrNotFound)
		_, err = g.Route(context.Background(), &Request{Path: fmt.Sprintf("/api/v1/data-processor/junk-%d", i)})
		require.ErrorIs(t, err, ErrNotFound)
		_, err = g.Route(context.Background(), &Request{Path: fmt.Sprintf("/api/v1/data-processor/aggregates/dev-%d/temperature", i)})
		require.NoError(t, err)
	}

	paths := g.Status().Stats.Paths
	assert.Equal(t, map[string]uint64{
		"unknown":                           1000,
		"/api/v1/data-processor/aggregates": 500,
	}, paths)
}

func TestAdmit_CountsRejections(t *testing.T) {
	g := New(&denyAfter{n: 2}, Config{})
	g.Register("svc", okBackend("ok"))
	req := func() *Request {
		return &Request{Method: http.MethodGet, Path: "/api/v1/svc/a", ClientKey: "10.0.0.1"}
	}

	assert.True(t, g.Admit(req()))
	assert.True(t, g.Admit(req()))
	assert.False(t, g.Admit(req()))

	st := g.Status()
	assert.Equal(t, uint64(1), st.Stats.RateLimited)
	assert.Equal(t, uint64(1), st.Stats.TotalRequests)
	assert.Equal(t, uint64(1), st.Stats.Paths["/api/v1/svc"])

	recent := g.RecentRequests(0)
	require.Len(t, recent, 1)
	assert.Equal(t, OutcomeRateLimited, recent[0].Outcome)
	assert.Equal(t, http.StatusTooManyRequests, recent[0].Status)
	assert.Equal(t, "10.0.0.1", recent[0].ClientKey)
}

func TestRemaining(t *testing.T) {
	_, ok := New(&denyAfter{n: 1}, Config{}).Remaining("c")
	assert.False(t, ok)

	g := New(fixedBudget(3.5), Config{})
	left, ok := g.Remaining("c")
	require.True(t, ok)
	assert.Equal(t, 3.5, left)
}

type fixedBudget float64

func (b fixedBudget) Admit(string) bool        { return true }
func (b fixedBudget) Available(string) float64 { return float64(b) }

func TestHTTPBackend_ForwardsRequest(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"dev-1"}`))
	}))
	defer srv.Close()

	g := New(nil, Config{})
	g.Register("device-registry", NewHTTPBackend(srv.URL+"/", nil))

	resp, err := g.Route(context.Background(), &Request{
		Method:    http.MethodPost,
		Path:      "/api/v1/device-registry/devices",
		Query:     url.Values{"verbose": {"1"}},
		Body:      []byte(`{"id":"dev-1"}`),
		ClientKey: "10.1.1.1",
		RequestID: "req-42",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "application/json", resp.ContentType)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/devices", got.URL.Path)
	assert.Equal(t, "1", got.URL.Query().Get("verbose"))
	assert.Equal(t, "10.1.1.1", got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "req-42", got.Header.Get("X-Gateway-Request-ID"))
	assert.JSONEq(t, `{"id":"dev-1"}`, string(gotBody))
}

func TestHTTPBackend_UnreachableIsUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	g := New(nil, Config{Timeout: time.Second})
	g.Register("device-registry", NewHTTPBackend(addr, nil))

	_, err := g.Route(context.Background(), &Request{Path: "/api/v1/device-registry/health"})
	assert.ErrorIs(t, err, ErrUpstreamFailure)
}

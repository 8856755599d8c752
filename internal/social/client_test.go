package social

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

var testLogger = slog.Default()

// --- Test server ---------------------------------------------------------------

type recordingServer struct {
	mu       sync.Mutex
	requests []*http.Request
	status   []int // consumed in order; 200 once empty
	body     string
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Clone(context.Background()))
	code := http.StatusOK
	if len(s.status) > 0 {
		code, s.status = s.status[0], s.status[1:]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(s.body))
}

func (s *recordingServer) last() *http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func (s *recordingServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestClient(t *testing.T, rs *recordingServer, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/api/", Credentials: creds, MaxAttempts: 2}, testLogger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.retryBase = time.Millisecond
	return c
}

// ---------------------------------------------------------------------------

func TestClient_GetJSON_BasicAuthAndQuery(t *testing.T) {
	rs := &recordingServer{body: `{"id_str":"42"}`}
	c := newTestClient(t, rs, Credentials{Username: "t131t", Password: "secret"})

	var out struct {
		IDStr string `json:"id_str"`
	}
	err := c.GetJSON(context.Background(), "statuses/home_timeline.json", url.Values{"since_id": {"7"}}, &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.IDStr != "42" {
		t.Errorf("IDStr = %q, want 42", out.IDStr)
	}

	req := rs.last()
	if req.URL.Path != "/api/statuses/home_timeline.json" {
		t.Errorf("path = %q", req.URL.Path)
	}
	if req.URL.Query().Get("since_id") != "7" {
		t.Errorf("since_id = %q, want 7", req.URL.Query().Get("since_id"))
	}
	user, pass, ok := req.BasicAuth()
	if !ok || user != "t131t" || pass != "secret" {
		t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
	}
}

func TestClient_BearerToken(t *testing.T) {
	rs := &recordingServer{body: `{}`}
	c := newTestClient(t, rs, Credentials{AccessToken: "tok-123"})

	if err := c.GetJSON(context.Background(), "account/verify_credentials.json", nil, &struct{}{}); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if got := rs.last().Header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
}

func TestClient_ClassifiesHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want StatusCode
	}{
		{http.StatusUnauthorized, StatusAuthentication},
		{http.StatusNotFound, StatusNotFound},
		{http.StatusBadRequest, StatusHardError},
	}
	for _, tt := range tests {
		rs := &recordingServer{status: []int{tt.code}, body: `{"error":"x"}`}
		c := newTestClient(t, rs, Credentials{})
		err := c.GetJSON(context.Background(), "x.json", nil, &struct{}{})
		if got := StatusOf(err); got != tt.want {
			t.Errorf("HTTP %d: StatusOf = %v, want %v", tt.code, got, tt.want)
		}
		var se *Error
		if !errors.As(err, &se) || se.HTTPStatus != tt.code {
			t.Errorf("HTTP %d: error = %v", tt.code, err)
		}
		if rs.count() != 1 {
			t.Errorf("HTTP %d: requests = %d, want 1 (no retry)", tt.code, rs.count())
		}
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	rs := &recordingServer{status: []int{http.StatusBadGateway}, body: `{}`}
	c := newTestClient(t, rs, Credentials{})

	if err := c.GetJSON(context.Background(), "x.json", nil, &struct{}{}); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if rs.count() != 2 {
		t.Errorf("requests = %d, want 2", rs.count())
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	rs := &recordingServer{status: []int{http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK}, body: `{}`}
	c := newTestClient(t, rs, Credentials{})

	err := c.GetJSON(context.Background(), "x.json", nil, &struct{}{})
	if StatusOf(err) != StatusTransient {
		t.Errorf("StatusOf = %v, want transient", StatusOf(err))
	}
	if rs.count() != 2 {
		t.Errorf("requests = %d, want 2", rs.count())
	}
}

func TestClient_CancelledDuringBackoff(t *testing.T) {
	rs := &recordingServer{status: []int{http.StatusBadGateway, http.StatusBadGateway}, body: `{}`}
	c := newTestClient(t, rs, Credentials{})
	c.retryBase = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.GetJSON(ctx, "x.json", nil, &struct{}{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if rs.count() != 1 {
		t.Errorf("requests = %d, want 1", rs.count())
	}
}

func TestClient_BackoffGrowsAndIsCapped(t *testing.T) {
	c := &Client{retryBase: defaultRetryBase}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{1, 250 * time.Millisecond, 500 * time.Millisecond},
		{2, 500 * time.Millisecond, time.Second},
		{3, time.Second, 2 * time.Second},
		{20, maxBackoff / 2, maxBackoff},
	}
	for _, tt := range tests {
		if d := c.backoff(tt.attempt); d < tt.min || d >= tt.max {
			t.Errorf("backoff(%d) = %v, want [%v, %v)", tt.attempt, d, tt.min, tt.max)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"3600", maxRetryAfter},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.header, now); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestClient_MalformedJSONIsHardError(t *testing.T) {
	rs := &recordingServer{body: `[not json`}
	c := newTestClient(t, rs, Credentials{})

	err := c.GetJSON(context.Background(), "x.json", nil, &struct{}{})
	if StatusOf(err) != StatusHardError {
		t.Errorf("StatusOf = %v, want hard_error", StatusOf(err))
	}
}

func TestClient_AbsoluteRef(t *testing.T) {
	rs := &recordingServer{body: `{}`}
	c := newTestClient(t, rs, Credentials{})

	abs := c.BaseURL().Scheme + "://" + c.BaseURL().Host + "/api/note/abc"
	if err := c.GetJSON(context.Background(), abs, nil, &struct{}{}); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if rs.last().URL.Path != "/api/note/abc" {
		t.Errorf("path = %q", rs.last().URL.Path)
	}
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "ftp://example.com"}, testLogger); err == nil {
		t.Error("expected error for non-http base URL")
	}
}

func TestStatusOf(t *testing.T) {
	if StatusOf(nil) != StatusUnknown {
		t.Error("nil error must be unknown")
	}
	if StatusOf(errors.New("boom")) != StatusHardError {
		t.Error("unclassified error must be hard")
	}
	if StatusOf(context.DeadlineExceeded) != StatusTransient {
		t.Error("deadline must be transient")
	}
	if !IsNotFound(NewError(StatusNotFound, "op", nil)) {
		t.Error("IsNotFound mismatch")
	}
}

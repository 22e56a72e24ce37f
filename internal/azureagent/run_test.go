package azureagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, s.err
}

type recordedRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Authorization string
	Body          string
}

// fakeUpstream scripts the thread/message/run/poll protocol. The run-create
// response returns statuses[0]; each poll GET consumes the next status, and
// the final one repeats once the script is exhausted.
type fakeUpstream struct {
	mu       sync.Mutex
	requests []recordedRequest

	statuses           []string
	polls              int
	lastErrorMessage   string
	messagesJSON       string
	createThreadStatus int
	createThreadBody   string
}

func (f *fakeUpstream) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}

		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Authorization: r.Header.Get("Authorization"),
			Body:          string(body),
		})
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			if f.createThreadStatus != 0 {
				w.WriteHeader(f.createThreadStatus)
				_, _ = w.Write([]byte(f.createThreadBody))
				return
			}
			_, _ = w.Write([]byte(`{"id":"t1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/threads/t1/messages":
			_, _ = w.Write([]byte(`{"id":"m1"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/threads/t1/runs":
			_, _ = w.Write([]byte(fmt.Sprintf(`{"id":"r1","status":%q}`, f.statuses[0])))
		case r.Method == http.MethodGet && r.URL.Path == "/threads/t1/runs/r1":
			f.mu.Lock()
			f.polls++
			index := f.polls
			if index >= len(f.statuses) {
				index = len(f.statuses) - 1
			}
			status := f.statuses[index]
			f.mu.Unlock()

			payload := map[string]any{"id": "r1", "status": status}
			if f.lastErrorMessage != "" {
				payload["last_error"] = map[string]string{"message": f.lastErrorMessage}
			}
			encoded, err := json.Marshal(payload)
			if err != nil {
				t.Errorf("encode run payload: %v", err)
			}
			_, _ = w.Write(encoded)
		case r.Method == http.MethodGet && r.URL.Path == "/threads/t1/messages":
			_, _ = w.Write([]byte(f.messagesJSON))
		default:
			t.Errorf("unexpected upstream request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (f *fakeUpstream) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

func (f *fakeUpstream) callSequence() []string {
	requests := f.recorded()
	seq := make([]string, 0, len(requests))
	for _, req := range requests {
		seq = append(seq, req.Method+" "+req.Path)
	}
	return seq
}

func newTestClient(t *testing.T, upstream *fakeUpstream) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(upstream.handler(t))
	t.Cleanup(server.Close)

	client, err := New(Config{
		Endpoint:        server.URL,
		AgentID:         "agent-1",
		TokenSource:     staticTokens{token: "tok-test"},
		HTTPClient:      server.Client(),
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 30,
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}
	return client, server
}

func singleTextMessages(role, value string) string {
	return fmt.Sprintf(`{"data":[{"role":%q,"content":[{"type":"text","text":{"value":%q}}]}]}`, role, value)
}

func TestRunTurnHappyPath(t *testing.T) {
	upstream := &fakeUpstream{
		statuses:     []string{"queued", "in_progress", "completed"},
		messagesJSON: singleTextMessages("assistant", "olá"),
	}
	client, _ := newTestClient(t, upstream)

	result, err := client.RunTurn(context.Background(), "oi")
	if err != nil {
		t.Fatalf("RunTurn() unexpected error: %v", err)
	}
	if result.Reply != "olá" {
		t.Fatalf("reply = %q, want %q", result.Reply, "olá")
	}
	if result.ThreadID != "t1" || result.RunID != "r1" {
		t.Fatalf("ids = (%q, %q), want (t1, r1)", result.ThreadID, result.RunID)
	}
	if result.Polls != 2 {
		t.Fatalf("polls = %d, want 2", result.Polls)
	}

	wantSequence := []string{
		"POST /threads",
		"POST /threads/t1/messages",
		"POST /threads/t1/runs",
		"GET /threads/t1/runs/r1",
		"GET /threads/t1/runs/r1",
		"GET /threads/t1/messages",
	}
	gotSequence := upstream.callSequence()
	if len(gotSequence) != len(wantSequence) {
		t.Fatalf("call sequence = %v, want %v", gotSequence, wantSequence)
	}
	for i := range wantSequence {
		if gotSequence[i] != wantSequence[i] {
			t.Fatalf("call[%d] = %q, want %q", i, gotSequence[i], wantSequence[i])
		}
	}
}

func TestRunTurnRequestDetails(t *testing.T) {
	upstream := &fakeUpstream{
		statuses:     []string{"completed"},
		messagesJSON: singleTextMessages("assistant", "olá"),
	}
	client, _ := newTestClient(t, upstream)

	if _, err := client.RunTurn(context.Background(), "oi"); err != nil {
		t.Fatalf("RunTurn() unexpected error: %v", err)
	}

	for _, req := range upstream.recorded() {
		values, err := url.ParseQuery(req.RawQuery)
		if err != nil {
			t.Fatalf("parse query %q: %v", req.RawQuery, err)
		}
		if got := values["api-version"]; len(got) != 1 || got[0] != "2025-05-01" {
			t.Fatalf("api-version on %s %s = %v, want exactly one 2025-05-01", req.Method, req.Path, got)
		}
		if req.Authorization != "Bearer tok-test" {
			t.Fatalf("authorization on %s %s = %q", req.Method, req.Path, req.Authorization)
		}
	}

	requests := upstream.recorded()

	postMessage := requests[1]
	var messageBody struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(postMessage.Body), &messageBody); err != nil {
		t.Fatalf("unmarshal message body: %v", err)
	}
	if messageBody.Role != "user" || messageBody.Content != "oi" {
		t.Fatalf("message body = %+v, want role=user content=oi", messageBody)
	}

	startRun := requests[2]
	var runBody struct {
		AssistantID string `json:"assistant_id"`
	}
	if err := json.Unmarshal([]byte(startRun.Body), &runBody); err != nil {
		t.Fatalf("unmarshal run body: %v", err)
	}
	if runBody.AssistantID != "agent-1" {
		t.Fatalf("assistant_id = %q, want agent-1", runBody.AssistantID)
	}

	// The message-list path already carries a query string, so api-version is
	// appended with & and the original parameters are preserved.
	listMessages := requests[len(requests)-1]
	if listMessages.RawQuery != "order=desc&limit=10&api-version=2025-05-01" {
		t.Fatalf("list messages query = %q", listMessages.RawQuery)
	}
}

func TestRunTurnFallbackWhenNoMessages(t *testing.T) {
	upstream := &fakeUpstream{
		statuses:     []string{"completed"},
		messagesJSON: `{"data":[]}`,
	}
	client, _ := newTestClient(t, upstream)

	result, err := client.RunTurn(context.Background(), "oi")
	if err != nil {
		t.Fatalf("RunTurn() unexpected error: %v", err)
	}
	if result.Reply != ReplyFallback {
		t.Fatalf("reply = %q, want fallback", result.Reply)
	}
}

func TestRunTurnAgentFailure(t *testing.T) {
	upstream := &fakeUpstream{
		statuses:         []string{"queued", "failed"},
		lastErrorMessage: "boom",
	}
	client, _ := newTestClient(t, upstream)

	_, err := client.RunTurn(context.Background(), "oi")
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %v, want *AgentError", err)
	}
	if agentErr.Error() != "Agente falhou: boom" {
		t.Fatalf("message = %q, want %q", agentErr.Error(), "Agente falhou: boom")
	}
	if agentErr.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", agentErr.Status)
	}
}

func TestRunTurnUnknownTerminalStatusIsFailure(t *testing.T) {
	upstream := &fakeUpstream{
		statuses: []string{"queued", "expired"},
	}
	client, _ := newTestClient(t, upstream)

	_, err := client.RunTurn(context.Background(), "oi")
	var agentErr *AgentError
	if !errors.As(err, &agentErr) {
		t.Fatalf("error = %v, want *AgentError", err)
	}
	if agentErr.Error() != "Agente falhou: Erro desconhecido" {
		t.Fatalf("message = %q, want %q", agentErr.Error(), "Agente falhou: Erro desconhecido")
	}
}

func TestRunTurnTimeoutAfterExactly30Polls(t *testing.T) {
	upstream := &fakeUpstream{
		statuses: []string{"in_progress"},
	}
	client, _ := newTestClient(t, upstream)

	_, err := client.RunTurn(context.Background(), "oi")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("error = %v, want *TimeoutError", err)
	}
	if err.Error() != "Timeout: o agente demorou muito para responder" {
		t.Fatalf("message = %q", err.Error())
	}

	pollCalls := 0
	for _, call := range upstream.callSequence() {
		if call == "GET /threads/t1/runs/r1" {
			pollCalls++
		}
	}
	if pollCalls != 30 {
		t.Fatalf("poll calls = %d, want 30", pollCalls)
	}
}

func TestRunTurnUpstreamErrorOnCreateThreadStopsProtocol(t *testing.T) {
	upstream := &fakeUpstream{
		statuses:           []string{"completed"},
		createThreadStatus: http.StatusUnauthorized,
		createThreadBody:   "no token",
	}
	client, _ := newTestClient(t, upstream)

	_, err := client.RunTurn(context.Background(), "oi")
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upstreamErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", upstreamErr.StatusCode)
	}
	if upstreamErr.Error() != "API Error: 401 - no token" {
		t.Fatalf("message = %q", upstreamErr.Error())
	}

	if got := len(upstream.recorded()); got != 1 {
		t.Fatalf("upstream calls after failure = %d, want 1", got)
	}
}

func TestRunTurnTransportFailure(t *testing.T) {
	upstream := &fakeUpstream{statuses: []string{"completed"}}
	client, server := newTestClient(t, upstream)
	server.Close()

	_, err := client.RunTurn(context.Background(), "oi")
	var upstreamErr *UpstreamError
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if upstreamErr.StatusCode != 0 {
		t.Fatalf("status = %d, want 0 for transport failure", upstreamErr.StatusCode)
	}
}

func TestRunTurnTokenFailurePropagates(t *testing.T) {
	client, err := New(Config{
		Endpoint:    "http://127.0.0.1:1",
		AgentID:     "agent-1",
		TokenSource: staticTokens{err: errors.New("mint failed")},
	})
	if err != nil {
		t.Fatalf("New() unexpected error: %v", err)
	}

	_, err = client.RunTurn(context.Background(), "oi")
	if err == nil || err.Error() != "mint failed" {
		t.Fatalf("error = %v, want token source error verbatim", err)
	}
}

func TestRunTurnForwardsEmptyMessage(t *testing.T) {
	upstream := &fakeUpstream{
		statuses:     []string{"completed"},
		messagesJSON: singleTextMessages("assistant", "olá"),
	}
	client, _ := newTestClient(t, upstream)

	if _, err := client.RunTurn(context.Background(), ""); err != nil {
		t.Fatalf("RunTurn() unexpected error: %v", err)
	}

	postMessage := upstream.recorded()[1]
	if !strings.Contains(postMessage.Body, `"content":""`) {
		t.Fatalf("message body = %q, want empty content forwarded", postMessage.Body)
	}
}

func TestExtractAssistantReply(t *testing.T) {
	tests := []struct {
		name     string
		json     string
		want     string
		wantOK   bool
	}{
		{
			name:   "newest assistant wins over older ones",
			json:   `{"data":[{"role":"user","content":[{"type":"text","text":{"value":"oi"}}]},{"role":"assistant","content":[{"type":"text","text":{"value":"primeira"}}]},{"role":"assistant","content":[{"type":"text","text":{"value":"antiga"}}]}]}`,
			want:   "primeira",
			wantOK: true,
		},
		{
			name:   "unknown part types skipped before text",
			json:   `{"data":[{"role":"assistant","content":[{"type":"image_file"},{"type":"text","text":{"value":"olá"}}]}]}`,
			want:   "olá",
			wantOK: true,
		},
		{
			name:   "assistant without text part",
			json:   `{"data":[{"role":"assistant","content":[{"type":"image_file"}]}]}`,
			wantOK: false,
		},
		{
			name:   "text part with empty value",
			json:   `{"data":[{"role":"assistant","content":[{"type":"text","text":{"value":""}}]}]}`,
			wantOK: false,
		},
		{
			name:   "no assistant message",
			json:   `{"data":[{"role":"user","content":[{"type":"text","text":{"value":"oi"}}]}]}`,
			wantOK: false,
		},
		{
			name:   "empty list",
			json:   `{"data":[]}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var messages messageList
			if err := json.Unmarshal([]byte(tt.json), &messages); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			got, ok := extractAssistantReply(messages)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Fatalf("reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	base := Config{
		Endpoint:    "https://example.net",
		AgentID:     "agent-1",
		TokenSource: staticTokens{token: "tok"},
	}

	t.Run("missing endpoint", func(t *testing.T) {
		cfg := base
		cfg.Endpoint = " "
		if _, err := New(cfg); err == nil {
			t.Fatalf("New should fail without endpoint")
		}
	})

	t.Run("missing agent id", func(t *testing.T) {
		cfg := base
		cfg.AgentID = ""
		if _, err := New(cfg); err == nil {
			t.Fatalf("New should fail without agent id")
		}
	})

	t.Run("missing token source", func(t *testing.T) {
		cfg := base
		cfg.TokenSource = nil
		if _, err := New(cfg); err == nil {
			t.Fatalf("New should fail without token source")
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		cfg := base
		cfg.Endpoint = "https://example.net/api/"
		client, err := New(cfg)
		if err != nil {
			t.Fatalf("New() unexpected error: %v", err)
		}
		if client.endpoint != "https://example.net/api" {
			t.Fatalf("endpoint = %q, want trailing slash trimmed", client.endpoint)
		}
	})
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/instchat/internal/auth"
	"github.com/knoguchi/instchat/internal/chat"
	"github.com/knoguchi/instchat/internal/llm"
	"github.com/knoguchi/instchat/internal/llm/llmtest"
	"github.com/knoguchi/instchat/internal/logging"
	"github.com/knoguchi/instchat/internal/memory"
	"github.com/knoguchi/instchat/internal/relay"
	"github.com/knoguchi/instchat/internal/sse"
)

func newTestChat(t *testing.T, provider llm.Provider) *chat.Service {
	t.Helper()
	store := memory.NewStore(0, 0)
	t.Cleanup(store.Close)
	logger := logging.Nop()
	return chat.NewService(relay.New(provider, relay.WithLogger(logger)), store,
		chat.WithSystemPrompt("SYS"),
		chat.WithLogger(logger),
	)
}

func newTestHTTP(t *testing.T, cfg HTTPServerConfig) http.Handler {
	t.Helper()
	cfg.Logger = logging.Nop()
	srv, err := NewHTTPServer(cfg)
	if err != nil {
		t.Fatalf("NewHTTPServer: %v", err)
	}
	return srv.Handler()
}

func do(h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func readEvents(t *testing.T, body string) []sse.Event {
	t.Helper()
	r := sse.NewReader(strings.NewReader(body))
	var events []sse.Event
	for {
		ev, err := r.Next()
		if err != nil {
			t.Fatalf("reading events: %v", err)
		}
		if ev == nil {
			return events
		}
		events = append(events, *ev)
	}
}

func TestHealthz(t *testing.T) {
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New())})

	for _, path := range []string{"/healthz", "/readyz"} {
		if rec := do(h, http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rec.Code)
		}
	}
}

func TestLimits(t *testing.T) {
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New())})

	rec := do(h, http.MethodGet, "/v1/limits", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var limits chat.Limits
	if err := json.Unmarshal(rec.Body.Bytes(), &limits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if limits.MaxNewTokens.Max != chat.MaxMaxNewTokens || limits.SystemPrompt != "SYS" {
		t.Errorf("limits = %+v", limits)
	}
}

func TestGenerate_StreamsSnapshots(t *testing.T) {
	provider := llmtest.New("a", "b", "</s>", "c")
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, provider)})

	rec := do(h, http.MethodPost, "/v1/generate", `{"message":"hi","history":[{"user":"q","assistant":"r"}],"temperature":0.5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	events := readEvents(t, rec.Body.String())
	want := []struct{ typ, data string }{
		{"snapshot", `{"text":"a"}`},
		{"snapshot", `{"text":"ab"}`},
		{"done", `{"text":"ab"}`},
	}
	if len(events) != len(want) {
		t.Fatalf("events = %+v", events)
	}
	for i, w := range want {
		if events[i].Type != w.typ || events[i].Data != w.data {
			t.Errorf("event %d = %s %s, want %s %s", i, events[i].Type, events[i].Data, w.typ, w.data)
		}
	}

	call := provider.Calls()[0]
	if call.Options.Temperature != 0.5 || call.Options.MaxNewTokens != chat.DefaultMaxNewTokens || call.Options.TopK != 10 {
		t.Errorf("options = %+v", call.Options)
	}
	if !strings.HasPrefix(call.Prompt, "<s>[INST] <<SYS>>\nSYS\n") {
		t.Errorf("prompt = %q", call.Prompt)
	}
}

func TestGenerate_SystemPromptOverride(t *testing.T) {
	provider := llmtest.New("x")
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, provider)})

	rec := do(h, http.MethodPost, "/v1/generate", `{"message":"hi","system_prompt":""}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := provider.Calls()[0].Prompt; got != "<s>[INST] <<SYS>>\n\n<</SYS>>\n\nhi [/INST]" {
		t.Errorf("prompt = %q", got)
	}
}

func TestGenerate_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "bad json", body: `{`, want: http.StatusBadRequest},
		{name: "ceiling exceeded", body: `{"message":"hi","max_new_tokens":5000}`, want: http.StatusBadRequest},
		{name: "top_p out of range", body: `{"message":"hi","top_p":1.5}`, want: http.StatusBadRequest},
		{name: "input too long", body: fmt.Sprintf(`{"message":%q}`, strings.Repeat("a", chat.MaxInputTokenLength)), want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := llmtest.New("x")
			h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, provider)})
			rec := do(h, http.MethodPost, "/v1/generate", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			if len(provider.Calls()) != 0 {
				t.Error("provider must not be called")
			}
		})
	}
}

func TestGenerate_ProviderErrorEvent(t *testing.T) {
	provider := llmtest.New().WithOpenError(&llm.APIError{Provider: "tgi", StatusCode: 503, Type: "overloaded", Message: "busy"})
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, provider)})

	rec := do(h, http.MethodPost, "/v1/generate", `{"message":"hi"}`)
	events := readEvents(t, rec.Body.String())
	if len(events) != 1 || events[0].Type != "error" {
		t.Fatalf("events = %+v", events)
	}

	var body ErrorResponse
	if err := json.Unmarshal([]byte(events[0].Data), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ProviderStatus != 503 || body.ProviderType != "overloaded" {
		t.Errorf("error body = %+v", body)
	}
}

func TestSessionFlow(t *testing.T) {
	tokens := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New("Hel", "lo")), Tokens: tokens})

	rec := do(h, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var session SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.Token == "" {
		t.Fatal("expected a session token")
	}
	bearer := []string{"Authorization", "Bearer " + session.Token}
	base := "/v1/sessions/" + session.ID

	if rec := do(h, http.MethodGet, base+"/", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}

	rec = do(h, http.MethodPost, base+"/messages", `{"message":"hi"}`, bearer...)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d body=%s", rec.Code, rec.Body.String())
	}
	events := readEvents(t, rec.Body.String())
	last := events[len(events)-1]
	if last.Type != "done" || last.Data != `{"history":[{"user":"hi","assistant":"Hello"}]}` {
		t.Errorf("final event = %s %s", last.Type, last.Data)
	}

	rec = do(h, http.MethodGet, base+"/", "", bearer...)
	var history HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.History) != 1 || history.History[0].Assistant != "Hello" {
		t.Errorf("history = %+v", history)
	}

	rec = do(h, http.MethodPost, base+"/retry", "", bearer...)
	if rec.Code != http.StatusOK {
		t.Fatalf("retry status = %d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(h, http.MethodPost, base+"/undo", "", bearer...)
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if history.Message != "hi" || len(history.History) != 0 {
		t.Errorf("undo = %+v", history)
	}

	if rec := do(h, http.MethodPost, base+"/retry", "", bearer...); rec.Code != http.StatusConflict {
		t.Errorf("retry on empty history status = %d", rec.Code)
	}

	if rec := do(h, http.MethodDelete, base+"/messages", "", bearer...); rec.Code != http.StatusNoContent {
		t.Errorf("clear status = %d", rec.Code)
	}
}

func createSession(t *testing.T, h http.Handler) SessionResponse {
	t.Helper()
	rec := do(h, http.MethodPost, "/v1/sessions", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var session SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return session
}

// unflushableWriter is a ResponseWriter that cannot stream.
type unflushableWriter struct {
	header http.Header
	code   int
}

func (w *unflushableWriter) Header() http.Header         { return w.header }
func (w *unflushableWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *unflushableWriter) WriteHeader(code int)        { w.code = code }

func TestSubmit_UnflushableWriter(t *testing.T) {
	provider := llmtest.New("Hel", "lo")
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, provider)})
	session := createSession(t, h)
	base := "/v1/sessions/" + session.ID

	w := &unflushableWriter{header: http.Header{}}
	req := httptest.NewRequest(http.MethodPost, base+"/messages", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)

	if w.code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.code, http.StatusInternalServerError)
	}
	if calls := provider.Calls(); len(calls) != 0 {
		t.Errorf("expected no provider calls, got %d", len(calls))
	}

	rec := do(h, http.MethodGet, base+"/", "")
	var history HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(history.History) != 0 {
		t.Errorf("history = %+v, want empty", history.History)
	}

	if rec := do(h, http.MethodPost, base+"/messages", `{"message":"hi"}`); rec.Code != http.StatusOK {
		t.Errorf("submit after failed stream status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestRefreshToken(t *testing.T) {
	tokens := auth.NewJWTManager(auth.DefaultJWTConfig("test-secret"))
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New()), Tokens: tokens})
	session := createSession(t, h)
	other := createSession(t, h)
	base := "/v1/sessions/" + session.ID

	id := uuid.MustParse(session.ID)
	expired, err := tokens.GenerateTokenWithExpiry(id, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateTokenWithExpiry: %v", err)
	}
	if rec := do(h, http.MethodGet, base+"/", "", "Authorization", "Bearer "+expired); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token status = %d", rec.Code)
	}

	rec := do(h, http.MethodPost, base+"/token", "", "Authorization", "Bearer "+expired)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body=%s", rec.Code, rec.Body.String())
	}
	var refreshed SessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if refreshed.ID != session.ID || refreshed.Token == "" {
		t.Fatalf("refresh = %+v", refreshed)
	}
	if rec := do(h, http.MethodGet, base+"/", "", "Authorization", "Bearer "+refreshed.Token); rec.Code != http.StatusOK {
		t.Errorf("refreshed token status = %d", rec.Code)
	}

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{name: "missing token", want: http.StatusUnauthorized},
		{name: "garbage token", header: []string{"Authorization", "Bearer nope"}, want: http.StatusUnauthorized},
		{name: "other session", header: []string{"Authorization", "Bearer " + other.Token}, want: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(h, http.MethodPost, base+"/token", "", tt.header...); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRefreshToken_Disabled(t *testing.T) {
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New())})
	session := createSession(t, h)

	if rec := do(h, http.MethodPost, "/v1/sessions/"+session.ID+"/token", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestDeleteSession(t *testing.T) {
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New("ok"))})
	session := createSession(t, h)
	base := "/v1/sessions/" + session.ID

	if rec := do(h, http.MethodPost, base+"/messages", `{"message":"hi"}`); rec.Code != http.StatusOK {
		t.Fatalf("submit status = %d", rec.Code)
	}

	rec := do(h, http.MethodGet, "/readyz", "")
	var ready struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ready); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ready.Status != "ready" || ready.Sessions != 1 {
		t.Errorf("readyz = %+v", ready)
	}

	if rec := do(h, http.MethodDelete, base+"/", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, base+"/", ""); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := do(h, http.MethodDelete, base+"/", ""); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestSession_NotFound(t *testing.T) {
	h := newTestHTTP(t, HTTPServerConfig{Chat: newTestChat(t, llmtest.New())})

	if rec := do(h, http.MethodGet, "/v1/sessions/not-a-uuid/", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/v1/sessions/6f1c1d1e-8e4a-4b1b-9c55-0d2a7e5f3a10/", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	h := newTestHTTP(t, HTTPServerConfig{
		Chat:   newTestChat(t, llmtest.New()),
		APIKey: auth.NewAPIKeyInterceptor("secret"),
	})

	if rec := do(h, http.MethodGet, "/v1/limits", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status without key = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/v1/limits", "", "X-API-Key", "secret"); rec.Code != http.StatusOK {
		t.Errorf("status with key = %d", rec.Code)
	}
	if rec := do(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: top_k", relay.ErrInvalidParameter), http.StatusBadRequest},
		{chat.ErrInputTooLong, http.StatusBadRequest},
		{chat.ErrSessionNotFound, http.StatusNotFound},
		{chat.ErrBusy, http.StatusTooManyRequests},
		{chat.ErrSessionBusy, http.StatusConflict},
		{&llm.APIError{StatusCode: 500}, http.StatusBadGateway},
		{context.Canceled, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := httpStatus(tt.err); got != tt.want {
			t.Errorf("httpStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

package interview

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/identity"
	"github.com/ashureev/hiring-assistant/internal/prompts"
	"github.com/ashureev/hiring-assistant/internal/transcript"
)

type sseEvent struct {
	Event string
	Data  string
}

func newTestServer(t *testing.T, gw *fakeGateway, p Persister, cfg HandlerConfig) *httptest.Server {
	t.Helper()
	srv, _ := newTestServerWithRegistry(t, gw, p, cfg)
	return srv
}

func newTestServerWithRegistry(t *testing.T, gw *fakeGateway, p Persister, cfg HandlerConfig) (*httptest.Server, *Registry) {
	t.Helper()

	reg := NewRegistry(newTestRepo(t), factoryFor(gw, p), nil)
	h := NewHandler(reg, nil, cfg, nil)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := identity.WithIdentity(req.Context(), "anon_test", "tab-1")
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return srv, reg
}

func postSSE(t *testing.T, url, body string) (int, []sseEvent) {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}

	var events []sseEvent
	for _, block := range strings.Split(string(data), "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.Data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.Event != "ping" {
			events = append(events, ev)
		}
	}
	return resp.StatusCode, events
}

func getInterview(t *testing.T, srv *httptest.Server) interviewView {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/interview")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status %d", resp.StatusCode)
	}
	var view interviewView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	return view
}

func TestHandleGetReturnsGreeting(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeGateway(), &fakePersister{}, HandlerConfig{})
	view := getInterview(t, srv)

	if view.State != domain.SessionActive || view.Terminal {
		t.Fatalf("unexpected state: %+v", view)
	}
	if len(view.Turns) != 1 || view.Turns[0].Content != prompts.Greeting {
		t.Fatalf("expected greeting, got %+v", view.Turns)
	}
	if view.CredentialRequired {
		t.Fatal("fake gateway is configured")
	}
}

func TestHandleMessageStreamsReply(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(fakeReply{fragments: []string{"Great, ", "what is your email?"}})
	srv := newTestServer(t, gw, &fakePersister{}, HandlerConfig{KeepaliveInterval: 10 * time.Millisecond})

	status, events := postSSE(t, srv.URL+"/api/interview/messages", `{"message":"My name is Ada"}`)
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	if len(events) != 3 {
		t.Fatalf("expected 2 fragments and done, got %+v", events)
	}
	if events[0].Event != "fragment" || events[1].Event != "fragment" || events[2].Event != "done" {
		t.Fatalf("unexpected event order: %+v", events)
	}

	var done donePayload
	if err := json.Unmarshal([]byte(events[2].Data), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.Turn.Content != "Great, what is your email?" || done.Terminal {
		t.Fatalf("unexpected done payload: %+v", done)
	}

	view := getInterview(t, srv)
	if len(view.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(view.Turns))
	}
}

func TestHandleMessageGatewayErrorThenRetry(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(
		fakeReply{err: context.DeadlineExceeded},
		fakeReply{fragments: []string{"Recovered."}},
	)
	srv := newTestServer(t, gw, &fakePersister{}, HandlerConfig{})

	_, events := postSSE(t, srv.URL+"/api/interview/messages", `{"message":"hello"}`)
	if len(events) != 1 || events[0].Event != "error" {
		t.Fatalf("expected single error event, got %+v", events)
	}
	var payload errorPayload
	if err := json.Unmarshal([]byte(events[0].Data), &payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Kind != "gateway" {
		t.Fatalf("kind = %q, want gateway", payload.Kind)
	}
	if n := len(getInterview(t, srv).Turns); n != 2 {
		t.Fatalf("user turn must be kept, got %d turns", n)
	}

	_, events = postSSE(t, srv.URL+"/api/interview/retry", "")
	if len(events) == 0 || events[len(events)-1].Event != "done" {
		t.Fatalf("expected retry to finish, got %+v", events)
	}
	if n := len(getInterview(t, srv).Turns); n != 3 {
		t.Fatalf("expected 3 turns after retry, got %d", n)
	}
}

func TestHandleMessageConfigurationErrorAndCredential(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(fakeReply{fragments: []string{"Hi Ada."}})
	gw.noKey = true
	srv := newTestServer(t, gw, &fakePersister{}, HandlerConfig{})

	if !getInterview(t, srv).CredentialRequired {
		t.Fatal("expected credential_required")
	}

	_, events := postSSE(t, srv.URL+"/api/interview/messages", `{"message":"Ada"}`)
	var payload errorPayload
	if len(events) != 1 || json.Unmarshal([]byte(events[0].Data), &payload) != nil || payload.Kind != "configuration" {
		t.Fatalf("expected configuration error, got %+v", events)
	}

	resp, err := http.Post(srv.URL+"/api/interview/credential", "application/json", strings.NewReader(`{"token":"ghp_test"}`))
	if err != nil {
		t.Fatalf("POST credential failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credential status %d", resp.StatusCode)
	}

	_, events = postSSE(t, srv.URL+"/api/interview/messages", `{"message":"Ada"}`)
	if len(events) == 0 || events[len(events)-1].Event != "done" {
		t.Fatalf("expected success after credential, got %+v", events)
	}
}

func TestHandleMessageFinalizesInterview(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	gw := newFakeGateway(fakeReply{fragments: []string{"Great answers! ", prompts.ThankYou}})
	srv := newTestServer(t, gw, transcript.NewFileStore(dir, nil), HandlerConfig{})

	_, events := postSSE(t, srv.URL+"/api/interview/messages", `{"message":"final answer"}`)
	last := events[len(events)-1]
	if last.Event != "done" {
		t.Fatalf("expected done, got %+v", last)
	}
	var done donePayload
	if err := json.Unmarshal([]byte(last.Data), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.State != domain.SessionClosed || !done.Terminal || done.Submission == "" {
		t.Fatalf("expected closed interview, got %+v", done)
	}
	if _, err := os.Stat(filepath.Join(dir, done.Submission)); err != nil {
		t.Fatalf("submission file missing: %v", err)
	}

	_, events = postSSE(t, srv.URL+"/api/interview/messages", `{"message":"hello again"}`)
	var payload errorPayload
	if len(events) != 1 || json.Unmarshal([]byte(events[0].Data), &payload) != nil || payload.Kind != "closed" {
		t.Fatalf("expected closed error, got %+v", events)
	}
}

func TestHandleMessageValidation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeGateway(fakeReply{fragments: []string{"ok"}}), &fakePersister{}, HandlerConfig{
		RateLimitRequests: 2,
		RateLimitWindow:   time.Hour,
	})

	if status, _ := postSSE(t, srv.URL+"/api/interview/messages", `not json`); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", status)
	}

	_, events := postSSE(t, srv.URL+"/api/interview/messages", `{"message":"   "}`)
	var payload errorPayload
	if len(events) != 1 || json.Unmarshal([]byte(events[0].Data), &payload) != nil || payload.Kind != "input" {
		t.Fatalf("expected input error, got %+v", events)
	}

	if status, _ := postSSE(t, srv.URL+"/api/interview/messages", `{"message":"x"}`); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after limit, got %d", status)
	}
}

func TestHandleReset(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, newFakeGateway(fakeReply{fragments: []string{"ok"}}), &fakePersister{}, HandlerConfig{})
	before := getInterview(t, srv)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/interview", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status %d", resp.StatusCode)
	}

	after := getInterview(t, srv)
	if after.ID == before.ID {
		t.Fatal("expected a new interview after reset")
	}
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) wsEvent {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	var ev wsEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode websocket event: %v", err)
	}
	return ev
}

func writeWS(t *testing.T, ctx context.Context, conn *websocket.Conn, msg wsMessage) {
	t.Helper()
	data, _ := json.Marshal(msg)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("websocket write failed: %v", err)
	}
}

func TestWebSocketInterview(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(
		fakeReply{fragments: []string{"What is ", "your email?"}},
		fakeReply{fragments: []string{prompts.ThankYou}},
	)
	srv := newTestServer(t, gw, &fakePersister{}, HandlerConfig{IsDev: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/interview", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readWS(t, ctx, conn)
	if first.Type != "transcript" || first.Interview == nil || len(first.Interview.Turns) != 1 {
		t.Fatalf("expected initial transcript, got %+v", first)
	}

	writeWS(t, ctx, conn, wsMessage{Type: "ping"})
	if ev := readWS(t, ctx, conn); ev.Type != "pong" {
		t.Fatalf("expected pong, got %+v", ev)
	}

	writeWS(t, ctx, conn, wsMessage{Type: "message", Content: "Ada"})
	var fragments []string
	for {
		ev := readWS(t, ctx, conn)
		if ev.Type == "fragment" {
			fragments = append(fragments, ev.Content)
			continue
		}
		if ev.Type != "turn" || ev.Turn == nil || ev.Turn.Content != "What is your email?" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		break
	}
	if strings.Join(fragments, "") != "What is your email?" {
		t.Fatalf("fragments = %q", fragments)
	}

	writeWS(t, ctx, conn, wsMessage{Type: "message", Content: "ada@example.com"})
	for {
		ev := readWS(t, ctx, conn)
		if ev.Type == "fragment" {
			continue
		}
		if ev.Type != "turn" || !ev.Terminal {
			t.Fatalf("expected terminal turn, got %+v", ev)
		}
		break
	}
	if ev := readWS(t, ctx, conn); ev.Type != "closed" || ev.Submission == "" {
		t.Fatalf("expected closed event, got %+v", ev)
	}

	writeWS(t, ctx, conn, wsMessage{Type: "message", Content: "anything else?"})
	if ev := readWS(t, ctx, conn); ev.Type != "error" || ev.Kind != "closed" {
		t.Fatalf("expected closed error, got %+v", ev)
	}
}

func TestWebSocketSurvivesEviction(t *testing.T) {
	t.Parallel()

	gw := newFakeGateway(fakeReply{fragments: []string{"What is ", "your email?"}})
	srv, reg := newTestServerWithRegistry(t, gw, &fakePersister{}, HandlerConfig{IsDev: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/interview", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	first := readWS(t, ctx, conn)
	if first.Type != "transcript" || first.Interview == nil {
		t.Fatalf("expected initial transcript, got %+v", first)
	}

	// The sweeper drops the idle controller while the socket stays open.
	if n := reg.EvictIdle(0); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}

	writeWS(t, ctx, conn, wsMessage{Type: "message", Content: "Ada"})

	restored := readWS(t, ctx, conn)
	if restored.Type != "transcript" || restored.Interview == nil || restored.Interview.ID != first.Interview.ID {
		t.Fatalf("expected the restored interview, got %+v", restored)
	}
	for {
		ev := readWS(t, ctx, conn)
		if ev.Type == "fragment" {
			continue
		}
		if ev.Type != "turn" || ev.Turn == nil || ev.Turn.Content != "What is your email?" {
			t.Fatalf("expected the reply turn, got %+v", ev)
		}
		break
	}
	if reg.Len() != 1 {
		t.Fatalf("expected the interview to be live again, got %d", reg.Len())
	}
}

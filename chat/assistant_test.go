package chat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus/hooks/test"
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) observe(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, u := range r.updates {
		if u.Delta == "" {
			out = append(out, u.State)
		}
	}
	return out
}

func (r *recorder) deltas() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, u := range r.updates {
		if u.Delta != "" {
			n++
		}
	}
	return n
}

func newTestAssistant(t *testing.T, url string) (*Assistant, *recorder) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	a := NewAssistant(NewClient(url, "secret", 5*time.Second), logger)
	rec := &recorder{}
	a.OnUpdate(rec.observe)
	return a, rec
}

func streamHandler(t *testing.T, chunks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, c := range chunks {
			_, _ = io.WriteString(w, c)
			flusher.Flush()
		}
	}
}

func TestSendAssemblesStreamedReply(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- data
		streamHandler(t,
			`data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n",
			`data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n",
			"data: [DONE]\n",
		)(w, r)
	}))
	defer srv.Close()

	a, rec := newTestAssistant(t, srv.URL)
	if err := a.Send(context.Background(), "  hi there  "); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := a.Conversation().Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected greeting, user and one reply, got %+v", msgs)
	}
	reply := msgs[2]
	if reply.Role != RoleAssistant || reply.Content != "Hello" || reply.State != MessageFinal {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if msgs[1].Content != "hi there" {
		t.Fatalf("user text should be trimmed, got %q", msgs[1].Content)
	}

	var req streamRequest
	if err := sonic.Unmarshal(<-bodies, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if len(req.Messages) != 1 || req.Messages[0] != (Turn{Role: RoleUser, Content: "hi there"}) {
		t.Fatalf("greeting must not be sent, got %+v", req.Messages)
	}

	want := []State{StateSending, StateStreaming, StateCompleted, StateIdle}
	if got := rec.states(); !equalStates(got, want) {
		t.Fatalf("unexpected transitions %v", got)
	}
	if rec.deltas() != 2 {
		t.Fatalf("expected two delta updates, got %d", rec.deltas())
	}
	if a.State() != StateIdle {
		t.Fatalf("assistant should be idle, got %s", a.State())
	}
}

func TestSendHandlesFrameSplitAcrossWrites(t *testing.T) {
	line := `data: {"choices":[{"delta":{"content":"split"}}]}` + "\n"
	srv := httptest.NewServer(streamHandler(t, ": comment\n\n", line[:20], line[20:]))
	defer srv.Close()

	a, rec := newTestAssistant(t, srv.URL)
	if err := a.Send(context.Background(), "go"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := a.Conversation().Messages()
	if msgs[len(msgs)-1].Content != "split" {
		t.Fatalf("unexpected reply %+v", msgs[len(msgs)-1])
	}
	if rec.deltas() != 1 {
		t.Fatalf("expected exactly one update, got %d", rec.deltas())
	}
}

func TestSendCompletesOnEOFWithoutDone(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t,
		`data: {"choices":[{"delta":{"content":"a"}}]}`+"\n",
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
	))
	defer srv.Close()

	a, rec := newTestAssistant(t, srv.URL)
	if err := a.Send(context.Background(), "go"); err != nil {
		t.Fatalf("send: %v", err)
	}
	msgs := a.Conversation().Messages()
	if msgs[len(msgs)-1].Content != "ab" {
		t.Fatalf("expected flushed tail, got %q", msgs[len(msgs)-1].Content)
	}
	if got := rec.states(); !equalStates(got, []State{StateSending, StateStreaming, StateCompleted, StateIdle}) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestSendFailsOnErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "error field", status: http.StatusTooManyRequests, body: `{"error":"Rate limits exceeded, please try again later."}`, want: "Rate limits exceeded, please try again later."},
		{name: "no body", status: http.StatusInternalServerError, want: "Error 500"},
		{name: "not json", status: http.StatusBadGateway, body: "upstream down", want: "Error 502"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			a, rec := newTestAssistant(t, srv.URL)
			err := a.Send(context.Background(), "hello")
			var se *StatusError
			if !errors.As(err, &se) || se.Status != tt.status {
				t.Fatalf("expected StatusError %d, got %v", tt.status, err)
			}
			if a.LastError() != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, a.LastError())
			}
			for _, m := range a.Conversation().Messages() {
				if m.Role == RoleAssistant && m.ID != GreetingID {
					t.Fatalf("no assistant message may be appended on failure: %+v", m)
				}
			}
			if got := rec.states(); !equalStates(got, []State{StateSending, StateFailed, StateIdle}) {
				t.Fatalf("unexpected transitions %v", got)
			}
		})
	}
}

func TestSendFailsWhenEndpointUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, _ := newTestAssistant(t, url)
	if err := a.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error")
	}
	if a.LastError() != genericFailure {
		t.Fatalf("expected generic failure, got %q", a.LastError())
	}
	if a.State() != StateIdle {
		t.Fatalf("assistant should re-arm to idle")
	}
}

type brokenStreamer struct{ body io.ReadCloser }

func (b brokenStreamer) Stream(context.Context, []Turn) (io.ReadCloser, error) { return b.body, nil }

type failingReader struct{ data *strings.Reader }

func (f failingReader) Read(p []byte) (int, error) {
	if f.data.Len() == 0 {
		return 0, errors.New("connection reset")
	}
	return f.data.Read(p)
}

func (f failingReader) Close() error { return nil }

func TestSendFailsOnReadError(t *testing.T) {
	body := failingReader{data: strings.NewReader(`data: {"choices":[{"delta":{"content":"part"}}]}` + "\n")}
	logger, _ := test.NewNullLogger()
	a := NewAssistant(brokenStreamer{body: body}, logger)

	if err := a.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected read error")
	}
	if a.LastError() != genericFailure {
		t.Fatalf("unexpected failure description %q", a.LastError())
	}
	msgs := a.Conversation().Messages()
	last := msgs[len(msgs)-1]
	if last.Content != "part" || last.State != MessageFinal {
		t.Fatalf("partial reply should be kept and sealed, got %+v", last)
	}
}

func TestSendRejectsBlankInput(t *testing.T) {
	a, rec := newTestAssistant(t, "http://127.0.0.1:0")
	if err := a.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if len(a.Conversation().Messages()) != 1 || len(rec.states()) != 0 {
		t.Fatalf("blank input must not change state")
	}
}

func TestOnUpdateCancel(t *testing.T) {
	srv := httptest.NewServer(streamHandler(t, "data: [DONE]\n"))
	defer srv.Close()

	a, _ := newTestAssistant(t, srv.URL)
	extra := &recorder{}
	cancel := a.OnUpdate(extra.observe)
	cancel()
	if err := a.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(extra.states()) != 0 {
		t.Fatalf("cancelled observer received updates")
	}
}

func equalStates(a, b []State) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"brilliant-board/domain"
)

type capturedRequest struct {
	method string
	path   string
	query  map[string]string
	header http.Header
	body   string
}

type restServer struct {
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	response string
}

func (s *restServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	q := map[string]string{}
	for k, v := range r.URL.Query() {
		q[k] = v[0]
	}
	s.mu.Lock()
	s.requests = append(s.requests, capturedRequest{method: r.Method, path: r.URL.Path, query: q, header: r.Header.Clone(), body: string(body)})
	status, response := s.status, s.response
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, response)
}

func (s *restServer) last(t *testing.T) capturedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		t.Fatalf("no request captured")
	}
	return s.requests[len(s.requests)-1]
}

func newRestFixture(t *testing.T, status int, response string) (*RestStore, *restServer) {
	t.Helper()
	rs := &restServer{status: status, response: response}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	store := NewRestStore(srv.URL+"/", "anon-key", "tasks", &policy.ClientOptions{
		Retry: policy.RetryOptions{MaxRetries: -1},
	})
	return store, rs
}

func TestRestListTasks(t *testing.T) {
	store, srv := newRestFixture(t, http.StatusOK, `[
		{"id":"1","title":"A","description":"","priority":"high","date":"2024-05-01","progress":10,"category":"Design","column_id":"todo","created_at":"2024-05-01T10:00:00Z"},
		{"id":"2","title":"B","description":"d","priority":"low","date":"2024-05-02","progress":0,"category":"Mobile","column_id":"in-progress","created_at":"2024-05-02T10:00:00Z"}
	]`)

	tasks, err := store.ListTasks(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "1" || tasks[1].ColumnID != domain.ColumnInProgress || tasks[0].Progress != 10 {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	req := srv.last(t)
	if req.method != http.MethodGet || req.path != "/rest/v1/tasks" {
		t.Fatalf("unexpected request %s %s", req.method, req.path)
	}
	if req.query["select"] != "*" || req.query["order"] != "created_at.asc" {
		t.Fatalf("unexpected query %v", req.query)
	}
	if req.header.Get("apikey") != "anon-key" || req.header.Get("Authorization") != "Bearer anon-key" {
		t.Fatalf("missing credentials: %v", req.header)
	}
}

func TestRestListTasksErrorStatus(t *testing.T) {
	store, _ := newRestFixture(t, http.StatusUnauthorized, `{"message":"invalid key"}`)
	if _, err := store.ListTasks(context.Background()); !hasStatus(err, http.StatusUnauthorized) {
		t.Fatalf("expected 401 response error, got %v", err)
	}
}

func TestRestInsertTasksReturnsStoredRows(t *testing.T) {
	store, srv := newRestFixture(t, http.StatusCreated, `[{"id":"abc","title":"New","description":"","priority":"medium","date":"2024-05-17","progress":0,"category":"Design","column_id":"todo"}]`)

	tasks, err := store.InsertTasks(context.Background(), []domain.NewTask{{
		Title: "New", Priority: domain.PriorityMedium, Date: "2024-05-17", Category: "Design", ColumnID: domain.ColumnTodo,
	}})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "abc" {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	req := srv.last(t)
	if req.method != http.MethodPost || req.header.Get("Prefer") != "return=representation" {
		t.Fatalf("unexpected insert request %s prefer=%q", req.method, req.header.Get("Prefer"))
	}
	var rows []map[string]any
	if err := sonic.UnmarshalString(req.body, &rows); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(rows) != 1 || rows[0]["column_id"] != "todo" {
		t.Fatalf("unexpected insert body %s", req.body)
	}
	if _, ok := rows[0]["id"]; ok {
		t.Fatalf("id must be assigned by the store: %s", req.body)
	}
}

func TestRestInsertTasksRowCountMismatch(t *testing.T) {
	store, _ := newRestFixture(t, http.StatusCreated, `[]`)
	if _, err := store.InsertTasks(context.Background(), []domain.NewTask{{Title: "x"}}); err == nil {
		t.Fatalf("expected error for missing rows")
	}
}

func TestRestUpdateSendsOnlySuppliedColumns(t *testing.T) {
	store, srv := newRestFixture(t, http.StatusNoContent, "")
	progress := 0
	col := domain.ColumnInProgress

	if err := store.UpdateTask(context.Background(), "abc", domain.TaskPatch{Progress: &progress, ColumnID: &col}); err != nil {
		t.Fatalf("update: %v", err)
	}
	req := srv.last(t)
	if req.method != http.MethodPatch || req.query["id"] != "eq.abc" {
		t.Fatalf("unexpected update request %s %v", req.method, req.query)
	}
	var body map[string]any
	if err := sonic.UnmarshalString(req.body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 2 || body["progress"] != float64(0) || body["column_id"] != "in-progress" {
		t.Fatalf("unexpected patch body %s", req.body)
	}
}

func TestRestDeleteTask(t *testing.T) {
	store, srv := newRestFixture(t, http.StatusNoContent, "")
	if err := store.DeleteTask(context.Background(), "abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	req := srv.last(t)
	if req.method != http.MethodDelete || req.query["id"] != "eq.abc" {
		t.Fatalf("unexpected delete request %s %v", req.method, req.query)
	}

	srv.mu.Lock()
	srv.status = http.StatusInternalServerError
	srv.mu.Unlock()
	if err := store.DeleteTask(context.Background(), "abc"); !hasStatus(err, http.StatusInternalServerError) {
		t.Fatalf("expected 500 response error, got %v", err)
	}
}

func TestRestCallsAreTraced(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	store, _ := newRestFixture(t, http.StatusBadGateway, "")
	if err := store.UpdateTask(context.Background(), "abc", domain.MovePatch(domain.ColumnTodo)); err == nil {
		t.Fatalf("expected error")
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "storage.rest.update_task" || spans[0].Status.Code != codes.Error {
		t.Fatalf("unexpected span %s status %v", spans[0].Name, spans[0].Status.Code)
	}
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"go.opentelemetry.io/otel/attribute"

	"brilliant-board/domain"
)

const restBackend = "rest"

// RestStore talks to a PostgREST endpoint exposing the tasks table.
type RestStore struct {
	pl       runtime.Pipeline
	endpoint string
	apiKey   string
}

// NewRestStore creates a store for table under baseURL. Nil options use
// TableRetry.
func NewRestStore(baseURL, apiKey, table string, options *policy.ClientOptions) *RestStore {
	if options == nil {
		options = &policy.ClientOptions{Retry: TableRetry()}
	}
	return &RestStore{
		pl:       runtime.NewPipeline(instrumentationName, "v1.0.0", runtime.PipelineOptions{}, options),
		endpoint: runtime.JoinPaths(strings.TrimRight(baseURL, "/"), "rest", "v1", table),
		apiKey:   apiKey,
	}
}

type taskRow struct {
	ID          string          `json:"id,omitempty"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    domain.Priority `json:"priority"`
	Date        string          `json:"date"`
	Progress    int             `json:"progress"`
	Category    string          `json:"category"`
	ColumnID    domain.ColumnID `json:"column_id"`
	CreatedAt   string          `json:"created_at,omitempty"`
}

func (r taskRow) task() domain.Task {
	return domain.Task{
		ID:          r.ID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    r.Priority,
		Date:        r.Date,
		Progress:    r.Progress,
		Category:    r.Category,
		ColumnID:    r.ColumnID,
	}
}

func newTaskRow(n domain.NewTask) taskRow {
	return taskRow{
		Title:       n.Title,
		Description: n.Description,
		Priority:    n.Priority,
		Date:        n.Date,
		Progress:    n.Progress,
		Category:    n.Category,
		ColumnID:    n.ColumnID,
	}
}

type rowPatch struct {
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Priority    *domain.Priority `json:"priority,omitempty"`
	Date        *string          `json:"date,omitempty"`
	Progress    *int             `json:"progress,omitempty"`
	Category    *string          `json:"category,omitempty"`
	ColumnID    *domain.ColumnID `json:"column_id,omitempty"`
}

func newRowPatch(p domain.TaskPatch) rowPatch {
	return rowPatch{
		Title:       p.Title,
		Description: p.Description,
		Priority:    p.Priority,
		Date:        p.Date,
		Progress:    p.Progress,
		Category:    p.Category,
		ColumnID:    p.ColumnID,
	}
}

func (s *RestStore) newRequest(ctx context.Context, method string, query url.Values) (*policy.Request, error) {
	endpoint := s.endpoint
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := runtime.NewRequest(ctx, method, endpoint)
	if err != nil {
		return nil, err
	}
	h := req.Raw().Header
	h.Set("Accept", "application/json")
	if s.apiKey != "" {
		h.Set("apikey", s.apiKey)
		h.Set("Authorization", "Bearer "+s.apiKey)
	}
	return req, nil
}

func byID(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

// ListTasks returns all rows ordered by created_at ascending.
func (s *RestStore) ListTasks(ctx context.Context) (tasks []domain.Task, err error) {
	ctx, end := startSpan(ctx, "storage.rest.list_tasks", restBackend)
	defer func() { end(err) }()

	req, err := s.newRequest(ctx, http.MethodGet, url.Values{"select": {"*"}, "order": {"created_at.asc"}})
	if err != nil {
		return nil, err
	}
	resp, err := s.pl.Do(req)
	if err != nil {
		return nil, err
	}
	if !runtime.HasStatusCode(resp, http.StatusOK) {
		return nil, runtime.NewResponseError(resp)
	}
	var rows []taskRow
	if err := runtime.UnmarshalAsJSON(resp, &rows); err != nil {
		return nil, fmt.Errorf("decode task rows: %w", err)
	}
	tasks = make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		tasks = append(tasks, r.task())
	}
	return tasks, nil
}

// InsertTasks inserts the candidates in one request and returns the stored rows.
func (s *RestStore) InsertTasks(ctx context.Context, candidates []domain.NewTask) (tasks []domain.Task, err error) {
	ctx, end := startSpan(ctx, "storage.rest.insert_tasks", restBackend, attribute.Int("board.tasks.count", len(candidates)))
	defer func() { end(err) }()

	if len(candidates) == 0 {
		return nil, nil
	}
	req, err := s.newRequest(ctx, http.MethodPost, nil)
	if err != nil {
		return nil, err
	}
	req.Raw().Header.Set("Prefer", "return=representation")
	rows := make([]taskRow, 0, len(candidates))
	for _, n := range candidates {
		rows = append(rows, newTaskRow(n))
	}
	if err := runtime.MarshalAsJSON(req, rows); err != nil {
		return nil, err
	}
	resp, err := s.pl.Do(req)
	if err != nil {
		return nil, err
	}
	if !runtime.HasStatusCode(resp, http.StatusCreated, http.StatusOK) {
		return nil, runtime.NewResponseError(resp)
	}
	var stored []taskRow
	if err := runtime.UnmarshalAsJSON(resp, &stored); err != nil {
		return nil, fmt.Errorf("decode inserted rows: %w", err)
	}
	if len(stored) != len(candidates) {
		return nil, fmt.Errorf("insert returned %d rows for %d tasks", len(stored), len(candidates))
	}
	tasks = make([]domain.Task, 0, len(stored))
	for _, r := range stored {
		if r.ID == "" {
			return nil, errors.New("inserted row has no id")
		}
		tasks = append(tasks, r.task())
	}
	return tasks, nil
}

// UpdateTask patches only the columns set in patch.
func (s *RestStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (err error) {
	ctx, end := startSpan(ctx, "storage.rest.update_task", restBackend, attribute.String("board.task.id", id))
	defer func() { end(err) }()

	req, err := s.newRequest(ctx, http.MethodPatch, byID(id))
	if err != nil {
		return err
	}
	req.Raw().Header.Set("Prefer", "return=minimal")
	if err := runtime.MarshalAsJSON(req, newRowPatch(patch)); err != nil {
		return err
	}
	resp, err := s.pl.Do(req)
	if err != nil {
		return err
	}
	defer runtime.Drain(resp)
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusNoContent) {
		return runtime.NewResponseError(resp)
	}
	return nil
}

// DeleteTask deletes the row with the given id.
func (s *RestStore) DeleteTask(ctx context.Context, id string) (err error) {
	ctx, end := startSpan(ctx, "storage.rest.delete_task", restBackend, attribute.String("board.task.id", id))
	defer func() { end(err) }()

	req, err := s.newRequest(ctx, http.MethodDelete, byID(id))
	if err != nil {
		return err
	}
	resp, err := s.pl.Do(req)
	if err != nil {
		return err
	}
	defer runtime.Drain(resp)
	if !runtime.HasStatusCode(resp, http.StatusOK, http.StatusNoContent) {
		return runtime.NewResponseError(resp)
	}
	return nil
}

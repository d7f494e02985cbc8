package domain

import (
	"errors"
	"strings"
	"time"
)

// Priority ranks a task on the board.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ColumnID identifies a board column.
type ColumnID string

const (
	ColumnTodo       ColumnID = "todo"
	ColumnInProgress ColumnID = "in-progress"
)

// Columns lists the board columns in display order.
var Columns = []ColumnID{ColumnTodo, ColumnInProgress}

// Valid reports whether c is one of the defined columns.
func (c ColumnID) Valid() bool {
	return c == ColumnTodo || c == ColumnInProgress
}

// Categories is the display vocabulary offered by the board. Membership is not enforced.
var Categories = []string{"Design", "Development", "Mobile", "Dashboard", "Marketing"}

// DateLayout is the calendar-day format used for Task.Date.
const DateLayout = "2006-01-02"

// Task represents a single board item.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Date        string   `json:"date"`
	Progress    int      `json:"progress"`
	Category    string   `json:"category"`
	ColumnID    ColumnID `json:"columnId"`
}

// NewTask carries every Task field except the identifier.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Date        string   `json:"date"`
	Progress    int      `json:"progress"`
	Category    string   `json:"category"`
	ColumnID    ColumnID `json:"columnId"`
}

// TaskPatch carries a partial task update. Nil fields are left untouched.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Date        *string   `json:"date,omitempty"`
	Progress    *int      `json:"progress,omitempty"`
	Category    *string   `json:"category,omitempty"`
	ColumnID    *ColumnID `json:"columnId,omitempty"`
}

var (
	errEmptyTitle     = errors.New("title must not be empty")
	errBadPriority    = errors.New("priority must be one of low, medium, high")
	errBadColumn      = errors.New("columnId must be one of todo, in-progress")
	errProgressBounds = errors.New("progress must be between 0 and 100")
	errBadDate        = errors.New("date must be formatted as YYYY-MM-DD")
	errEmptyTaskPatch = errors.New("patch has no fields")
)

// Normalize fills defaults the board applies to new tasks: trimmed text,
// medium priority, the todo column and today's date.
func (n NewTask) Normalize(now time.Time) NewTask {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)
	if n.Priority == "" {
		n.Priority = PriorityMedium
	}
	if n.ColumnID == "" {
		n.ColumnID = ColumnTodo
	}
	if n.Date == "" {
		n.Date = now.UTC().Format(DateLayout)
	}
	return n
}

// Validate checks the task invariants.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return errEmptyTitle
	}
	if !n.Priority.Valid() {
		return errBadPriority
	}
	if !n.ColumnID.Valid() {
		return errBadColumn
	}
	if n.Progress < 0 || n.Progress > 100 {
		return errProgressBounds
	}
	if _, err := time.Parse(DateLayout, n.Date); err != nil {
		return errBadDate
	}
	return nil
}

// WithID materializes the candidate as a task with the given identifier.
func (n NewTask) WithID(id string) Task {
	return Task{
		ID:          id,
		Title:       n.Title,
		Description: n.Description,
		Priority:    n.Priority,
		Date:        n.Date,
		Progress:    n.Progress,
		Category:    n.Category,
		ColumnID:    n.ColumnID,
	}
}

// Candidate strips the identifier, yielding the insertable form of t.
func (t Task) Candidate() NewTask {
	return NewTask{
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority,
		Date:        t.Date,
		Progress:    t.Progress,
		Category:    t.Category,
		ColumnID:    t.ColumnID,
	}
}

// Empty reports whether no field is set.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Priority == nil && p.Date == nil &&
		p.Progress == nil && p.Category == nil && p.ColumnID == nil
}

// Validate checks the supplied fields against the task invariants.
func (p TaskPatch) Validate() error {
	if p.Empty() {
		return errEmptyTaskPatch
	}
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return errEmptyTitle
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return errBadPriority
	}
	if p.ColumnID != nil && !p.ColumnID.Valid() {
		return errBadColumn
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return errProgressBounds
	}
	if p.Date != nil {
		if _, err := time.Parse(DateLayout, *p.Date); err != nil {
			return errBadDate
		}
	}
	return nil
}

// Apply merges the supplied fields into t.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Date != nil {
		t.Date = *p.Date
	}
	if p.Progress != nil {
		t.Progress = *p.Progress
	}
	if p.Category != nil {
		t.Category = *p.Category
	}
	if p.ColumnID != nil {
		t.ColumnID = *p.ColumnID
	}
	return t
}

// MovePatch builds the patch that relocates a task to another column.
func MovePatch(target ColumnID) TaskPatch {
	return TaskPatch{ColumnID: &target}
}

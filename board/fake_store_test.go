package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"brilliant-board/domain"
)

var errUnreachable = errors.New("store unreachable")

type updateCall struct {
	id    string
	patch domain.TaskPatch
}

type fakeStore struct {
	mu sync.Mutex

	rows   []domain.Task
	nextID int

	listErr   error
	insertErr error
	updateErr error
	deleteErr error

	onUpdate func(id string, patch domain.TaskPatch)

	inserts [][]domain.NewTask
	updates []updateCall
	deletes []string
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Task(nil), f.rows...), nil
}

func (f *fakeStore) InsertTasks(ctx context.Context, tasks []domain.NewTask) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, tasks)
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	out := make([]domain.Task, 0, len(tasks))
	for _, n := range tasks {
		f.nextID++
		row := n.WithID(fmt.Sprintf("row-%d", f.nextID))
		f.rows = append(f.rows, row)
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error {
	if f.onUpdate != nil {
		f.onUpdate(id, patch)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id: id, patch: patch})
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i] = patch.Apply(f.rows[i])
		}
	}
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeStore) Updates() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

func (f *fakeStore) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeStore) InsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserts)
}

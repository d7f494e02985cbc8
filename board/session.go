// Package board keeps a user's task board in memory and mirrors it to a remote
// row store.
//
// Mutations are optimistic: the local collection changes first and the remote
// request follows asynchronously. A failed remote request is never rolled back
// locally; it is logged and handed to the session's Reconciler, so the store is
// only eventually consistent with what the user sees. Task creation is the one
// exception: the remote insert must succeed before the task appears locally.
package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"brilliant-board/domain"
)

var (
	// ErrTaskNotFound is returned for mutations that name an unknown task.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidTask wraps task invariant violations.
	ErrInvalidTask = errors.New("invalid task")
)

// RemoteStore is the authoritative row store behind a session.
type RemoteStore interface {
	// ListTasks returns every task ordered by creation time, oldest first.
	ListTasks(ctx context.Context) ([]domain.Task, error)
	// InsertTasks inserts the candidates and returns the stored rows with their assigned ids.
	InsertTasks(ctx context.Context, tasks []domain.NewTask) ([]domain.Task, error)
	// UpdateTask applies only the supplied patch fields.
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) error
	DeleteTask(ctx context.Context, id string) error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithReconciler installs the hook that receives failed remote mutations.
func WithReconciler(r Reconciler) Option {
	return func(s *Session) { s.reconciler = r }
}

// WithDispatch overrides the remote worker pool settings.
func WithDispatch(cfg DispatchConfig) Option {
	return func(s *Session) { s.dispatchCfg = cfg }
}

// WithClock overrides the time source used for default dates.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithIDGenerator overrides how offline task ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) { s.newID = fn }
}

// Session owns one board: the ordered task collection, its ready and degraded
// flags, and the workers carrying remote mutations.
type Session struct {
	store       RemoteStore
	logger      *log.Logger
	reconciler  Reconciler
	dispatchCfg DispatchConfig
	dispatch    *dispatcher
	now         func() time.Time
	newID       func() string

	loadMu   sync.Mutex
	mu       sync.RWMutex
	tasks    []domain.Task
	ready    bool
	degraded bool
	// offline holds ids of tasks created while degraded that the store has
	// not seen yet.
	offline map[string]struct{}

	subsMu sync.Mutex
	subs   map[chan struct{}]struct{}
}

// NewSession creates a session over store. Call Load before reading tasks and
// Close when the session ends.
func NewSession(store RemoteStore, opts ...Option) *Session {
	s := &Session{
		store:       store,
		logger:      log.StandardLogger(),
		dispatchCfg: DefaultDispatchConfig(),
		now:         time.Now,
		newID:       uuid.NewString,
		subs:        make(map[chan struct{}]struct{}),
		offline:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatch = newDispatcher(s.dispatchCfg, s.logger, s.reconcile)
	return s
}

func (s *Session) reconcile(ctx context.Context, f Failure) {
	if s.reconciler != nil {
		s.reconciler.Reconcile(ctx, f)
	}
}

// Load fetches the board from the store. An empty store is seeded with the
// default tasks; an unreachable store leaves the session degraded with the
// defaults held only in memory. The returned flag reports readiness and is
// always true once Load returns.
func (s *Session) Load(ctx context.Context) ([]domain.Task, bool) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.loadLocked(ctx), true
}

// EnsureLoaded runs Load unless the session is already ready.
func (s *Session) EnsureLoaded(ctx context.Context) []domain.Task {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.Ready() {
		return s.Tasks()
	}
	return s.loadLocked(ctx)
}

// loadLocked must be called with s.loadMu held.
func (s *Session) loadLocked(ctx context.Context) []domain.Task {
	tasks, degraded := s.fetch(ctx)

	var synced map[string]struct{}
	if !degraded {
		var err error
		var stored []domain.Task
		stored, synced, err = s.syncOffline(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("offline tasks not synced; board stays degraded")
			degraded = true
		}
		tasks = append(tasks, stored...)
	}

	s.mu.Lock()
	switch {
	case degraded && s.ready && s.degraded:
		// Still offline: keep the board the user has been editing.
		tasks = s.tasks
	case !degraded:
		// Tasks created offline after syncOffline took its snapshot are kept
		// and synced by the next load.
		for _, t := range s.tasks {
			if _, pending := s.offline[t.ID]; !pending {
				continue
			}
			if _, done := synced[t.ID]; done {
				delete(s.offline, t.ID)
				continue
			}
			tasks = append(tasks, t)
		}
	}
	s.tasks = tasks
	s.degraded = degraded
	s.ready = true
	out := cloneTasks(s.tasks)
	s.mu.Unlock()

	s.notify()
	return out
}

// syncOffline inserts the tasks created while degraded, in their current
// state, and returns the stored rows plus the local ids they replace.
func (s *Session) syncOffline(ctx context.Context) ([]domain.Task, map[string]struct{}, error) {
	s.mu.RLock()
	var pending []domain.Task
	for _, t := range s.tasks {
		if _, ok := s.offline[t.ID]; ok {
			pending = append(pending, t)
		}
	}
	s.mu.RUnlock()
	if len(pending) == 0 {
		return nil, nil, nil
	}

	candidates := make([]domain.NewTask, 0, len(pending))
	for _, t := range pending {
		candidates = append(candidates, t.Candidate())
	}
	stored, err := s.store.InsertTasks(ctx, candidates)
	if err == nil && len(stored) != len(pending) {
		err = fmt.Errorf("insert returned %d rows for %d offline tasks", len(stored), len(pending))
	}
	if err != nil {
		return nil, nil, err
	}
	synced := make(map[string]struct{}, len(pending))
	for i, t := range pending {
		synced[t.ID] = struct{}{}
		s.logger.WithFields(log.Fields{"local_id": t.ID, "id": stored[i].ID}).Info("offline task synced")
	}
	return stored, synced, nil
}

// Reload leaves degraded mode and loads the board again. Tasks created while
// degraded are inserted once the store is reachable.
func (s *Session) Reload(ctx context.Context) []domain.Task {
	tasks, _ := s.Load(ctx)
	return tasks
}

func (s *Session) fetch(ctx context.Context) ([]domain.Task, bool) {
	rows, err := s.store.ListTasks(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("task store unreachable; using in-memory defaults")
		return s.offlineDefaults(), true
	}
	if len(rows) > 0 {
		return rows, false
	}

	seeded, err := s.store.InsertTasks(ctx, domain.DefaultTasks(s.now()))
	if err != nil {
		s.logger.WithError(err).Warn("seeding default tasks failed; using in-memory defaults")
		return s.offlineDefaults(), true
	}
	s.logger.WithField("count", len(seeded)).Info("seeded empty board with default tasks")
	return seeded, false
}

func (s *Session) offlineDefaults() []domain.Task {
	defaults := domain.DefaultTasks(s.now())
	tasks := make([]domain.Task, 0, len(defaults))
	for _, n := range defaults {
		tasks = append(tasks, n.WithID(s.newID()))
	}
	return tasks
}

// Ready reports whether the first Load has completed.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

// Degraded reports whether the session runs on unpersisted defaults.
func (s *Session) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Tasks returns a copy of the full collection.
func (s *Session) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneTasks(s.tasks)
}

// ColumnTasks returns the tasks in column c, in collection order.
func (s *Session) ColumnTasks(c domain.ColumnID) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.ColumnID == c {
			out = append(out, t)
		}
	}
	return out
}

// AddTask inserts the candidate remotely and appends it with the store-assigned
// id. Nothing is appended when the insert fails. A degraded session creates the
// task locally with a generated id.
func (s *Session) AddTask(ctx context.Context, n domain.NewTask) (domain.Task, error) {
	n = n.Normalize(s.now())
	if err := n.Validate(); err != nil {
		return domain.Task{}, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	if s.Degraded() {
		task := n.WithID(s.newID())
		s.mu.Lock()
		s.offline[task.ID] = struct{}{}
		s.mu.Unlock()
		s.append(task)
		return task, nil
	}

	rows, err := s.store.InsertTasks(ctx, []domain.NewTask{n})
	if err == nil && len(rows) == 0 {
		err = errors.New("insert returned no rows")
	}
	if err != nil {
		s.logger.WithError(err).WithField("title", n.Title).Warn("task insert failed; nothing added")
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	task := rows[0]
	s.append(task)
	return task, nil
}

func (s *Session) append(t domain.Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.notify()
}

// MoveTask relocates a task to target locally, then asks the store to do the same.
func (s *Session) MoveTask(id string, target domain.ColumnID) error {
	return s.UpdateTask(id, domain.MovePatch(target))
}

// UpdateTask merges patch into the task locally, then sends exactly the
// supplied fields to the store.
func (s *Session) UpdateTask(id string, patch domain.TaskPatch) error {
	if err := patch.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	s.tasks[idx] = patch.Apply(s.tasks[idx])
	degraded := s.degraded
	s.mu.Unlock()
	s.notify()

	if degraded {
		return nil
	}
	s.dispatch.submit(remoteJob{
		failure: Failure{Op: OpUpdate, TaskID: id, Patch: &patch},
		call: func(ctx context.Context) error {
			return s.store.UpdateTask(ctx, id, patch)
		},
	})
	return nil
}

// DeleteTask removes the task locally, then asks the store to delete it.
func (s *Session) DeleteTask(id string) error {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return ErrTaskNotFound
	}
	s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
	delete(s.offline, id)
	degraded := s.degraded
	s.mu.Unlock()
	s.notify()

	if degraded {
		return nil
	}
	s.dispatch.submit(remoteJob{
		failure: Failure{Op: OpDelete, TaskID: id},
		call: func(ctx context.Context) error {
			return s.store.DeleteTask(ctx, id)
		},
	})
	return nil
}

// indexOf must be called with s.mu held.
func (s *Session) indexOf(id string) int {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// Subscribe returns a channel signalled after every local change. Signals
// coalesce; readers should re-read Tasks.
func (s *Session) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe stops signalling ch.
func (s *Session) Unsubscribe(ch chan struct{}) {
	s.subsMu.Lock()
	delete(s.subs, ch)
	s.subsMu.Unlock()
}

func (s *Session) notify() {
	s.subsMu.Lock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	s.subsMu.Unlock()
}

// Wait blocks until no remote mutation is in flight. It may run alongside
// further mutations, which it then waits for too.
func (s *Session) Wait() {
	s.dispatch.wait()
}

// Close finishes pending remote mutations, stops the workers and closes all
// subscriber channels.
func (s *Session) Close() {
	s.dispatch.close()
	s.subsMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subsMu.Unlock()
}

func cloneTasks(in []domain.Task) []domain.Task {
	out := make([]domain.Task, len(in))
	copy(out, in)
	return out
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"brilliant-board/board"
)

// QueuedFailure is one dequeued reconcile message.
type QueuedFailure struct {
	ID       string
	Receipt  string
	Body     string
	Attempts int64
}

type failureQueue interface {
	Dequeue(ctx context.Context) (*QueuedFailure, error)
	Delete(ctx context.Context, id, receipt string) error
}

// FailureQueue reads reconcile messages from an Azure queue.
type FailureQueue struct {
	queue *azqueue.QueueClient
}

func NewFailureQueue(q *azqueue.QueueClient) *FailureQueue {
	return &FailureQueue{queue: q}
}

// Dequeue returns the next visible message, or nil when the queue is empty.
func (f *FailureQueue) Dequeue(ctx context.Context) (*QueuedFailure, error) {
	resp, err := f.queue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return nil, errors.New("dequeued message without id")
	}
	out := &QueuedFailure{ID: *msg.MessageID, Receipt: *msg.PopReceipt}
	if msg.MessageText != nil {
		out.Body = *msg.MessageText
	}
	if msg.DequeueCount != nil {
		out.Attempts = *msg.DequeueCount
	}
	return out, nil
}

// Pending returns the approximate number of messages waiting on the queue.
func (f *FailureQueue) Pending(ctx context.Context) (int, error) {
	resp, err := f.queue.GetProperties(ctx, nil)
	if err != nil {
		return 0, err
	}
	if resp.ApproximateMessagesCount == nil {
		return 0, nil
	}
	return int(*resp.ApproximateMessagesCount), nil
}

func (f *FailureQueue) Delete(ctx context.Context, id, receipt string) error {
	_, err := f.queue.DeleteMessage(ctx, id, receipt, nil)
	return err
}

// ReconcileWorker replays failed board mutations against the store. A
// message whose replay fails stays on the queue and becomes visible again;
// after MaxAttempts deliveries it is dropped.
type ReconcileWorker struct {
	queue       failureQueue
	storeFor    func(boardKey string) board.RemoteStore
	logger      *log.Logger
	MaxAttempts int64
	Idle        time.Duration
}

// NewReconcileWorker creates a worker. storeFor returns the store holding the
// board named in an envelope.
func NewReconcileWorker(q failureQueue, storeFor func(boardKey string) board.RemoteStore, logger *log.Logger) *ReconcileWorker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &ReconcileWorker{queue: q, storeFor: storeFor, logger: logger, MaxAttempts: 5, Idle: time.Second}
}

// Run processes messages until ctx is done.
func (w *ReconcileWorker) Run(ctx context.Context) error {
	for {
		handled, err := w.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logger.WithError(err).Warn("reconcile receive failed")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.Idle):
		}
	}
}

// ProcessOne handles at most one message and reports whether one was found.
func (w *ReconcileWorker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Dequeue(ctx)
	if err != nil || msg == nil {
		return false, err
	}
	entry := w.logger.WithFields(log.Fields{"message": msg.ID, "attempt": msg.Attempts})

	var env FailureEnvelope
	if err := sonic.UnmarshalString(msg.Body, &env); err != nil {
		entry.WithError(err).Error("dropping undecodable reconcile message")
		return true, w.queue.Delete(ctx, msg.ID, msg.Receipt)
	}
	entry = entry.WithFields(log.Fields{"board": env.Board, "op": env.Op, "task": env.TaskID})

	if err := Replay(ctx, w.storeFor(env.Board), env); err != nil {
		if w.MaxAttempts > 0 && msg.Attempts >= w.MaxAttempts {
			entry.WithError(err).Error("giving up on reconcile message")
			return true, w.queue.Delete(ctx, msg.ID, msg.Receipt)
		}
		entry.WithError(err).Warn("reconcile replay failed; will retry")
		return true, nil
	}
	entry.Info("reconciled failed mutation")
	return true, w.queue.Delete(ctx, msg.ID, msg.Receipt)
}

// Replay re-issues the mutation described by env. A task that no longer
// exists counts as reconciled.
func Replay(ctx context.Context, store board.RemoteStore, env FailureEnvelope) error {
	var err error
	switch env.Op {
	case board.OpUpdate:
		if env.Patch == nil {
			return fmt.Errorf("update envelope for %s has no patch", env.TaskID)
		}
		err = store.UpdateTask(ctx, env.TaskID, *env.Patch)
	case board.OpDelete:
		err = store.DeleteTask(ctx, env.TaskID)
	default:
		return fmt.Errorf("unknown reconcile op %q", env.Op)
	}
	if IsNotFound(err) {
		return nil
	}
	return err
}

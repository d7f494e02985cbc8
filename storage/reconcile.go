package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"brilliant-board/board"
	"brilliant-board/domain"
)

const enqueueTimeout = 10 * time.Second

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// FailureEnvelope is the queue message written for a failed remote mutation.
type FailureEnvelope struct {
	Board  string            `json:"board"`
	Op     board.Op          `json:"op"`
	TaskID string            `json:"taskId"`
	Patch  *domain.TaskPatch `json:"patch,omitempty"`
	Error  string            `json:"error"`
	At     time.Time         `json:"at"`
}

// QueueReconciler records failed mutations on an Azure queue so they can be
// replayed or inspected later.
type QueueReconciler struct {
	queue  queueClient
	board  string
	logger *log.Logger
}

// NewQueueClient connects to queueName using the given storage connection string.
func NewQueueClient(connStr, queueName string) (*azqueue.QueueClient, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: QueueRetry()},
	}
	return azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
}

// NewQueueReconciler creates a reconciler for the board identified by boardKey.
func NewQueueReconciler(q queueClient, boardKey string, logger *log.Logger) *QueueReconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueReconciler{queue: q, board: boardKey, logger: logger}
}

// Reconcile enqueues f. The caller's deadline may already have passed, so the
// enqueue runs on its own timeout.
func (r *QueueReconciler) Reconcile(ctx context.Context, f board.Failure) {
	env := FailureEnvelope{
		Board:  r.board,
		Op:     f.Op,
		TaskID: f.TaskID,
		Patch:  f.Patch,
		At:     f.At,
	}
	if f.Err != nil {
		env.Error = f.Err.Error()
	}
	data, err := sonic.MarshalString(env)
	if err != nil {
		r.logger.WithError(err).Error("marshal failure envelope")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()
	if _, err := r.queue.EnqueueMessage(ctx, data, nil); err != nil {
		r.logger.WithError(err).WithFields(log.Fields{
			"op":   f.Op,
			"task": f.TaskID,
		}).Error("enqueue reconcile message failed")
		return
	}
	r.logger.WithFields(log.Fields{"op": f.Op, "task": f.TaskID}).Debug("reconcile message enqueued")
}

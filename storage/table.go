package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"brilliant-board/domain"
)

const (
	tableBackend = "table"
	edmInt64     = "Edm.Int64"
)

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

// TaskEntity is a task row in Azure Table Storage. PartitionKey is the board
// and RowKey the task id.
type TaskEntity struct {
	Entity
	Title         string `json:"Title"`
	Description   string `json:"Description"`
	Priority      string `json:"Priority"`
	Date          string `json:"Date"`
	Progress      int    `json:"Progress"`
	Category      string `json:"Category"`
	ColumnID      string `json:"ColumnId"`
	CreatedAt     int64  `json:"CreatedAt,string"`
	CreatedAtType string `json:"CreatedAt@odata.type"`
}

// TaskEntityUpdate carries a merge of the supplied task properties.
type TaskEntityUpdate struct {
	Entity
	Title       *string `json:"Title,omitempty"`
	Description *string `json:"Description,omitempty"`
	Priority    *string `json:"Priority,omitempty"`
	Date        *string `json:"Date,omitempty"`
	Progress    *int    `json:"Progress,omitempty"`
	Category    *string `json:"Category,omitempty"`
	ColumnID    *string `json:"ColumnId,omitempty"`
}

func newTaskEntity(partition, id string, n domain.NewTask, createdAt int64) TaskEntity {
	return TaskEntity{
		Entity:        Entity{PartitionKey: partition, RowKey: id},
		Title:         n.Title,
		Description:   n.Description,
		Priority:      string(n.Priority),
		Date:          n.Date,
		Progress:      n.Progress,
		Category:      n.Category,
		ColumnID:      string(n.ColumnID),
		CreatedAt:     createdAt,
		CreatedAtType: edmInt64,
	}
}

func (e TaskEntity) task() domain.Task {
	return domain.Task{
		ID:          e.RowKey,
		Title:       e.Title,
		Description: e.Description,
		Priority:    domain.Priority(e.Priority),
		Date:        e.Date,
		Progress:    e.Progress,
		Category:    e.Category,
		ColumnID:    domain.ColumnID(e.ColumnID),
	}
}

func newTaskEntityUpdate(partition, id string, p domain.TaskPatch) TaskEntityUpdate {
	u := TaskEntityUpdate{
		Entity:      Entity{PartitionKey: partition, RowKey: id},
		Title:       p.Title,
		Description: p.Description,
		Date:        p.Date,
		Progress:    p.Progress,
		Category:    p.Category,
	}
	if p.Priority != nil {
		v := string(*p.Priority)
		u.Priority = &v
	}
	if p.ColumnID != nil {
		v := string(*p.ColumnID)
		u.ColumnID = &v
	}
	return u
}

// tableClient is the subset of *aztables.Client the store calls.
type tableClient interface {
	NewListEntitiesPager(*aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
	SubmitTransaction(context.Context, []aztables.TransactionAction, *aztables.SubmitTransactionOptions) (aztables.TransactionResponse, error)
	UpdateEntity(context.Context, []byte, *aztables.UpdateEntityOptions) (aztables.UpdateEntityResponse, error)
	DeleteEntity(context.Context, string, string, *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// TableStore keeps one board in a partition of an Azure table.
type TableStore struct {
	table     tableClient
	partition string
	now       func() time.Time
	newID     func() string
}

// NewTableClient connects to tableName using the given storage connection string.
func NewTableClient(connStr, tableName string) (*aztables.Client, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: TableRetry()},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return svc.NewClient(tableName), nil
}

// NewTableStore scopes client to the board stored under partition.
func NewTableStore(client *aztables.Client, partition string) *TableStore {
	return &TableStore{table: client, partition: partition, now: time.Now, newID: uuid.NewString}
}

func partitionFilter(pk string) string {
	return "PartitionKey eq '" + strings.ReplaceAll(pk, "'", "''") + "'"
}

// ListTasks returns the board's tasks ordered by creation time.
func (s *TableStore) ListTasks(ctx context.Context) (tasks []domain.Task, err error) {
	ctx, end := startSpan(ctx, "storage.table.list_tasks", tableBackend, attribute.String("board.partition", s.partition))
	defer func() { end(err) }()

	filter := partitionFilter(s.partition)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	var ents []TaskEntity
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent TaskEntity
			if err := sonic.Unmarshal(raw, &ent); err != nil {
				return nil, fmt.Errorf("decode task entity: %w", err)
			}
			ents = append(ents, ent)
		}
	}
	return sortedTasks(ents), nil
}

func sortedTasks(ents []TaskEntity) []domain.Task {
	sort.SliceStable(ents, func(i, j int) bool { return ents[i].CreatedAt < ents[j].CreatedAt })
	tasks := make([]domain.Task, 0, len(ents))
	for _, e := range ents {
		tasks = append(tasks, e.task())
	}
	return tasks
}

// maxTransactionActions is the entity group transaction limit.
const maxTransactionActions = 100

// InsertTasks adds one entity per candidate with a fresh row key. Candidates
// are written in entity group transactions of up to maxTransactionActions
// rows. If a later transaction fails the rows already committed are deleted
// again, so a failed call leaves no partial board behind.
func (s *TableStore) InsertTasks(ctx context.Context, candidates []domain.NewTask) (tasks []domain.Task, err error) {
	ctx, end := startSpan(ctx, "storage.table.insert_tasks", tableBackend, attribute.Int("board.tasks.count", len(candidates)))
	defer func() { end(err) }()

	actions, tasks, err := s.insertActions(candidates)
	if err != nil {
		return nil, err
	}
	for i, batch := range chunkActions(actions) {
		if _, err := s.table.SubmitTransaction(ctx, batch, nil); err != nil {
			s.rollback(context.WithoutCancel(ctx), tasks[:i*maxTransactionActions])
			return nil, err
		}
	}
	return tasks, nil
}

func (s *TableStore) insertActions(candidates []domain.NewTask) ([]aztables.TransactionAction, []domain.Task, error) {
	base := s.now().UnixNano()
	actions := make([]aztables.TransactionAction, 0, len(candidates))
	tasks := make([]domain.Task, 0, len(candidates))
	for i, n := range candidates {
		ent := newTaskEntity(s.partition, s.newID(), n, base+int64(i))
		payload, err := sonic.Marshal(ent)
		if err != nil {
			return nil, nil, err
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeAdd, Entity: payload})
		tasks = append(tasks, ent.task())
	}
	return actions, tasks, nil
}

// rollback deletes rows committed by an insert that failed part way. Errors
// are dropped; the insert error is what the caller sees.
func (s *TableStore) rollback(ctx context.Context, committed []domain.Task) {
	actions := make([]aztables.TransactionAction, 0, len(committed))
	for _, t := range committed {
		payload, err := sonic.Marshal(Entity{PartitionKey: s.partition, RowKey: t.ID})
		if err != nil {
			continue
		}
		actions = append(actions, aztables.TransactionAction{ActionType: aztables.TransactionTypeDelete, Entity: payload})
	}
	for _, batch := range chunkActions(actions) {
		_, _ = s.table.SubmitTransaction(ctx, batch, nil)
	}
}

func chunkActions(actions []aztables.TransactionAction) [][]aztables.TransactionAction {
	var chunks [][]aztables.TransactionAction
	for len(actions) > maxTransactionActions {
		chunks = append(chunks, actions[:maxTransactionActions:maxTransactionActions])
		actions = actions[maxTransactionActions:]
	}
	if len(actions) > 0 {
		chunks = append(chunks, actions)
	}
	return chunks
}

// UpdateTask merges the supplied properties into the stored entity.
func (s *TableStore) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (err error) {
	ctx, end := startSpan(ctx, "storage.table.update_task", tableBackend, attribute.String("board.task.id", id))
	defer func() { end(err) }()

	payload, err := sonic.Marshal(newTaskEntityUpdate(s.partition, id, patch))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.table.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	return err
}

// DeleteTask removes the entity. Deleting a missing task is not an error.
func (s *TableStore) DeleteTask(ctx context.Context, id string) (err error) {
	ctx, end := startSpan(ctx, "storage.table.delete_task", tableBackend, attribute.String("board.task.id", id))
	defer func() { end(err) }()

	_, err = s.table.DeleteEntity(ctx, s.partition, id, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

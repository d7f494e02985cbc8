package storage

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

const queueAlreadyExists = "QueueAlreadyExists"

// EnsureTables creates the named tables, skipping empty names and tables that
// already exist.
func EnsureTables(ctx context.Context, connStr string, names ...string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: TableRetry()},
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

// EnsureQueues creates the named queues, skipping empty names and queues that
// already exist.
func EnsureQueues(ctx context.Context, connStr string, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := NewQueueClient(connStr, name)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, queueAlreadyExists) {
			return err
		}
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

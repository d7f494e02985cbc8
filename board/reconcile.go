package board

import (
	"context"
	"time"

	"brilliant-board/domain"
)

// Op names a remote mutation issued after an optimistic local change.
type Op string

const (
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Failure describes a remote mutation that did not reach the store. The local
// collection already reflects the mutation and is not rolled back.
type Failure struct {
	Op     Op
	TaskID string
	Patch  *domain.TaskPatch
	Err    error
	At     time.Time
}

// Reconciler receives remote failures so the divergence between the local
// session and the store can be repaired or surfaced out of band.
type Reconciler interface {
	Reconcile(ctx context.Context, f Failure)
}

// ReconcilerFunc adapts a function to the Reconciler interface.
type ReconcilerFunc func(ctx context.Context, f Failure)

// Reconcile calls fn.
func (fn ReconcilerFunc) Reconcile(ctx context.Context, f Failure) { fn(ctx, f) }

package cluster

import (
	"github.com/replichat/replichat/internal/store"
)

// StoreApplier adapts the durable store to the replication engine. The
// store's ApplyOp already tolerates replayed account creations and
// deletions, so a follower re-acking an operation it holds is a no-op.
type StoreApplier struct {
	Store *store.Store
}

func (a StoreApplier) ApplyOp(op store.Op) error {
	return a.Store.ApplyOp(op)
}

func (a StoreApplier) RollbackOp(id int64) error {
	return a.Store.RollbackOp(id)
}

func (a StoreApplier) OpByID(id int64) (store.Op, bool, error) {
	return a.Store.OpByID(id)
}

func (a StoreApplier) HighestOp() (int64, int64, error) {
	return a.Store.HighestOp()
}

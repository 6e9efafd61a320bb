package kv

import (
	"context"

	"fableforge/internal/logging"
)

// DefaultBatchLimit caps the number of writes per underlying commit.
const DefaultBatchLimit = 450

type batchOp struct {
	path   string
	doc    Document
	merge  bool
	delete bool
}

// Batch accumulates writes and commits them in chunks of at most the batch
// limit. Batches are not transactional across chunks.
type Batch struct {
	store Store
	limit int
	ops   []batchOp
}

func newBatch(store Store, limit int) *Batch {
	if limit <= 0 || limit > DefaultBatchLimit {
		limit = DefaultBatchLimit
	}
	return &Batch{store: store, limit: limit}
}

// Set queues a document write.
func (b *Batch) Set(path string, doc Document, merge bool) *Batch {
	b.ops = append(b.ops, batchOp{path: path, doc: doc, merge: merge})
	return b
}

// Delete queues a document delete.
func (b *Batch) Delete(path string) *Batch {
	b.ops = append(b.ops, batchOp{path: path, delete: true})
	return b
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

// Commit flushes all queued operations, splitting at the batch limit.
func (b *Batch) Commit(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryStore, "Batch.Commit")
	defer timer.Stop()

	total := len(b.ops)
	for start := 0; start < total; start += b.limit {
		end := start + b.limit
		if end > total {
			end = total
		}
		logging.StoreDebug("Committing batch chunk %d..%d of %d", start, end, total)
		for _, op := range b.ops[start:end] {
			if err := ctx.Err(); err != nil {
				return err
			}
			var err error
			if op.delete {
				err = b.store.Delete(ctx, op.path)
			} else {
				err = b.store.Set(ctx, op.path, op.doc, op.merge)
			}
			if err != nil {
				return err
			}
		}
	}
	b.ops = b.ops[:0]
	return nil
}

package sandbox

import "icn-core/runtimeerr"

// writeOp is one staged mutation: apply runs immediately so host calls can
// return real values to the executing module, and undo compensates if the
// overall invocation later aborts.
type writeOp struct {
	undo func() error
}

// WriteSet tracks the side effects a policy module's host calls perform,
// so that a module aborting with ResourceExceeded (or any other failure)
// leaves no partial effect committed.
//
// Each staged operation applies eagerly against the real backend (so the
// module sees real return values for subsequent logic) but records a
// compensating action; Rollback runs every compensation in reverse order.
// Commit simply discards the compensations once the invocation as a whole
// is known to have succeeded.
type WriteSet struct {
	ops []writeOp
}

// NewWriteSet returns an empty write set.
func NewWriteSet() *WriteSet {
	return &WriteSet{}
}

// Stage applies op immediately and, on success, records undo for a
// possible later Rollback. If op itself fails, nothing is recorded.
func (ws *WriteSet) Stage(op func() error, undo func() error) error {
	if err := op(); err != nil {
		return err
	}
	ws.ops = append(ws.ops, writeOp{undo: undo})
	return nil
}

// Commit finalizes the write set: every staged effect stays applied.
func (ws *WriteSet) Commit() {
	ws.ops = nil
}

// Rollback undoes every staged effect in reverse order, each staged
// operation compensated by its recorded inverse. The first undo error aborts
// further rollback and is returned; callers treat this as fatal since it
// leaves state partially reverted.
func (ws *WriteSet) Rollback() error {
	for i := len(ws.ops) - 1; i >= 0; i-- {
		if ws.ops[i].undo == nil {
			continue
		}
		if err := ws.ops[i].undo(); err != nil {
			return runtimeerr.Wrap(runtimeerr.InternalError, "sandbox: write-set rollback failed", err)
		}
	}
	ws.ops = nil
	return nil
}

package orders

import (
	"tradeexec/apps/executor/internal/execerr"
	"tradeexec/apps/executor/internal/model"
)

// transitions lists every legal status change. Self transitions on PENDING
// and EXECUTING let callers persist field updates such as the transaction
// hash without a status change.
var transitions = map[model.OrderStatus]map[model.OrderStatus]bool{
	model.StatusPending: {
		model.StatusPending:   true,
		model.StatusExecuting: true,
		model.StatusCancelled: true,
		model.StatusRejected:  true,
		model.StatusTimeout:   true,
	},
	model.StatusExecuting: {
		model.StatusExecuting: true,
		model.StatusCompleted: true,
		model.StatusFailed:    true,
		model.StatusTimeout:   true,
		model.StatusCancelled: true,
	},
	model.StatusFailed: {
		model.StatusPending: true,
	},
	model.StatusTimeout: {
		model.StatusPending: true,
	},
}

// checkTransition validates moving current to next. Leaving FAILED or TIMEOUT
// additionally requires the order to have retries left.
func checkTransition(current, next *model.Order) error {
	if !next.Status.Valid() {
		return execerr.Newf(execerr.KindInvalidTransition, "update order", "unknown status %q", next.Status)
	}
	if !transitions[current.Status][next.Status] {
		return execerr.Newf(execerr.KindInvalidTransition, "update order",
			"order %s cannot move from %s to %s", current.OrderID, current.Status, next.Status)
	}
	if next.Status == model.StatusPending && current.Status.IsTerminal() && !current.CanRetry() {
		return execerr.Newf(execerr.KindInvalidTransition, "update order",
			"order %s has no retries left (%d/%d attempts)", current.OrderID, current.ExecutionAttempts, current.MaxAttempts)
	}
	if next.ExecutionAttempts > next.MaxAttempts {
		return execerr.Newf(execerr.KindInvalidTransition, "update order",
			"order %s would exceed max attempts (%d > %d)", current.OrderID, next.ExecutionAttempts, next.MaxAttempts)
	}
	if next.ExecutionAttempts < current.ExecutionAttempts {
		return execerr.Newf(execerr.KindInvalidTransition, "update order",
			"order %s attempt count cannot decrease", current.OrderID)
	}
	return nil
}

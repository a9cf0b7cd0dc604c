package repositories

import "context"

// TxFn is a function that runs within a transaction
type TxFn func(ctx context.Context) error

// TransactionManager scopes a function to one storage transaction. The
// cascade deletes of studies and projects depend on this being
// all-or-nothing: on any error the transaction is aborted, every cascaded
// write is rolled back and the original error surfaces to the caller.
type TransactionManager interface {
	// ExecTx executes a function within a transaction
	ExecTx(ctx context.Context, fn TxFn) error
}

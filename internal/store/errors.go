package store

import "errors"

// ErrTransactionConflict is returned by ApplyDiff when a transaction kept
// conflicting with concurrent writers after all retries.
var ErrTransactionConflict = errors.New("storage transaction conflict")

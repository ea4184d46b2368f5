package billing

import "github.com/google/uuid"

// newID mints identifiers for payments, transactions and audit records.
func newID() string { return uuid.New().String() }

package workflow

import "github.com/google/uuid"

// NewTransactionID returns a globally unique transaction id.
func NewTransactionID() string {
	return uuid.NewString()
}

// Package credential persists the bearer token in a single named slot. Every backend implements the same
// three-operation contract so the session manager never knows where the token lives.
package credential

import (
	"context"
	"errors"
)

// DefaultKey is the slot name the token is stored under unless configured otherwise.
const DefaultKey = "token"

// ErrNotFound is returned by Get when the slot is empty.
var ErrNotFound = errors.New("credential not found")

type Store interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, value string) error
	// Clear removes the slot. Clearing an empty slot is not an error.
	Clear(ctx context.Context) error
}

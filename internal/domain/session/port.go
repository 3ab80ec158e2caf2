package session

import "context"

// Store keeps sessions for the lifetime of the process only.
type Store interface {
	Get(ctx context.Context, id ID) (*Session, bool)
	Create(ctx context.Context) *Session
	Len() int
}

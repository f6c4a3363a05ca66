package domain

import (
	"context"
	"time"
)

// Session maps a user key (the WhatsApp sender) to a reasoning-engine session.
type Session struct {
	UserKey         string    `json:"user_key"`
	EngineSessionID string    `json:"engine_session_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// SessionStore keeps the user key -> session mapping. Implementations must be
// safe for concurrent use; Get returns (nil, nil) when no mapping exists.
type SessionStore interface {
	Get(ctx context.Context, userKey string) (*Session, error)
	Put(ctx context.Context, sess Session) error
	Delete(ctx context.Context, userKey string) (bool, error)
	List(ctx context.Context) ([]Session, error)
	Close() error
}

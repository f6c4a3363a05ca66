// Package session maps WhatsApp senders to reasoning engine sessions.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"agentbridge/internal/domain"
	"agentbridge/internal/metrics"
)

// SessionCreator is the part of the engine the registry needs.
type SessionCreator interface {
	CreateSession(ctx context.Context, userID string) (string, error)
}

// RegistryConfig wires a Registry to its store and session creator.
type RegistryConfig struct {
	Store         domain.SessionStore
	Creator       SessionCreator
	CreateTimeout time.Duration // bounds one creation call; default 60s
	Logger        *slog.Logger
}

// Registry resolves a user key to its engine session, creating one lazily.
// At most one creation call is in flight per user key.
type Registry struct {
	store         domain.SessionStore
	creator       SessionCreator
	createTimeout time.Duration
	logger        *slog.Logger
	group         singleflight.Group
	now           func() time.Time
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 60 * time.Second
	}
	return &Registry{
		store:         cfg.Store,
		creator:       cfg.Creator,
		createTimeout: cfg.CreateTimeout,
		logger:        cfg.Logger,
		now:           time.Now,
	}
}

// UserIDFor derives the engine user id from a WhatsApp user key.
func UserIDFor(userKey string) string {
	var b strings.Builder
	for _, r := range userKey {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "wa-" + userKey
	}
	return "wa-" + b.String()
}

// ResolveOrCreate returns the session id for userKey. An existing mapping is
// returned without a remote call.
func (r *Registry) ResolveOrCreate(ctx context.Context, userKey string) (string, error) {
	sess, err := r.store.Get(ctx, userKey)
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	if sess != nil {
		return sess.EngineSessionID, nil
	}

	v, err, _ := r.group.Do(userKey, func() (any, error) {
		// Shared by every waiter on userKey, so it must outlive the first caller.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.createTimeout)
		defer cancel()

		// Re-check: a concurrent call may have stored it between our Get and Do.
		sess, err := r.store.Get(ctx, userKey)
		if err != nil {
			return "", fmt.Errorf("lookup session: %w", err)
		}
		if sess != nil {
			return sess.EngineSessionID, nil
		}

		id, err := r.creator.CreateSession(ctx, UserIDFor(userKey))
		if err != nil {
			return "", &domain.SessionCreationError{UserKey: userKey, Err: err}
		}
		if err := r.store.Put(ctx, domain.Session{
			UserKey:         userKey,
			EngineSessionID: id,
			CreatedAt:       r.now().UTC(),
		}); err != nil {
			return "", fmt.Errorf("store session: %w", err)
		}

		metrics.SessionCreated()
		r.logger.Info("created engine session", "user", userKey, "session_id", id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Delete forgets the mapping for userKey. The engine-side session is left alone.
func (r *Registry) Delete(ctx context.Context, userKey string) (bool, error) {
	ok, err := r.store.Delete(ctx, userKey)
	if err != nil {
		return false, err
	}
	if ok {
		r.logger.Info("session mapping deleted", "user", userKey)
	}
	return ok, nil
}

// List returns all mappings sorted by user key.
func (r *Registry) List(ctx context.Context) ([]domain.Session, error) {
	list, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserKey < list[j].UserKey })
	return list, nil
}

// Package store implements domain.SessionStore backends: an in-memory map
// (default), SQLite and Firestore.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"agentbridge/internal/config"
	"agentbridge/internal/domain"
)

// Open builds the session store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.SessionsConfig, fallbackProject string, logger *slog.Logger) (domain.SessionStore, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Info("session store: in-memory")
		return NewMemoryStore(), nil
	case "sqlite":
		logger.Info("session store: sqlite", "path", cfg.DBPath)
		return NewSQLiteStore(cfg.DBPath, logger)
	case "firestore":
		project := cfg.FirestoreProject
		if project == "" {
			project = fallbackProject
		}
		logger.Info("session store: firestore", "project", project, "collection", cfg.FirestoreCollection)
		return NewFirestoreStore(ctx, project, cfg.FirestoreCollection)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

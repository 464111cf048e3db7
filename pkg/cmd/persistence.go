package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brunori/outflow/pkg/persistence"
	"github.com/brunori/outflow/pkg/persistence/memory"
	"github.com/brunori/outflow/pkg/persistence/postgresql"
)

// NewPersistence selects a backend from the database URL scheme. An empty
// URL or memory:// gives the in-process store, useful for local runs and
// tests; anything durable goes through PostgreSQL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case databaseURL == "" || strings.HasPrefix(databaseURL, "memory://"):
		return memory.NewPersistence(logger), nil
	case strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://"):
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return nil, fmt.Errorf("unsupported database URL scheme in %q", databaseURL)
	}
}

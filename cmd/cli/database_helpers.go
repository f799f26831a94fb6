package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/anstrom/portsweep/internal/config"
	"github.com/anstrom/portsweep/internal/db"
)

const databaseTimeout = 30 * time.Second

// withDatabase connects without migrating, runs fn and closes the
// connection.
func withDatabase(cfg *config.Config, fn func(ctx context.Context, database *db.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), databaseTimeout)
	defer cancel()

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return fn(ctx, database)
}

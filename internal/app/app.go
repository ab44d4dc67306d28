// Package app wires a workspace directory into a runnable engine. Both the
// CLI and the HTTP server start here: open the SQLite database, apply
// pending migrations, resolve configuration, and assemble the engine.
package app

import (
	"fmt"
	"log/slog"

	"planforge/internal/config"
	"planforge/internal/db"
	"planforge/internal/engine"
	"planforge/internal/migrate"
)

// Instance bundles a bootstrapped engine with its owned resources.
type Instance struct {
	Engine engine.Engine
	Config *config.Config
}

// Close releases the database handle.
func (i *Instance) Close() error {
	return i.Engine.DB.Close()
}

// Open bootstraps an engine for the given workspace. Configuration is read
// from planforge.yml when present and falls back to defaults otherwise, so a
// fresh workspace works without any setup. A nil logger means slog.Default.
func Open(workspace string, log *slog.Logger) (*Instance, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Instance{
		Engine: engine.New(conn, cfg, log),
		Config: cfg,
	}, nil
}

package app

import (
	"fmt"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/migrate"
)

// Open boots a workspace: database, migrations, config, engine. The CLI and
// the server share this path.
func Open(workspace string) (engine.Engine, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, err
	}
	return engine.New(conn, cfg), nil
}

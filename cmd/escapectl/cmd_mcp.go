package main

import (
	"context"

	"github.com/felixgeelhaar/escape/internal/admin"
	"github.com/felixgeelhaar/escape/internal/daemon"
)

// cmdMCP serves the admin tools over stdio for MCP clients
func cmdMCP() error {
	return withApp(func(ctx context.Context, app *daemon.App) error {
		cfg := admin.Config{
			Tracker: app.Tracker,
			Granter: admin.GranterFunc(app.GrantAccess),
			Version: Version,
		}
		// Sweeps need a messenger; without one the tools report an error.
		if app.Coordinator != nil {
			cfg.Sweeper = app.Coordinator
		}
		return admin.NewServer(cfg).ServeStdio(ctx)
	})
}

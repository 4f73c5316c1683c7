package pg

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// Migrations ship inside the binary so the gateway can bring its own schema
// up to date on boot without a separate migration step in the deploy.
//
//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies any migrations the database has not seen yet.
func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	return goose.Up(db, "migrations")
}

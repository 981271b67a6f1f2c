package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations brings the schema up to date. It opens its own short-lived
// database/sql connection because goose drives that interface, not pgx
// pools.
func RunMigrations(ctx context.Context, cfg Config) error {
	slog.Info("Running database migrations...")

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	db, err := sql.Open("pgx", cfg.Url)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := ensureSchemaExists(ctx, db, schema); err != nil {
		return err
	}

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return err
	}

	slog.Info("Database migrations completed successfully")
	return nil
}

func ensureSchemaExists(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{schema}.Sanitize())
	if err != nil {
		return err
	}
	slog.Info("Schema is ready", "schema", schema)

	// Migrations must run inside the schema, not public.
	_, err = db.ExecContext(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
	if err != nil {
		return err
	}

	return nil
}

package database

import "embed"

// EmbeddedMigrations holds the SQL migration files compiled into the binary
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS

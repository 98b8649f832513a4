package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	// Registers the "cloudsqlpostgres" driver.
	_ "github.com/GoogleCloudPlatform/cloudsql-proxy/proxy/dialers/postgres"
	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Options select the driver and connection.
type Options struct {
	// URL is a lib/pq connection string. When empty the Cloud SQL fields are
	// used with the cloudsqlpostgres driver.
	URL string

	CloudSQLConnectionName string
	CloudSQLUser           string
	CloudSQLPassword       string
	CloudSQLDatabase       string
}

// Open returns a pool for opts. It does not dial.
func Open(opts Options) (*sql.DB, error) {
	if opts.URL != "" {
		conn, err := sql.Open("postgres", opts.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return conn, nil
	}

	if opts.CloudSQLConnectionName == "" || opts.CloudSQLUser == "" {
		return nil, fmt.Errorf("open cloudsql: connection name and user are required")
	}

	dbURI := fmt.Sprintf("host=%s dbname=%s user=%s password=%s sslmode=disable",
		opts.CloudSQLConnectionName, opts.CloudSQLDatabase, opts.CloudSQLUser, opts.CloudSQLPassword)
	conn, err := sql.Open("cloudsqlpostgres", dbURI)
	if err != nil {
		return nil, fmt.Errorf("open cloudsql: %w", err)
	}
	return conn, nil
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

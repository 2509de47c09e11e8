package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

// Up applies every pending migration from FS.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Configure(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// Configure points goose at the embedded files with the postgres dialect.
func Configure() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect("postgres")
}

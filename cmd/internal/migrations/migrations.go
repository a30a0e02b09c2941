// Package migrations embeds warden's SQL schema and applies it with goose.
//
// Migrations are written against unqualified table names and run with search_path
// pinned to the target schema, so tests can apply them to throwaway schemas.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var files embed.FS

const dir = "sql"

// Up creates schema (if missing) and applies all pending migrations into it.
func Up(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return run(ctx, pool, schema, func(p *goose.Provider) error {
		_, err := p.Up(ctx)
		return err
	})
}

// Down rolls back the most recent migration.
func Down(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	return run(ctx, pool, schema, func(p *goose.Provider) error {
		_, err := p.Down(ctx)
		if errors.Is(err, goose.ErrNoNextVersion) {
			return nil
		}
		return err
	})
}

// Status is one row of migration state.
type Status struct {
	Version int64
	Source  string
	Applied bool
}

// List reports applied and pending migrations.
func List(ctx context.Context, pool *pgxpool.Pool, schema string) ([]Status, error) {
	var out []Status
	err := run(ctx, pool, schema, func(p *goose.Provider) error {
		res, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, r := range res {
			out = append(out, Status{
				Version: r.Source.Version,
				Source:  r.Source.Path,
				Applied: r.State == goose.StateApplied,
			})
		}
		return nil
	})
	return out, err
}

func run(ctx context.Context, pool *pgxpool.Pool, schema string, fn func(*goose.Provider) error) error {
	if pool == nil {
		return errors.New("migrations: nil pool")
	}
	if schema == "" {
		return errors.New("migrations: empty schema")
	}

	if _, err := pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{schema}.Sanitize()); err != nil {
		return fmt.Errorf("migrations: create schema: %w", err)
	}

	db, err := openPinned(pool, schema)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	sub, err := fs.Sub(files, dir)
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("migrations: provider: %w", err)
	}
	return fn(p)
}

// openPinned opens a database/sql handle whose sessions resolve unqualified names in schema.
func openPinned(pool *pgxpool.Pool, schema string) (*sql.DB, error) {
	cc := pool.Config().ConnConfig.Copy()
	if cc.RuntimeParams == nil {
		cc.RuntimeParams = map[string]string{}
	}
	cc.RuntimeParams["search_path"] = schema
	return stdlib.OpenDB(*cc), nil
}

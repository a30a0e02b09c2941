// Package pgtest opens Postgres for integration tests.
//
// Tests are opt-in: they run only when WARDEN_DATABASE_URL is set, and every test gets a
// throwaway schema with the full migration set applied.
package pgtest

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"warden/cmd/identity/ids"
	"warden/cmd/internal/migrations"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnvKey names the variable holding the integration database URL.
const EnvKey = "WARDEN_DATABASE_URL"

// Open returns a pool and a freshly migrated schema. Both are cleaned up with t.
func Open(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv(EnvKey))
	if raw == "" {
		t.Skipf("integration test skipped: %s is not set", EnvKey)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if unreachable(err) && os.Getenv("CI") == "" {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("ping postgres: %v", err)
	}

	id, err := ids.New(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "warden_it_" + strings.ToLower(id)

	if err := migrations.Up(ctx, pool, schema); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_, _ = pool.Exec(cctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
		pool.Close()
	})
	return pool, schema
}

func unreachable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

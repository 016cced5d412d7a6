package previewdb

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ResetDriver performs the actual schema reset and SQL application against a
// preview database. It is a capability interface so the coordinator's
// orchestration logic can be exercised without a live Postgres connection.
type ResetDriver interface {
	// ResetSchema drops and recreates the public schema of dbName, then
	// grants usage back to the application role.
	ResetSchema(ctx context.Context, dbName string) error

	// ApplyFile executes the SQL statements in the file at path against
	// dbName.
	ApplyFile(ctx context.Context, dbName, path string) error
}

// PgxResetDriver implements ResetDriver using short-lived pgx connections to
// the target preview database, derived from a base DSN by swapping its
// database name.
type PgxResetDriver struct {
	baseDSN string
	appRole string
}

// NewPgxResetDriver creates a PgxResetDriver. appRole is the role the
// application connects as; it is re-granted USAGE/CREATE on the public
// schema after every reset.
func NewPgxResetDriver(baseDSN, appRole string) *PgxResetDriver {
	return &PgxResetDriver{baseDSN: baseDSN, appRole: appRole}
}

// dsnForDB returns baseDSN with its database path component replaced by
// dbName.
func (d *PgxResetDriver) dsnForDB(dbName string) (string, error) {
	u, err := url.Parse(d.baseDSN)
	if err != nil {
		return "", fmt.Errorf("parsing base DSN: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func (d *PgxResetDriver) connect(ctx context.Context, dbName string) (*pgxpool.Pool, error) {
	dsn, err := d.dsnForDB(dbName)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to preview database %q: %w", dbName, err)
	}
	return pool, nil
}

// ResetSchema drops and recreates dbName's public schema. It never runs
// against anything but the dbName the caller passes in; ValidateDBName is
// the coordinator's responsibility to call first.
func (d *PgxResetDriver) ResetSchema(ctx context.Context, dbName string) error {
	pool, err := d.connect(ctx, dbName)
	if err != nil {
		return err
	}
	defer pool.Close()

	stmts := []string{
		"DROP SCHEMA IF EXISTS public CASCADE",
		"CREATE SCHEMA public",
	}
	if d.appRole != "" {
		stmts = append(stmts,
			fmt.Sprintf("GRANT USAGE, CREATE ON SCHEMA public TO %s", pgIdent(d.appRole)))
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", stmt, err)
		}
	}
	return nil
}

// ApplyFile reads the SQL file at path and executes it against dbName in a
// single batch.
func (d *PgxResetDriver) ApplyFile(ctx context.Context, dbName, path string) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	pool, err := d.connect(ctx, dbName)
	if err != nil {
		return err
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, string(contents)); err != nil {
		return fmt.Errorf("applying %s: %w", path, err)
	}
	return nil
}

// pgIdent quotes an identifier for safe use in a GRANT statement. appRole is
// an operator-configured value, never user input, but quoting it keeps the
// generated DDL well-formed regardless.
func pgIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

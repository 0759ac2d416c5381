package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/projecteru2/sprout/types"
)

// maintenanceDB always exists and is used for administrative statements.
const maintenanceDB = "postgres"

// Postgres opens an authenticated connection with info and pings it.
func Postgres(ctx context.Context, info types.ConnectionInfo, timeout time.Duration) error {
	conn, err := connect(ctx, info, timeout)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx)) //nolint:errcheck
	return conn.Ping(ctx)
}

// RenameDatabase renames the engine database from -> to, terminating any
// sessions on from first. Connects to the maintenance database.
func RenameDatabase(ctx context.Context, info types.ConnectionInfo, from, to string, timeout time.Duration) error {
	if from == to {
		return nil
	}
	info.Database = maintenanceDB
	conn, err := connect(ctx, info, timeout)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx)) //nolint:errcheck

	if _, err := conn.Exec(ctx,
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = $1 AND pid <> pg_backend_pid()", from); err != nil {
		return fmt.Errorf("terminate sessions on %s: %w", from, err)
	}
	stmt := fmt.Sprintf("ALTER DATABASE %s RENAME TO %s",
		pgx.Identifier{from}.Sanitize(), pgx.Identifier{to}.Sanitize())
	if _, err := conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("rename %s to %s: %w", from, to, err)
	}
	return nil
}

func connect(ctx context.Context, info types.ConnectionInfo, timeout time.Duration) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(info.DSN(int(timeout.Seconds())))
	if err != nil {
		return nil, types.Invalidf("connection config: %v", err)
	}
	if timeout > 0 {
		cfg.ConnectTimeout = timeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d/%s: %w", info.Host, info.Port, info.Database, err)
	}
	return conn, nil
}

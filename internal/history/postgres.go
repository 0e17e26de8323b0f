package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"localscope/internal/model"
)

const postgresName = "postgres"

// PostgresBackend stores history in a devices table.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an existing pool. Call EnsureSchema before using it.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// NewDB opens a small pgx pool and verifies connectivity.
func NewDB(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the devices table if it is missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	ddl := `
CREATE TABLE IF NOT EXISTS devices (
  ip TEXT PRIMARY KEY,
  id TEXT NOT NULL,
  name TEXT NOT NULL,
  mac TEXT NOT NULL DEFAULT '',
  vendor TEXT NOT NULL DEFAULT '',
  hostname TEXT NOT NULL DEFAULT '',
  last_seen TIMESTAMPTZ NOT NULL,
  available_services TEXT[] NOT NULL DEFAULT '{}',
  favorite_services TEXT[] NOT NULL DEFAULT '{}',
  manual BOOLEAN NOT NULL DEFAULT FALSE
);`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}
	return nil
}

// Load returns every stored device, newest first.
func (b *PostgresBackend) Load(ctx context.Context) ([]model.Device, error) {
	const query = `
SELECT id, name, ip, mac, vendor, hostname, last_seen, available_services, favorite_services, manual
FROM devices
ORDER BY last_seen DESC, ip;`

	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, &PersistenceError{Op: "load", Path: postgresName, Err: err}
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var (
			d         model.Device
			available []string
			favorites []string
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.IP, &d.MAC, &d.Vendor, &d.Hostname,
			&d.LastSeen, &available, &favorites, &d.Manual); err != nil {
			return nil, &PersistenceError{Op: "load", Path: postgresName, Err: fmt.Errorf("scan row: %w", err)}
		}
		d.AvailableServices = toServices(available)
		d.FavoriteServices = toServices(favorites)
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "load", Path: postgresName, Err: err}
	}
	return devices, nil
}

// Save replaces the table contents in a single transaction.
func (b *PostgresBackend) Save(ctx context.Context, devices []model.Device) error {
	if err := b.save(ctx, devices); err != nil {
		return &PersistenceError{Op: "save", Path: postgresName, Err: err}
	}
	return nil
}

func (b *PostgresBackend) save(ctx context.Context, devices []model.Device) error {
	const insert = `
INSERT INTO devices (ip, id, name, mac, vendor, hostname, last_seen, available_services, favorite_services, manual)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);`

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM devices`); err != nil {
		return fmt.Errorf("delete devices: %w", err)
	}
	for _, d := range devices {
		_, err := tx.Exec(ctx, insert,
			d.IP,
			d.ID,
			d.Name,
			d.MAC,
			d.Vendor,
			d.Hostname,
			d.LastSeen.UTC(),
			fromServices(d.AvailableServices),
			fromServices(d.FavoriteServices),
			d.Manual,
		)
		if err != nil {
			return fmt.Errorf("insert %s: %w", d.IP, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Clear deletes every stored device.
func (b *PostgresBackend) Clear(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM devices`); err != nil {
		return &PersistenceError{Op: "clear", Path: postgresName, Err: err}
	}
	return nil
}

// Close releases the pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

func toServices(in []string) []model.ServiceType {
	out := make([]model.ServiceType, 0, len(in))
	for _, s := range in {
		out = append(out, model.ServiceType(s))
	}
	return out
}

func fromServices(in []model.ServiceType) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// Open opens a Postgres connection pool using the given DSN and verifies it
// with a ping. Caller must call Close when done.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PostgresRegistry stores device records in the devices table (see migrations).
type PostgresRegistry struct {
	db  *sql.DB
	log *slog.Logger
}

// NewPostgresRegistry returns a registry that uses db for persistence.
// The schema must have been migrated beforehand.
func NewPostgresRegistry(db *sql.DB, log *slog.Logger) *PostgresRegistry {
	return &PostgresRegistry{db: db, log: log}
}

const (
	insertDevice = `INSERT INTO devices (id, name, location, peripherals) VALUES ($1, $2, $3, $4)`
	selectDevice = `SELECT id, name, location, peripherals, created_at FROM devices WHERE id = $1`
	listDevices  = `SELECT id, name, location, peripherals, created_at FROM devices ORDER BY created_at, id`
)

func (r *PostgresRegistry) CreateDevice(ctx context.Context, name, location string, peripherals []string) (string, error) {
	if peripherals == nil {
		peripherals = []string{}
	}
	encoded, err := json.Marshal(peripherals)
	if err != nil {
		return "", registrationFailure(err)
	}

	id := uuid.New()
	if _, err := r.db.ExecContext(ctx, insertDevice, id, name, location, string(encoded)); err != nil {
		r.log.Error("Failed to insert device",
			slog.String("name", name),
			"err", err)
		return "", registrationFailure(err)
	}

	r.log.Debug("Registered device",
		slog.String("device_id", id.String()),
		slog.String("name", name))

	return id.String(), nil
}

func (r *PostgresRegistry) ListDevices(ctx context.Context) ([]interfaces.DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx, listDevices)
	if err != nil {
		return nil, registrationFailure(err)
	}
	defer rows.Close()

	var out []interfaces.DeviceRecord
	for rows.Next() {
		rec, err := scanDevice(rows)
		if err != nil {
			return nil, registrationFailure(err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, registrationFailure(err)
	}
	return out, nil
}

func (r *PostgresRegistry) GetDevice(ctx context.Context, id string) (*interfaces.DeviceRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, interfaces.ErrDeviceNotFound
	}

	rec, err := scanDevice(r.db.QueryRowContext(ctx, selectDevice, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrDeviceNotFound
	}
	if err != nil {
		return nil, registrationFailure(err)
	}
	return rec, nil
}

// Close releases the underlying connection pool.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*interfaces.DeviceRecord, error) {
	var (
		rec         interfaces.DeviceRecord
		peripherals []byte
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Location, &peripherals, &rec.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(peripherals, &rec.Peripherals); err != nil {
		return nil, fmt.Errorf("invalid peripherals column: %w", err)
	}
	return &rec, nil
}

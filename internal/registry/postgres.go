package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"iot-telemetry/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	device_type   TEXT NOT NULL,
	location      TEXT NOT NULL DEFAULT '',
	metadata      JSONB NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	registered_at TIMESTAMPTZ NOT NULL
)`

// deviceRow строка таблицы devices
type deviceRow struct {
	models.Device
	Metadata []byte `db:"metadata"`
}

func (r deviceRow) toDevice() (models.Device, error) {
	d := r.Device
	d.Metadata = map[string]string{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &d.Metadata); err != nil {
			return d, fmt.Errorf("decode metadata of %s: %w", d.ID, err)
		}
	}
	return d, nil
}

// PostgresStore реестр устройств в PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

// Connect подключается к PostgreSQL через драйвер pgx
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	return sqlx.ConnectContext(ctx, "pgx", dsn)
}

// NewPostgresStore создает реестр и таблицу devices при необходимости
func NewPostgresStore(ctx context.Context, db *sqlx.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create devices table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LookupDevice(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM devices WHERE id = $1)`, id)
	return exists, err
}

func (s *PostgresStore) Register(ctx context.Context, d models.Device) (models.Device, error) {
	d, err := prepare(d, time.Now())
	if err != nil {
		return d, err
	}
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return d, fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO devices(id, name, device_type, location, metadata, status, registered_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.Name, d.DeviceType, d.Location, meta, d.Status, d.RegisteredAt)
	if err != nil {
		return d, fmt.Errorf("insert device: %w", err)
	}
	return d, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (models.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, device_type, location, metadata, status, registered_at FROM devices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	if err != nil {
		return models.Device{}, err
	}
	return row.toDevice()
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]models.Device, error) {
	var rows []deviceRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, device_type, location, metadata, status, registered_at FROM devices
		 WHERE ($1 = '' OR device_type = $1) AND ($2 = '' OR status = $2)
		 ORDER BY registered_at, id`, f.DeviceType, f.Status)
	if err != nil {
		return nil, err
	}

	out := make([]models.Device, 0, len(rows))
	for _, r := range rows {
		d, err := r.toDevice()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return nil
}

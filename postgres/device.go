package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vitaltrack/healthsync/models"
)

type deviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a postgres-backed device repository.
func NewDeviceRepository(db *sql.DB) models.DeviceRepository {
	return &deviceRepository{db: db}
}

const deviceColumns = `id, user_id, device_type, name, status, capabilities,
	last_sync_at, cursor, battery_level, settings, created_at, updated_at`

func (repo *deviceRepository) Get(ctx context.Context, id string) (models.WearableDevice, error) {
	q := `SELECT ` + deviceColumns + ` FROM wearable_devices WHERE id = $1`

	return scanDevice(repo.db.QueryRowContext(ctx, q, id))
}

func (repo *deviceRepository) Create(ctx context.Context, device *models.WearableDevice) error {
	if err := device.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}

	device.UpdatedAt = now

	capabilities, err := json.Marshal(device.Capabilities)
	if err != nil {
		return err
	}

	settings, err := json.Marshal(device.Settings)
	if err != nil {
		return err
	}

	const q = `INSERT INTO wearable_devices
		(id, user_id, device_type, name, status, capabilities, last_sync_at, cursor, battery_level, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = repo.db.ExecContext(ctx, q,
		device.ID, device.UserID, device.DeviceType, device.Name, device.Status,
		capabilities, device.LastSyncAt, device.Cursor, device.BatteryLevel,
		settings, device.CreatedAt, device.UpdatedAt,
	)

	return err
}

func (repo *deviceRepository) Select(ctx context.Context, params models.DeviceSelectParams) ([]models.WearableDevice, error) {
	q := `SELECT ` + deviceColumns + ` FROM wearable_devices WHERE 1=1`

	var args []any

	if params.UserID != "" {
		args = append(args, params.UserID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}

	if params.Status != "" {
		args = append(args, params.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}

	q += " ORDER BY created_at ASC"

	if params.Limit > 0 {
		args = append(args, params.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := repo.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []models.WearableDevice

	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}

		devices = append(devices, device)
	}

	return devices, rows.Err()
}

func (repo *deviceRepository) UpdateStatus(ctx context.Context, id, status string) error {
	const q = `UPDATE wearable_devices SET status = $1, updated_at = $2 WHERE id = $3`

	res, err := repo.db.ExecContext(ctx, q, status, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (repo *deviceRepository) UpdateSyncState(ctx context.Context, id, cursor string, lastSyncAt time.Time) error {
	const q = `UPDATE wearable_devices SET cursor = $1, last_sync_at = $2, updated_at = $3 WHERE id = $4`

	res, err := repo.db.ExecContext(ctx, q, cursor, lastSyncAt.UTC(), time.Now().UTC(), id)
	if err != nil {
		return err
	}

	return requireAffected(res)
}

func (repo *deviceRepository) GetAuth(ctx context.Context, deviceID string) (models.DeviceAuth, error) {
	const q = `SELECT device_id, access_token, refresh_token, expires_at, scopes, updated_at
		FROM device_auth WHERE device_id = $1`

	row := repo.db.QueryRowContext(ctx, q, deviceID)

	var (
		auth   models.DeviceAuth
		scopes []byte
	)

	err := row.Scan(&auth.DeviceID, &auth.AccessToken, &auth.RefreshToken, &auth.ExpiresAt, &scopes, &auth.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.DeviceAuth{}, models.ErrNotFound
		}

		return models.DeviceAuth{}, err
	}

	if err := json.Unmarshal(scopes, &auth.Scopes); err != nil {
		return models.DeviceAuth{}, err
	}

	return auth, nil
}

func (repo *deviceRepository) SaveAuth(ctx context.Context, auth *models.DeviceAuth) error {
	scopes, err := json.Marshal(auth.Scopes)
	if err != nil {
		return err
	}

	auth.UpdatedAt = time.Now().UTC()

	const q = `INSERT INTO device_auth (device_id, access_token, refresh_token, expires_at, scopes, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			updated_at = EXCLUDED.updated_at`

	_, err = repo.db.ExecContext(ctx, q,
		auth.DeviceID, auth.AccessToken, auth.RefreshToken, auth.ExpiresAt.UTC(), scopes, auth.UpdatedAt,
	)

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (models.WearableDevice, error) {
	var (
		device       models.WearableDevice
		capabilities []byte
		settings     []byte
	)

	err := row.Scan(
		&device.ID, &device.UserID, &device.DeviceType, &device.Name, &device.Status,
		&capabilities, &device.LastSyncAt, &device.Cursor, &device.BatteryLevel,
		&settings, &device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.WearableDevice{}, models.ErrNotFound
		}

		return models.WearableDevice{}, err
	}

	if err := json.Unmarshal(capabilities, &device.Capabilities); err != nil {
		return models.WearableDevice{}, err
	}

	if err := json.Unmarshal(settings, &device.Settings); err != nil {
		return models.WearableDevice{}, err
	}

	return device, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return models.ErrNotFound
	}

	return nil
}

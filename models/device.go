package models

import (
	"context"
	"errors"
	"time"
)

// Device types correspond to registered connector implementations.
const (
	DeviceTypePhoneHealth  = "phone_health"
	DeviceTypeFitnessBand  = "fitness_band"
	DeviceTypeSmartwatch   = "smartwatch"
	DeviceTypeWristTracker = "wrist_tracker"
)

// Device connection states.
const (
	DeviceStatusConnected    = "connected"
	DeviceStatusDisconnected = "disconnected"
	DeviceStatusSyncing      = "syncing"
	DeviceStatusError        = "error"
)

// WearableDevice is one user-owned data source. Devices are soft-disabled on
// disconnect (status change, never deleted) so their sync history is retained.
type WearableDevice struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	DeviceType   string            `json:"device_type"`
	Name         string            `json:"name"`
	Status       string            `json:"status"`
	Capabilities []string          `json:"capabilities"`
	LastSyncAt   *time.Time        `json:"last_sync_at,omitempty"`
	Cursor       string            `json:"-"`
	BatteryLevel *int              `json:"battery_level,omitempty"`
	Settings     map[string]string `json:"settings,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (d *WearableDevice) Validate() error {
	if d.ID == "" {
		return errors.New("missing id")
	}

	if d.UserID == "" {
		return errors.New("missing user id")
	}

	switch d.DeviceType {
	case DeviceTypePhoneHealth, DeviceTypeFitnessBand, DeviceTypeSmartwatch, DeviceTypeWristTracker:
	default:
		return errors.New("invalid device type")
	}

	if d.Status == "" {
		return errors.New("missing status")
	}

	return nil
}

// CanSupply reports whether the device declares the given metric capability.
func (d *WearableDevice) CanSupply(metric string) bool {
	for _, c := range d.Capabilities {
		if c == metric {
			return true
		}
	}

	return false
}

// DeviceAuth is the credential material for one device. Token fields hold
// ciphertext everywhere outside the credential store boundary.
type DeviceAuth struct {
	DeviceID     string    `json:"device_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeviceSelectParams filters device selection.
type DeviceSelectParams struct {
	UserID string
	Status string
	Limit  int
}

// DeviceRepository defines storage for devices and their credentials.
type DeviceRepository interface {
	Get(ctx context.Context, id string) (WearableDevice, error)
	Create(ctx context.Context, device *WearableDevice) error
	Select(ctx context.Context, params DeviceSelectParams) ([]WearableDevice, error)
	UpdateStatus(ctx context.Context, id, status string) error
	UpdateSyncState(ctx context.Context, id, cursor string, lastSyncAt time.Time) error

	GetAuth(ctx context.Context, deviceID string) (DeviceAuth, error)
	SaveAuth(ctx context.Context, auth *DeviceAuth) error
}

// ErrNotFound is returned by repositories when an entity does not exist.
var ErrNotFound = errors.New("not found")

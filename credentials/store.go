// Package credentials is the only component allowed to see device tokens in
// the clear. It hands out valid access credentials, refreshing them through
// the vendor's OAuth flow when needed.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/vitaltrack/healthsync/connector"
	"github.com/vitaltrack/healthsync/models"
	"github.com/vitaltrack/healthsync/pkg/encryption"
)

// ErrConsentRevoked indicates the user revoked access on the vendor side.
// The owning device is marked disconnected and must be re-authenticated.
var ErrConsentRevoked = errors.New("vendor consent revoked")

// refreshMargin is the safety window: a token expiring within it is treated
// as already expired.
const refreshMargin = 60 * time.Second

// Store resolves valid credentials for devices. Concurrent refresh requests
// for one device collapse into a single vendor call; refresh is not
// idempotent against the vendor and must never run twice concurrently for
// the same device.
type Store struct {
	devices models.DeviceRepository
	configs map[string]*oauth2.Config
	group   singleflight.Group
	logger  *zap.Logger
	now     func() time.Time
}

func NewStore(devices models.DeviceRepository, configs map[string]*oauth2.Config, logger *zap.Logger) *Store {
	return &Store{
		devices: devices,
		configs: configs,
		logger:  logger,
		now:     time.Now,
	}
}

// GetValidCredential returns a currently valid access credential for the
// device, transparently refreshing if the stored token is expired or expires
// within the safety margin.
func (s *Store) GetValidCredential(ctx context.Context, deviceID string) (connector.Credential, error) {
	auth, err := s.devices.GetAuth(ctx, deviceID)
	if err != nil {
		return connector.Credential{}, fmt.Errorf("load auth for device %s: %w", deviceID, err)
	}

	if auth.ExpiresAt.After(s.now().Add(refreshMargin)) {
		token, err := encryption.Decrypt(auth.AccessToken)
		if err != nil {
			return connector.Credential{}, fmt.Errorf("decrypt access token: %w", err)
		}

		return connector.Credential{AccessToken: token, ExpiresAt: auth.ExpiresAt}, nil
	}

	return s.refresh(ctx, deviceID)
}

// ForceRefresh refreshes regardless of the stored expiry. The orchestrator
// uses it for its single retry after an AuthExpired fault.
func (s *Store) ForceRefresh(ctx context.Context, deviceID string) (connector.Credential, error) {
	return s.refresh(ctx, deviceID)
}

func (s *Store) refresh(ctx context.Context, deviceID string) (connector.Credential, error) {
	ans, err, _ := s.group.Do(deviceID, func() (any, error) {
		return s.doRefresh(ctx, deviceID)
	})
	if err != nil {
		return connector.Credential{}, err
	}

	return ans.(connector.Credential), nil
}

func (s *Store) doRefresh(ctx context.Context, deviceID string) (connector.Credential, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return connector.Credential{}, err
	}

	cfg, ok := s.configs[device.DeviceType]
	if !ok {
		return connector.Credential{}, fmt.Errorf("no oauth config for device type %q", device.DeviceType)
	}

	auth, err := s.devices.GetAuth(ctx, deviceID)
	if err != nil {
		return connector.Credential{}, err
	}

	refreshToken, err := encryption.Decrypt(auth.RefreshToken)
	if err != nil {
		return connector.Credential{}, fmt.Errorf("decrypt refresh token: %w", err)
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		if isConsentRevoked(err) {
			s.logger.Warn("consent revoked, disconnecting device",
				zap.String("device_id", deviceID),
				zap.String("device_type", device.DeviceType))

			if stErr := s.devices.UpdateStatus(ctx, deviceID, models.DeviceStatusDisconnected); stErr != nil {
				s.logger.Error("failed to mark device disconnected", zap.String("device_id", deviceID), zap.Error(stErr))
			}

			return connector.Credential{}, fmt.Errorf("%w: %v", ErrConsentRevoked, err)
		}

		return connector.Credential{}, fmt.Errorf("refresh token for device %s: %w", deviceID, err)
	}

	if err := s.persist(ctx, &auth, token); err != nil {
		return connector.Credential{}, err
	}

	s.logger.Debug("refreshed device credential",
		zap.String("device_id", deviceID),
		zap.Time("expires_at", token.Expiry))

	return connector.Credential{AccessToken: token.AccessToken, ExpiresAt: token.Expiry}, nil
}

func (s *Store) persist(ctx context.Context, auth *models.DeviceAuth, token *oauth2.Token) error {
	encAccess, err := encryption.Encrypt(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}

	auth.AccessToken = encAccess
	auth.ExpiresAt = token.Expiry

	// Some vendors rotate the refresh token on every use.
	if token.RefreshToken != "" {
		encRefresh, err := encryption.Encrypt(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}

		auth.RefreshToken = encRefresh
	}

	if err := s.devices.SaveAuth(ctx, auth); err != nil {
		return fmt.Errorf("persist rotated credential: %w", err)
	}

	return nil
}

// StoreInitial encrypts and persists tokens obtained during device pairing.
func (s *Store) StoreInitial(ctx context.Context, deviceID string, token *oauth2.Token, scopes []string) error {
	auth := models.DeviceAuth{DeviceID: deviceID, Scopes: scopes}

	encRefresh, err := encryption.Encrypt(token.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	auth.RefreshToken = encRefresh

	return s.persist(ctx, &auth, token)
}

func isConsentRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return true
		}

		return strings.Contains(string(re.Body), "invalid_grant")
	}

	return false
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeviceCache is the cache-aside layer for device lookups on the hot
// ingest path. Implemented by infrastructure.Cache.
type DeviceCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

const deviceCacheTTL = 5 * time.Minute

// DeviceService owns the device registry.
type DeviceService struct {
	store  DataStore
	cache  DeviceCache
	logger *logrus.Logger
}

// NewDeviceService creates the registry service. cache may be nil.
func NewDeviceService(store DataStore, cache DeviceCache, logger *logrus.Logger) *DeviceService {
	return &DeviceService{store: store, cache: cache, logger: logger}
}

// Register creates a new device. DeviceUID and ICCID must be unique.
func (s *DeviceService) Register(ctx context.Context, device *Device) error {
	if device.DeviceUID == "" || device.ICCID == "" {
		return &BusinessError{Code: "INVALID_DEVICE", Message: "device_uid and iccid are required"}
	}

	if _, err := s.store.GetDeviceByICCID(ctx, device.ICCID); err == nil {
		return ErrDeviceAlreadyExists
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := s.store.CreateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"device_uid":  device.DeviceUID,
		"iccid":       device.ICCID,
		"device_type": device.DeviceType,
	}).Info("Device registered")
	return nil
}

// Update persists changes to a device and invalidates its cache entry.
func (s *DeviceService) Update(ctx context.Context, device *Device) error {
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	s.invalidate(ctx, device.ICCID)
	return nil
}

// Get returns a device by primary key.
func (s *DeviceService) Get(ctx context.Context, id uint) (*Device, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// GetByUID returns a device by its vendor-assigned identifier.
func (s *DeviceService) GetByUID(ctx context.Context, uid string) (*Device, error) {
	device, err := s.store.GetDeviceByUID(ctx, uid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

// GetByICCID resolves a device by SIM identifier, consulting the cache
// first. A cache miss or unmarshal failure falls through to the store.
func (s *DeviceService) GetByICCID(ctx context.Context, iccid string) (*Device, error) {
	if cached := s.getCached(ctx, iccid); cached != nil {
		return cached, nil
	}

	device, err := s.store.GetDeviceByICCID(ctx, iccid)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	s.putCached(ctx, device)
	return device, nil
}

// List returns every registered device.
func (s *DeviceService) List(ctx context.Context) ([]*Device, error) {
	return s.store.ListDevices(ctx)
}

// State returns the current judged state for a device.
func (s *DeviceService) State(ctx context.Context, id uint) (*DeviceState, error) {
	state, err := s.store.GetDeviceState(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return state, nil
}

// TagState returns the current tag state for a Sigfox device.
func (s *DeviceService) TagState(ctx context.Context, id uint) (*TagState, error) {
	state, err := s.store.GetTagState(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return state, nil
}

// History returns events for a device within [from, to].
func (s *DeviceService) History(ctx context.Context, id uint, from, to time.Time, limit int) ([]*HistoryEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.store.ListDeviceHistory(ctx, id, from, to, limit)
}

func (s *DeviceService) getCached(ctx context.Context, iccid string) *Device {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, "device:iccid:"+iccid)
	if err != nil || raw == "" {
		return nil
	}
	var device Device
	if err := json.Unmarshal([]byte(raw), &device); err != nil {
		s.logger.WithError(err).WithField("iccid", iccid).Warn("Discarding corrupt device cache entry")
		return nil
	}
	return &device
}

func (s *DeviceService) putCached(ctx context.Context, device *Device) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, "device:iccid:"+device.ICCID, string(raw), deviceCacheTTL); err != nil {
		s.logger.WithError(err).WithField("iccid", device.ICCID).Warn("Failed to cache device")
	}
}

func (s *DeviceService) invalidate(ctx context.Context, iccid string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, "device:iccid:"+iccid); err != nil {
		s.logger.WithError(err).WithField("iccid", iccid).Warn("Failed to invalidate device cache")
	}
}

// AuthenticationService validates API access tokens and their scopes.
type AuthenticationService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewAuthenticationService(store DataStore, logger *logrus.Logger) *AuthenticationService {
	return &AuthenticationService{store: store, logger: logger}
}

// ValidateToken returns the token record when it exists, is active and is
// not expired. Last-access tracking is best effort.
func (s *AuthenticationService) ValidateToken(ctx context.Context, token string) (*AccessToken, error) {
	record, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &BusinessError{Code: "INVALID_TOKEN", Message: "access token not recognized"}
		}
		return nil, err
	}
	if !record.Active {
		return nil, &BusinessError{Code: "TOKEN_DISABLED", Message: "access token disabled"}
	}
	if record.ExpiresAt != nil && record.ExpiresAt.Before(time.Now()) {
		return nil, &BusinessError{Code: "TOKEN_EXPIRED", Message: "access token expired"}
	}

	if err := s.store.UpdateTokenLastAccess(ctx, token); err != nil {
		s.logger.WithError(err).Warn("Failed to record token access")
	}
	return record, nil
}

// HasScope reports whether the token grants the named scope.
func (s *AuthenticationService) HasScope(token *AccessToken, scope string) bool {
	for _, granted := range token.Scopes {
		if granted == scope || granted == "admin" {
			return true
		}
	}
	return false
}

// ServiceRegistry bundles all services for the transport layer.
type ServiceRegistry struct {
	Devices *DeviceService
	Ingest  *IngestService
	Control *ControlService
	Health  *HealthService
	Auth    *AuthenticationService
}

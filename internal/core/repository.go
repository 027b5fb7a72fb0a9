package core

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// DataStore defines the interface for data access operations.
type DataStore interface {
	// Device registry
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id uint) (*Device, error)
	GetDeviceByUID(ctx context.Context, uid string) (*Device, error)
	GetDeviceByICCID(ctx context.Context, iccid string) (*Device, error)
	ListDevices(ctx context.Context) ([]*Device, error)
	UpdateDeviceLastRecv(ctx context.Context, deviceID uint, at time.Time) error

	// Device state
	GetDeviceState(ctx context.Context, deviceID uint) (*DeviceState, error)
	SaveDeviceState(ctx context.Context, state *DeviceState) error

	// History events
	AppendHistoryEvents(ctx context.Context, events []*HistoryEvent) error
	ListDeviceHistory(ctx context.Context, deviceID uint, from, to time.Time, limit int) ([]*HistoryEvent, error)

	// Remote control. CreateControlRequest is a conditional put: it fails
	// with gorm.ErrDuplicatedKey when the device already has a pending
	// request.
	CreateControlRequest(ctx context.Context, req *RemoteControlRequest) error
	UpdateControlRequest(ctx context.Context, req *RemoteControlRequest) error
	GetControlRequest(ctx context.Context, deviceReqNo string) (*RemoteControlRequest, error)
	GetPendingControlByKey(ctx context.Context, deviceReqNo string, window time.Duration) (*RemoteControlRequest, error)
	GetPendingControlForDevice(ctx context.Context, deviceID uint, window time.Duration) (*RemoteControlRequest, error)
	ListExpiredPendingControls(ctx context.Context, olderThan time.Duration) ([]*RemoteControlRequest, error)

	// Stray telemetry
	RecordStray(ctx context.Context, stray *StrayTelemetry) error
	ListStrays(ctx context.Context, unreplayedOnly bool, limit int) ([]*StrayTelemetry, error)
	MarkStrayReplayed(ctx context.Context, id uint) error

	// Tag state (Sigfox)
	GetTagState(ctx context.Context, deviceID uint) (*TagState, error)
	SaveTagState(ctx context.Context, state *TagState) error

	// Access tokens
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	UpdateTokenLastAccess(ctx context.Context, token string) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error
}

type dataStore struct {
	db *gorm.DB
}

// NewDataStore creates a store over a gorm connection.
func NewDataStore(db *gorm.DB) DataStore {
	return &dataStore{db: db}
}

func (s *dataStore) WithTransaction(ctx context.Context, fn func(c context.Context, ds DataStore) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewDataStore(tx))
	})
}

func (s *dataStore) CreateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Create(d).Error
}

func (s *dataStore) UpdateDevice(ctx context.Context, d *Device) error {
	return s.db.WithContext(ctx).Save(d).Error
}

func (s *dataStore) GetDevice(ctx context.Context, id uint) (*Device, error) {
	var d Device
	return &d, s.db.WithContext(ctx).First(&d, id).Error
}

func (s *dataStore) GetDeviceByUID(ctx context.Context, uid string) (*Device, error) {
	var d Device
	return &d, s.db.WithContext(ctx).Where("device_uid = ?", uid).First(&d).Error
}

func (s *dataStore) GetDeviceByICCID(ctx context.Context, iccid string) (*Device, error) {
	var d Device
	return &d, s.db.WithContext(ctx).Where("iccid = ?", iccid).First(&d).Error
}

func (s *dataStore) ListDevices(ctx context.Context) ([]*Device, error) {
	var devices []*Device
	return devices, s.db.WithContext(ctx).Order("id").Find(&devices).Error
}

func (s *dataStore) UpdateDeviceLastRecv(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).
		Update("last_recv_at", at).Error
}

func (s *dataStore) GetDeviceState(ctx context.Context, deviceID uint) (*DeviceState, error) {
	var st DeviceState
	return &st, s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&st).Error
}

func (s *dataStore) SaveDeviceState(ctx context.Context, st *DeviceState) error {
	return s.db.WithContext(ctx).Save(st).Error
}

func (s *dataStore) AppendHistoryEvents(ctx context.Context, events []*HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).CreateInBatches(events, 100).Error
}

func (s *dataStore) ListDeviceHistory(ctx context.Context, deviceID uint, from, to time.Time, limit int) ([]*HistoryEvent, error) {
	var events []*HistoryEvent
	q := s.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if !from.IsZero() {
		q = q.Where("event_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("event_at <= ?", to)
	}
	q = q.Order("event_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return events, q.Find(&events).Error
}

// CreateControlRequest inserts a pending control request. A partial unique
// index on (device_id) WHERE status = 'pending' makes the insert the
// conditional put: a concurrent request for the same device fails with
// gorm.ErrDuplicatedKey instead of producing a second pending row.
func (s *dataStore) CreateControlRequest(ctx context.Context, req *RemoteControlRequest) error {
	return s.db.WithContext(ctx).Create(req).Error
}

func (s *dataStore) UpdateControlRequest(ctx context.Context, req *RemoteControlRequest) error {
	return s.db.WithContext(ctx).Save(req).Error
}

func (s *dataStore) GetControlRequest(ctx context.Context, deviceReqNo string) (*RemoteControlRequest, error) {
	var req RemoteControlRequest
	return &req, s.db.WithContext(ctx).Where("device_req_no = ?", deviceReqNo).
		Order("requested_at DESC").First(&req).Error
}

// GetPendingControlByKey resolves a control-response correlation key within
// the recency window. Request numbers wrap at 65535, so a match outside the
// window is treated as stale and not returned.
func (s *dataStore) GetPendingControlByKey(ctx context.Context, deviceReqNo string, window time.Duration) (*RemoteControlRequest, error) {
	var req RemoteControlRequest
	cutoff := time.Now().Add(-window)
	return &req, s.db.WithContext(ctx).
		Where("device_req_no = ? AND status = ? AND requested_at >= ?",
			deviceReqNo, ControlStatusPending, cutoff).
		Order("requested_at DESC").First(&req).Error
}

func (s *dataStore) GetPendingControlForDevice(ctx context.Context, deviceID uint, window time.Duration) (*RemoteControlRequest, error) {
	var req RemoteControlRequest
	cutoff := time.Now().Add(-window)
	return &req, s.db.WithContext(ctx).
		Where("device_id = ? AND status IN ? AND requested_at >= ?",
			deviceID, []string{ControlStatusPending, ControlStatusAcknowledged}, cutoff).
		Order("requested_at DESC").First(&req).Error
}

func (s *dataStore) ListExpiredPendingControls(ctx context.Context, olderThan time.Duration) ([]*RemoteControlRequest, error) {
	var reqs []*RemoteControlRequest
	cutoff := time.Now().Add(-olderThan)
	return reqs, s.db.WithContext(ctx).
		Where("status = ? AND requested_at < ?", ControlStatusPending, cutoff).
		Find(&reqs).Error
}

func (s *dataStore) RecordStray(ctx context.Context, stray *StrayTelemetry) error {
	return s.db.WithContext(ctx).Create(stray).Error
}

func (s *dataStore) ListStrays(ctx context.Context, unreplayedOnly bool, limit int) ([]*StrayTelemetry, error) {
	var strays []*StrayTelemetry
	q := s.db.WithContext(ctx).Order("recv_at DESC")
	if unreplayedOnly {
		q = q.Where("replayed = ?", false)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return strays, q.Find(&strays).Error
}

func (s *dataStore) MarkStrayReplayed(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Model(&StrayTelemetry{}).Where("id = ?", id).
		Update("replayed", true).Error
}

func (s *dataStore) GetTagState(ctx context.Context, deviceID uint) (*TagState, error) {
	var st TagState
	return &st, s.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&st).Error
}

func (s *dataStore) SaveTagState(ctx context.Context, st *TagState) error {
	return s.db.WithContext(ctx).Save(st).Error
}

func (s *dataStore) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	var t AccessToken
	return &t, s.db.WithContext(ctx).Where("token = ?", token).First(&t).Error
}

func (s *dataStore) UpdateTokenLastAccess(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Model(&AccessToken{}).Where("token = ?", token).
		Update("last_accessed_at", time.Now()).Error
}

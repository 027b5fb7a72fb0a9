package core

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"
)

// memStore is an in-memory DataStore for service-level tests.
type memStore struct {
	mu       sync.Mutex
	nextID   uint
	devices  map[uint]*Device
	states   map[uint]*DeviceState
	tags     map[uint]*TagState
	events   []*HistoryEvent
	controls map[string]*RemoteControlRequest
	strays   []*StrayTelemetry
	tokens   map[string]*AccessToken

	failSaveState bool
}

func newMemStore() *memStore {
	return &memStore{
		nextID:   1,
		devices:  make(map[uint]*Device),
		states:   make(map[uint]*DeviceState),
		tags:     make(map[uint]*TagState),
		controls: make(map[string]*RemoteControlRequest),
		tokens:   make(map[string]*AccessToken),
	}
}

func (m *memStore) CreateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.nextID
	m.nextID++
	m.devices[d.ID] = d
	return nil
}

func (m *memStore) UpdateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[d.ID] = d
	return nil
}

func (m *memStore) GetDevice(_ context.Context, id uint) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) GetDeviceByUID(_ context.Context, uid string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.DeviceUID == uid {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) GetDeviceByICCID(_ context.Context, iccid string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.ICCID == iccid {
			return d, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) ListDevices(_ context.Context) ([]*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Device
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) UpdateDeviceLastRecv(_ context.Context, id uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		d.LastRecvAt = &at
	}
	return nil
}

func (m *memStore) GetDeviceState(_ context.Context, deviceID uint) (*DeviceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[deviceID]; ok {
		return st, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) SaveDeviceState(_ context.Context, st *DeviceState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveState {
		return gorm.ErrInvalidTransaction
	}
	m.states[st.DeviceID] = st
	return nil
}

func (m *memStore) AppendHistoryEvents(_ context.Context, events []*HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memStore) ListDeviceHistory(_ context.Context, deviceID uint, from, to time.Time, limit int) ([]*HistoryEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*HistoryEvent
	for _, ev := range m.events {
		if ev.DeviceID != deviceID {
			continue
		}
		if !from.IsZero() && ev.EventAt.Before(from) {
			continue
		}
		if !to.IsZero() && ev.EventAt.After(to) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) CreateControlRequest(_ context.Context, req *RemoteControlRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.controls[req.DeviceReqNo]; exists {
		return gorm.ErrDuplicatedKey
	}
	// Mirrors the partial unique index on (device_id) WHERE status =
	// 'pending'.
	for _, existing := range m.controls {
		if existing.DeviceID == req.DeviceID && existing.Status == ControlStatusPending {
			return gorm.ErrDuplicatedKey
		}
	}
	req.ID = m.nextID
	m.nextID++
	m.controls[req.DeviceReqNo] = req
	return nil
}

func (m *memStore) UpdateControlRequest(_ context.Context, req *RemoteControlRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls[req.DeviceReqNo] = req
	return nil
}

func (m *memStore) GetControlRequest(_ context.Context, deviceReqNo string) (*RemoteControlRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req, ok := m.controls[deviceReqNo]; ok {
		return req, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) GetPendingControlByKey(_ context.Context, deviceReqNo string, window time.Duration) (*RemoteControlRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	if req, ok := m.controls[deviceReqNo]; ok &&
		req.Status == ControlStatusPending && !req.RequestedAt.Before(cutoff) {
		return req, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) GetPendingControlForDevice(_ context.Context, deviceID uint, window time.Duration) (*RemoteControlRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-window)
	var newest *RemoteControlRequest
	for _, req := range m.controls {
		if req.DeviceID != deviceID || req.RequestedAt.Before(cutoff) {
			continue
		}
		if req.Status != ControlStatusPending && req.Status != ControlStatusAcknowledged {
			continue
		}
		if newest == nil || req.RequestedAt.After(newest.RequestedAt) {
			newest = req
		}
	}
	if newest == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return newest, nil
}

func (m *memStore) ListExpiredPendingControls(_ context.Context, olderThan time.Duration) ([]*RemoteControlRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*RemoteControlRequest
	for _, req := range m.controls {
		if req.Status == ControlStatusPending && req.RequestedAt.Before(cutoff) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memStore) RecordStray(_ context.Context, stray *StrayTelemetry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stray.ID = m.nextID
	m.nextID++
	m.strays = append(m.strays, stray)
	return nil
}

func (m *memStore) ListStrays(_ context.Context, unreplayedOnly bool, limit int) ([]*StrayTelemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StrayTelemetry
	for _, s := range m.strays {
		if unreplayedOnly && s.Replayed {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkStrayReplayed(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.strays {
		if s.ID == id {
			s.Replayed = true
		}
	}
	return nil
}

func (m *memStore) GetTagState(_ context.Context, deviceID uint) (*TagState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.tags[deviceID]; ok {
		return st, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) SaveTagState(_ context.Context, st *TagState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[st.DeviceID] = st
	return nil
}

func (m *memStore) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		return t, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memStore) UpdateTokenLastAccess(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tokens[token]; ok {
		now := time.Now()
		t.LastAccessedAt = &now
	}
	return nil
}

func (m *memStore) WithTransaction(ctx context.Context, fn func(context.Context, DataStore) error) error {
	return fn(ctx, m)
}

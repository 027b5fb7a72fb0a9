package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// HealthService sweeps all registered devices and flips the healthy flag
// on prolonged silence or recovery. Each flip emits a device_healthy event
// with the occurrence flag set on silence and cleared on recovery.
type HealthService struct {
	store     DataStore
	publisher EventPublisher
	notifier  Notifier
	retention time.Duration
	logger    *logrus.Logger
}

// NewHealthService wires the health sweep. publisher and notifier may be
// nil.
func NewHealthService(store DataStore, publisher EventPublisher, notifier Notifier,
	retention time.Duration, logger *logrus.Logger) *HealthService {
	return &HealthService{
		store:     store,
		publisher: publisher,
		notifier:  notifier,
		retention: retention,
		logger:    logger,
	}
}

// Run sweeps at the given interval until the context is cancelled.
func (s *HealthService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.WithError(err).Error("Health sweep failed")
			}
		}
	}
}

// Sweep evaluates every active device once.
func (s *HealthService) Sweep(ctx context.Context) error {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, device := range devices {
		if !device.Active {
			continue
		}
		if device.DeviceType == DeviceTypeUnaTag {
			s.sweepTag(ctx, device, now)
		} else {
			s.sweepDevice(ctx, device, now)
		}
	}
	return nil
}

func (s *HealthService) sweepDevice(ctx context.Context, device *Device, now time.Time) {
	state, err := s.store.GetDeviceState(ctx, device.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithError(err).WithField("device_id", device.ID).
				Error("Failed to load device state for health sweep")
		}
		// No state yet means no frame yet; nothing to judge silent.
		return
	}

	healthy := s.judgeSilence(device, state.LastRecvAt, now)
	if healthy < 0 || !state.Healthy.apply(healthy, now) {
		return
	}

	event := s.healthEvent(device, healthy, now)
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if err := tx.SaveDeviceState(ctx, state); err != nil {
			return err
		}
		return tx.AppendHistoryEvents(ctx, []*HistoryEvent{event})
	})
	if err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).
			Error("Failed to persist health transition")
		return
	}

	s.announce(ctx, device, event)
}

func (s *HealthService) sweepTag(ctx context.Context, device *Device, now time.Time) {
	state, err := s.store.GetTagState(ctx, device.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithError(err).WithField("device_id", device.ID).
				Error("Failed to load tag state for health sweep")
		}
		return
	}

	healthy := s.judgeSilence(device, state.LastRecvAt, now)
	if healthy < 0 || !state.Healthy.apply(healthy, now) {
		return
	}

	event := s.healthEvent(device, healthy, now)
	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if err := tx.SaveTagState(ctx, state); err != nil {
			return err
		}
		return tx.AppendHistoryEvents(ctx, []*HistoryEvent{event})
	})
	if err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).
			Error("Failed to persist tag health transition")
		return
	}

	s.announce(ctx, device, event)
}

// judgeSilence returns the healthy flag value implied by the last receive
// time, or -1 when there is nothing to judge.
func (s *HealthService) judgeSilence(device *Device, lastRecv, now time.Time) int {
	if lastRecv.IsZero() {
		return -1
	}
	period := time.Duration(device.HealthyPeriod) * time.Second
	if period <= 0 {
		return -1
	}
	if now.Sub(lastRecv) > period {
		return 0
	}
	return 1
}

func (s *HealthService) healthEvent(device *Device, healthy int, now time.Time) *HistoryEvent {
	// Occurrence semantics match the abnormality flags: 1 when the
	// problem (silence) occurs, 0 when the device recovers.
	occurrence := 0
	if healthy == 0 {
		occurrence = 1
	}
	return &HistoryEvent{
		HistID:         uuid.New().String(),
		DeviceID:       device.ID,
		EventType:      EventDeviceHealthy,
		EventAt:        now,
		RecvAt:         now,
		ExpireAt:       now.Add(s.retention),
		OccurrenceFlag: occurrence,
	}
}

func (s *HealthService) announce(ctx context.Context, device *Device, event *HistoryEvent) {
	s.logger.WithFields(logrus.Fields{
		"device_uid": device.DeviceUID,
		"occurrence": event.OccurrenceFlag,
	}).Warn("Device health transition")

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, event.EventType, event); err != nil {
			s.logger.WithError(err).Error("Failed to publish health event")
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.WithError(err).Error("Failed to deliver health webhook")
		}
	}
}

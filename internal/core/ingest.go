package core

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"example.com/monosecom/services/telemetry/internal/protocol"
)

// EventPublisher hands notification-worthy events to the queue the mailer
// consumes. Implemented by infrastructure.Messaging.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, message interface{}) error
}

// Notifier pushes alert-class events to the configured webhook.
type Notifier interface {
	Notify(ctx context.Context, payload interface{}) error
}

// DeadLetter records uplinks whose downstream persistence failed.
type DeadLetter interface {
	Append(iccid, payload, reason string) error
}

// notifyEvents are the event types forwarded to the notification queue.
var notifyEvents = map[string]bool{
	EventBatteryNear:      true,
	EventDeviceAbnormal:   true,
	EventParamAbnormal:    true,
	EventFirmwareAbnormal: true,
	EventPowerOn:          true,
	EventRemoteControl:    true,
	EventRemoteControlDI:  true,
	EventDeviceHealthy:    true,
}

// alertEvents additionally hit the webhook.
var alertEvents = map[string]bool{
	EventBatteryNear:      true,
	EventDeviceAbnormal:   true,
	EventParamAbnormal:    true,
	EventFirmwareAbnormal: true,
	EventDeviceHealthy:    true,
}

// IngestStats counts pipeline outcomes.
type IngestStats struct {
	mu        sync.RWMutex
	Processed uint64
	Strays    uint64
	Malformed uint64
	Failed    uint64
}

// IngestService is the inbound glue: base64 decode, device resolution,
// frame decode, judgment, persistence and notification fan-out.
type IngestService struct {
	store      DataStore
	devices    *DeviceService
	engine     *JudgmentEngine
	publisher  EventPublisher
	notifier   Notifier
	deadLetter DeadLetter
	corrWindow time.Duration
	logger     *logrus.Logger
	stats      IngestStats
}

// NewIngestService wires the ingest pipeline. publisher, notifier and
// deadLetter may be nil; the pipeline degrades to persistence-only.
func NewIngestService(store DataStore, devices *DeviceService, engine *JudgmentEngine,
	publisher EventPublisher, notifier Notifier, deadLetter DeadLetter,
	corrWindow time.Duration, logger *logrus.Logger) *IngestService {
	return &IngestService{
		store:      store,
		devices:    devices,
		engine:     engine,
		publisher:  publisher,
		notifier:   notifier,
		deadLetter: deadLetter,
		corrWindow: corrWindow,
		logger:     logger,
	}
}

// HandleUplink processes one base64-encoded binary frame received for the
// given SIM. Malformed frames are rejected before judgment with no state
// mutation; unknown SIMs are recorded as stray telemetry and never routed
// into the judgment engine.
func (s *IngestService) HandleUplink(ctx context.Context, iccid string, payload []byte) (*JudgmentResult, error) {
	recvAt := time.Now().UTC()

	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		s.bump(func(st *IngestStats) { st.Malformed++ })
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedFrame, err)
	}

	device, err := s.devices.GetByICCID(ctx, iccid)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, s.recordStray(ctx, iccid, string(payload), recvAt)
		}
		return nil, err
	}
	if !device.Active {
		return nil, ErrDeviceInactive
	}

	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		s.bump(func(st *IngestStats) { st.Malformed++ })
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	prior, err := s.store.GetDeviceState(ctx, device.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load device state: %w", err)
		}
		prior = nil
	}

	pending := s.resolvePending(ctx, device, frame)

	result, err := s.engine.Judge(frame, prior, device, pending, recvAt)
	if err != nil {
		return nil, err
	}

	if result.State == nil {
		// Unsolicited or stale control response; the transport ack stays
		// positive and nothing is persisted.
		s.logger.WithFields(logrus.Fields{
			"iccid":      iccid,
			"request_no": frame.RequestNo,
		}).Info("Dropped control response with no pending request")
		return result, nil
	}

	s.persist(ctx, device, string(payload), recvAt, result)
	s.fanOut(ctx, device, result.Events)

	return result, nil
}

// resolvePending performs the single collaborator lookup the judgment
// engine needs: the pending request answered by a control response, or the
// most recent in-window request a push notification may link-confirm.
func (s *IngestService) resolvePending(ctx context.Context, device *Device, frame *protocol.Frame) *RemoteControlRequest {
	var pending *RemoteControlRequest
	var err error

	switch frame.MessageType {
	case protocol.MsgControlResponse:
		pending, err = s.store.GetPendingControlByKey(ctx, device.ICCID+frame.RequestNo, s.corrWindow)
	case protocol.MsgStateChange:
		pending, err = s.store.GetPendingControlForDevice(ctx, device.ID, s.corrWindow)
	default:
		return nil
	}

	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithError(err).WithField("device_id", device.ID).
				Error("Failed to look up pending control request")
		}
		return nil
	}
	return pending
}

// persist writes the judgment result. Persistence failures are logged and
// swallowed here: the judgment already happened and retry is the replay
// path's responsibility, via the dead-letter log.
func (s *IngestService) persist(ctx context.Context, device *Device, payload string, recvAt time.Time, result *JudgmentResult) {
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if err := tx.SaveDeviceState(ctx, result.State); err != nil {
			return fmt.Errorf("failed to save device state: %w", err)
		}
		if err := tx.AppendHistoryEvents(ctx, result.Events); err != nil {
			return fmt.Errorf("failed to append history events: %w", err)
		}
		if result.ControlUpdate != nil {
			if err := tx.UpdateControlRequest(ctx, result.ControlUpdate); err != nil {
				return fmt.Errorf("failed to update control request: %w", err)
			}
		}
		if err := tx.UpdateDeviceLastRecv(ctx, device.ID, recvAt); err != nil {
			return fmt.Errorf("failed to update device last recv: %w", err)
		}
		return nil
	})

	if err != nil {
		s.bump(func(st *IngestStats) { st.Failed++ })
		s.logger.WithError(err).WithFields(logrus.Fields{
			"device_id": device.ID,
			"iccid":     device.ICCID,
		}).Error("Failed to persist judgment result")

		if s.deadLetter != nil {
			if dlErr := s.deadLetter.Append(device.ICCID, payload, err.Error()); dlErr != nil {
				s.logger.WithError(dlErr).Error("Failed to write dead-letter entry")
			}
		}
		return
	}

	s.bump(func(st *IngestStats) { st.Processed++ })
}

// fanOut publishes derived events to the notification queue and webhook.
// Failures are logged, never retried here.
func (s *IngestService) fanOut(ctx context.Context, device *Device, events []*HistoryEvent) {
	for _, ev := range events {
		if s.publisher != nil && notifyEvents[ev.EventType] {
			if err := s.publisher.Publish(ctx, ev.EventType, ev); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"hist_id":    ev.HistID,
					"event_type": ev.EventType,
				}).Error("Failed to publish event to notification queue")
			}
		}
		if s.notifier != nil && alertEvents[ev.EventType] {
			if err := s.notifier.Notify(ctx, ev); err != nil {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"hist_id":    ev.HistID,
					"event_type": ev.EventType,
				}).Error("Failed to deliver webhook notification")
			}
		}
	}

	if len(events) > 0 {
		s.logger.WithFields(logrus.Fields{
			"device_uid": device.DeviceUID,
			"events":     len(events),
		}).Info("History events recorded")
	}
}

// HandleTagMessage processes one Sigfox callback body for a tag device.
func (s *IngestService) HandleTagMessage(ctx context.Context, msg *TagMessage) (*TagState, error) {
	recvAt := time.Now().UTC()

	if err := msg.Validate(); err != nil {
		s.bump(func(st *IngestStats) { st.Malformed++ })
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	device, err := s.devices.GetByUID(ctx, msg.DeviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return nil, s.recordStray(ctx, msg.DeviceID, msg.DataType, recvAt)
		}
		return nil, err
	}

	prior, err := s.store.GetTagState(ctx, device.ID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load tag state: %w", err)
		}
		prior = nil
	}

	state := JudgeTag(msg, prior, device.ID, recvAt)

	err = s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		if err := tx.SaveTagState(ctx, state); err != nil {
			return err
		}
		return tx.UpdateDeviceLastRecv(ctx, device.ID, recvAt)
	})
	if err != nil {
		s.bump(func(st *IngestStats) { st.Failed++ })
		s.logger.WithError(err).WithField("device_uid", device.DeviceUID).
			Error("Failed to persist tag state")
		return state, nil
	}

	s.bump(func(st *IngestStats) { st.Processed++ })
	return state, nil
}

func (s *IngestService) recordStray(ctx context.Context, iccid, payload string, recvAt time.Time) error {
	s.bump(func(st *IngestStats) { st.Strays++ })

	stray := &StrayTelemetry{ICCID: iccid, Payload: payload, RecvAt: recvAt}
	if err := s.store.RecordStray(ctx, stray); err != nil {
		s.logger.WithError(err).WithField("iccid", iccid).
			Error("Failed to record stray telemetry")
	} else {
		s.logger.WithField("iccid", iccid).Warn("Recorded stray telemetry")
	}
	return ErrStrayTelemetry
}

// ListStrays exposes the stray audit trail.
func (s *IngestService) ListStrays(ctx context.Context, unreplayedOnly bool, limit int) ([]*StrayTelemetry, error) {
	return s.store.ListStrays(ctx, unreplayedOnly, limit)
}

// MarkStrayReplayed flags a stray row after a successful replay.
func (s *IngestService) MarkStrayReplayed(ctx context.Context, id uint) error {
	return s.store.MarkStrayReplayed(ctx, id)
}

// Stats reports pipeline counters.
func (s *IngestService) Stats() map[string]interface{} {
	s.stats.mu.RLock()
	defer s.stats.mu.RUnlock()
	return map[string]interface{}{
		"processed": s.stats.Processed,
		"strays":    s.stats.Strays,
		"malformed": s.stats.Malformed,
		"failed":    s.stats.Failed,
	}
}

func (s *IngestService) bump(fn func(*IngestStats)) {
	s.stats.mu.Lock()
	defer s.stats.mu.Unlock()
	fn(&s.stats)
}

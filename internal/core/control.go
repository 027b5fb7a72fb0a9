package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"example.com/monosecom/services/telemetry/internal/protocol"
)

// CommandPublisher pushes an encoded downlink command to a device.
// Implemented by infrastructure.MQTTBroker.
type CommandPublisher interface {
	PublishCommand(iccid string, payload []byte) error
}

// RequestCounter allocates monotonically increasing request sequence
// numbers. Implemented by the redis cache; INCR keeps allocation atomic
// across service instances.
type RequestCounter interface {
	IncrCounter(ctx context.Context, key string) (int64, error)
}

// ControlInput describes one requested DO operation.
type ControlInput struct {
	DeviceID uint
	Terminal int
	Action   protocol.ControlAction
	Duration time.Duration
	Trigger  string
	ExecUser string
}

// ControlService issues remote DO control commands and tracks their
// lifecycle from pending through acknowledgement, link confirmation and
// timeout.
type ControlService struct {
	store        DataStore
	counter      RequestCounter
	publisher    CommandPublisher
	queue        EventPublisher
	ackTimeout   time.Duration
	linkTimeout  time.Duration
	pollInterval time.Duration
	logger       *logrus.Logger
}

// NewControlService wires the remote control path. queue may be nil.
func NewControlService(store DataStore, counter RequestCounter, publisher CommandPublisher,
	queue EventPublisher, ackTimeout, linkTimeout, pollInterval time.Duration,
	logger *logrus.Logger) *ControlService {
	return &ControlService{
		store:        store,
		counter:      counter,
		publisher:    publisher,
		queue:        queue,
		ackTimeout:   ackTimeout,
		linkTimeout:  linkTimeout,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

// Execute allocates a request number, records the pending request and
// publishes the encoded command. At most one in-flight request per device
// is allowed; callers then poll WaitForAck or WaitForLinkConfirm.
func (s *ControlService) Execute(ctx context.Context, input *ControlInput) (*RemoteControlRequest, error) {
	device, err := s.store.GetDevice(ctx, input.DeviceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	if !device.Active {
		return nil, ErrDeviceInactive
	}

	doCfg := device.DOList.DO(input.Terminal)
	if doCfg == nil {
		return nil, ErrNoControlTerminal
	}

	// Fast-path rejection; the store-side conditional put below is the
	// authoritative guard against concurrent callers.
	if existing, err := s.store.GetPendingControlForDevice(ctx, device.ID, s.ackTimeout); err == nil && existing != nil {
		return nil, ErrControlInProgress
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	seq, err := s.counter.IncrCounter(ctx, "reqno:"+device.ICCID)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate request number: %w", err)
	}
	reqNo := protocol.FormatRequestNo(seq)

	cmd := &protocol.ControlCommand{
		RequestNo: reqNo,
		Terminal:  input.Terminal,
		Action:    input.Action,
		Duration:  input.Duration.Seconds(),
	}
	payload, err := cmd.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode control command: %w", err)
	}

	record := &RemoteControlRequest{
		DeviceID:     device.ID,
		DeviceReqNo:  device.ICCID + reqNo,
		ICCID:        device.ICCID,
		RequestNo:    reqNo,
		Terminal:     input.Terminal,
		Action:       string(input.Action),
		Duration:     input.Duration.Seconds(),
		Status:       ControlStatusPending,
		LinkDI:       doCfg.ReturnDI,
		Trigger:      input.Trigger,
		ExecUserName: input.ExecUser,
		RequestedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateControlRequest(ctx, record); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrControlInProgress
		}
		return nil, fmt.Errorf("failed to create control request: %w", err)
	}

	if err := s.publisher.PublishCommand(device.ICCID, payload); err != nil {
		record.Status = ControlStatusTimedOut
		record.ControlResult = ControlResultTimeout
		if uErr := s.store.UpdateControlRequest(ctx, record); uErr != nil {
			s.logger.WithError(uErr).Error("Failed to mark unpublished control request")
		}
		return nil, fmt.Errorf("%w: %v", ErrPublisherUnavailable, err)
	}

	s.logger.WithFields(logrus.Fields{
		"device_id":  device.ID,
		"iccid":      device.ICCID,
		"request_no": reqNo,
		"terminal":   input.Terminal,
		"action":     input.Action,
	}).Info("Control command published")

	go s.watchTimeout(record.DeviceReqNo)

	return record, nil
}

// WaitForAck polls until the device acknowledges the command or the ack
// timeout elapses. It returns the request in its final observed state; the
// timed-out sentinel result is written by the watcher, not here.
func (s *ControlService) WaitForAck(ctx context.Context, deviceReqNo string) (*RemoteControlRequest, error) {
	return s.waitFor(ctx, deviceReqNo, s.ackTimeout, func(r *RemoteControlRequest) bool {
		return r.Status != ControlStatusPending
	})
}

// WaitForLinkConfirm polls until the linked DI confirms the physical
// outcome or the link timeout elapses.
func (s *ControlService) WaitForLinkConfirm(ctx context.Context, deviceReqNo string) (*RemoteControlRequest, error) {
	return s.waitFor(ctx, deviceReqNo, s.linkTimeout, func(r *RemoteControlRequest) bool {
		return r.Status == ControlStatusLinkConfirmed || r.Status == ControlStatusTimedOut
	})
}

func (s *ControlService) waitFor(ctx context.Context, deviceReqNo string, timeout time.Duration,
	done func(*RemoteControlRequest) bool) (*RemoteControlRequest, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		record, err := s.store.GetControlRequest(ctx, deviceReqNo)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrControlNotFound
			}
			return nil, err
		}
		if done(record) || time.Now().After(deadline) {
			return record, nil
		}

		select {
		case <-ctx.Done():
			return record, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns a control request by its device-scoped key.
func (s *ControlService) Get(ctx context.Context, deviceReqNo string) (*RemoteControlRequest, error) {
	record, err := s.store.GetControlRequest(ctx, deviceReqNo)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrControlNotFound
		}
		return nil, err
	}
	return record, nil
}

// watchTimeout marks the request timed out if no acknowledgement arrives
// within the ack window. The "9999" result distinguishes a silent device
// from a device that answered with a failure code.
func (s *ControlService) watchTimeout(deviceReqNo string) {
	time.Sleep(s.ackTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	record, err := s.store.GetControlRequest(ctx, deviceReqNo)
	if err != nil {
		s.logger.WithError(err).WithField("device_req_no", deviceReqNo).
			Error("Timeout watcher failed to load control request")
		return
	}
	if record.Status != ControlStatusPending {
		return
	}

	record.Status = ControlStatusTimedOut
	record.ControlResult = ControlResultTimeout
	if err := s.store.UpdateControlRequest(ctx, record); err != nil {
		s.logger.WithError(err).WithField("device_req_no", deviceReqNo).
			Error("Failed to mark control request timed out")
		return
	}

	s.logger.WithField("device_req_no", deviceReqNo).Warn("Control request timed out")

	if s.queue != nil {
		if err := s.queue.Publish(ctx, "control_timeout", record); err != nil {
			s.logger.WithError(err).Error("Failed to publish control timeout notification")
		}
	}
}

// SweepExpired marks all in-window pending requests past the ack timeout.
// Run periodically as a safety net behind the per-request watcher, which
// does not survive a process restart.
func (s *ControlService) SweepExpired(ctx context.Context) error {
	expired, err := s.store.ListExpiredPendingControls(ctx, s.ackTimeout)
	if err != nil {
		return fmt.Errorf("failed to list expired control requests: %w", err)
	}

	for _, record := range expired {
		record.Status = ControlStatusTimedOut
		record.ControlResult = ControlResultTimeout
		if err := s.store.UpdateControlRequest(ctx, record); err != nil {
			s.logger.WithError(err).WithField("device_req_no", record.DeviceReqNo).
				Error("Failed to expire control request")
			continue
		}
		s.logger.WithField("device_req_no", record.DeviceReqNo).Warn("Expired stale control request")
	}
	return nil
}

package core

import (
	"context"
	"encoding/base64"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/monosecom/services/telemetry/internal/protocol"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type capturedNotification struct {
	subject string
	payload interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []capturedNotification
}

func (p *fakePublisher) Publish(_ context.Context, subject string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, capturedNotification{subject, message})
	return nil
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []string
}

func (d *fakeDeadLetter) Append(iccid, payload, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, iccid)
	return nil
}

func newTestIngest(store *memStore, publisher EventPublisher, deadLetter DeadLetter) *IngestService {
	logger := testLogger()
	devices := NewDeviceService(store, nil, logger)
	engine := NewJudgmentEngine(protocol.DefaultSignalClassifier(), 365*24*time.Hour)
	return NewIngestService(store, devices, engine, publisher, nil, deadLetter, time.Minute, logger)
}

func registerTestDevice(t *testing.T, store *memStore) *Device {
	t.Helper()
	device := testDevice()
	device.ID = 0
	require.NoError(t, store.CreateDevice(context.Background(), device))
	return device
}

// Frame fixtures mirror the wire layout: big-endian fields, event time in
// unix milliseconds.
func appendBE(buf []byte, v uint64, width int) []byte {
	for i := width - 1; i >= 0; i-- {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

func rawSnapshot(msgType uint16, at time.Time, status, di, do byte) []byte {
	buf := appendBE(nil, 0x001c, 2)
	buf = appendBE(buf, 0x0102, 2)
	buf = appendBE(buf, 0x0003, 2)
	buf = appendBE(buf, uint64(msgType), 2)
	buf = appendBE(buf, uint64(at.UnixMilli()), 8)
	buf = append(buf, status, 0x24, 0xb5, 0x0f) // rssi -75, sinr 15
	buf = append(buf, di, do)
	buf = appendBE(buf, 0, 2)
	buf = appendBE(buf, 0, 2)
	return buf
}

func rawControlResponse(reqNo string, at time.Time, result, do byte) []byte {
	buf := appendBE(nil, 0x001c, 2)
	buf = appendBE(buf, 0x0102, 2)
	buf = appendBE(buf, 0x0003, 2)
	buf = appendBE(buf, uint64(protocol.MsgControlResponse), 2)
	buf = append(buf, reqNo...)
	buf = appendBE(buf, uint64(at.UnixMilli()), 8)
	buf = append(buf, 0x00, 0x24, 0xb5, 0x0f)
	buf = append(buf, result, do)
	return buf
}

func b64(raw []byte) []byte {
	return []byte(base64.StdEncoding.EncodeToString(raw))
}

func TestHandleUplinkStrayRecorded(t *testing.T) {
	store := newMemStore()
	ingest := newTestIngest(store, nil, nil)

	payload := b64(rawSnapshot(protocol.MsgStateSnapshot, time.Now().UTC(), 0, 0, 0))
	_, err := ingest.HandleUplink(context.Background(), "8981-unknown", payload)

	assert.ErrorIs(t, err, ErrStrayTelemetry)
	require.Len(t, store.strays, 1)
	assert.Equal(t, "8981-unknown", store.strays[0].ICCID)
	assert.Equal(t, string(payload), store.strays[0].Payload)
	assert.Empty(t, store.states)
}

func TestHandleUplinkMalformedPayload(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	ingest := newTestIngest(store, nil, nil)

	_, err := ingest.HandleUplink(context.Background(), device.ICCID, []byte("not!base64!!"))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	truncated := rawSnapshot(protocol.MsgStateSnapshot, time.Now().UTC(), 0, 0, 0)[:10]
	_, err = ingest.HandleUplink(context.Background(), device.ICCID, b64(truncated))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	assert.Empty(t, store.states)
	assert.Empty(t, store.strays)
}

func TestHandleUplinkInactiveDevice(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	device.Active = false
	ingest := newTestIngest(store, nil, nil)

	payload := b64(rawSnapshot(protocol.MsgStateSnapshot, time.Now().UTC(), 0, 0, 0))
	_, err := ingest.HandleUplink(context.Background(), device.ICCID, payload)
	assert.ErrorIs(t, err, ErrDeviceInactive)
}

func TestHandleUplinkSeedsThenDiffs(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	publisher := &fakePublisher{}
	ingest := newTestIngest(store, publisher, nil)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	first := b64(rawSnapshot(protocol.MsgPowerOnSnapshot, at, 0b0000_0001, 0b0000_0001, 0))
	res, err := ingest.HandleUplink(ctx, device.ICCID, first)
	require.NoError(t, err)

	assert.Equal(t, []string{EventBatteryNear, EventPowerOn}, eventTypes(res.Events))
	require.Contains(t, store.states, device.ID)
	assert.Equal(t, 1, store.states[device.ID].DI.Terminal(1).State)
	require.NotNil(t, store.devices[device.ID].LastRecvAt)

	// Both events are notification-worthy.
	assert.Len(t, publisher.sent, 2)

	second := b64(rawSnapshot(protocol.MsgStateSnapshot, at.Add(time.Minute), 0b0000_0001, 0b0000_0000, 0))
	res, err = ingest.HandleUplink(ctx, device.ICCID, second)
	require.NoError(t, err)

	require.Len(t, res.Events, 1)
	assert.Equal(t, EventDIChange, res.Events[0].EventType)
	assert.Equal(t, 0, store.states[device.ID].DI.Terminal(1).State)
	// di_change is state history, not an alert; nothing new on the queue.
	assert.Len(t, publisher.sent, 2)

	stats := ingest.Stats()
	assert.Equal(t, uint64(2), stats["processed"])
}

func TestHandleUplinkControlResponseCorrelation(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	ingest := newTestIngest(store, nil, nil)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	seed := b64(rawSnapshot(protocol.MsgStateSnapshot, at, 0, 0, 0))
	_, err := ingest.HandleUplink(ctx, device.ICCID, seed)
	require.NoError(t, err)

	pending := &RemoteControlRequest{
		DeviceReqNo: device.ICCID + "30a4",
		DeviceID:    device.ID,
		ICCID:       device.ICCID,
		RequestNo:   "30a4",
		Terminal:    1,
		Status:      ControlStatusPending,
		RequestedAt: time.Now(),
	}
	require.NoError(t, store.CreateControlRequest(ctx, pending))

	ack := b64(rawControlResponse("30a4", at.Add(time.Second), 0x00, 0b01))
	res, err := ingest.HandleUplink(ctx, device.ICCID, ack)
	require.NoError(t, err)

	require.NotNil(t, res.ControlUpdate)
	assert.Equal(t, ControlStatusAcknowledged, store.controls[pending.DeviceReqNo].Status)
	assert.Equal(t, "0", store.controls[pending.DeviceReqNo].ControlResult)
	assert.Equal(t, 1, store.states[device.ID].DO.Terminal(1).State)
}

func TestHandleUplinkUnmatchedAckDropped(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	ingest := newTestIngest(store, nil, nil)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Millisecond)
	seed := b64(rawSnapshot(protocol.MsgStateSnapshot, at, 0, 0, 0))
	_, err := ingest.HandleUplink(ctx, device.ICCID, seed)
	require.NoError(t, err)
	priorState := store.states[device.ID]

	ack := b64(rawControlResponse("dead", at.Add(time.Second), 0x00, 0b11))
	res, err := ingest.HandleUplink(ctx, device.ICCID, ack)
	require.NoError(t, err)

	assert.Nil(t, res.State)
	assert.Empty(t, res.Events)
	assert.Equal(t, 0, priorState.DO.Terminal(1).State)
}

func TestHandleUplinkPersistFailureDeadLetters(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	deadLetter := &fakeDeadLetter{}
	ingest := newTestIngest(store, nil, deadLetter)

	store.failSaveState = true

	payload := b64(rawSnapshot(protocol.MsgStateSnapshot, time.Now().UTC(), 0, 0, 0))
	res, err := ingest.HandleUplink(context.Background(), device.ICCID, payload)

	// The judgment succeeded; the persistence failure is swallowed and the
	// uplink parked for replay.
	require.NoError(t, err)
	require.NotNil(t, res.State)
	require.Len(t, deadLetter.entries, 1)
	assert.Equal(t, device.ICCID, deadLetter.entries[0])
	assert.Equal(t, uint64(1), ingest.Stats()["failed"])
}

func TestHandleTagMessage(t *testing.T) {
	store := newMemStore()
	tag := &Device{
		DeviceUID:  "unatag-42",
		ICCID:      "sigfox-42",
		DeviceType: DeviceTypeUnaTag,
		Active:     true,
	}
	require.NoError(t, store.CreateDevice(context.Background(), tag))
	ingest := newTestIngest(store, nil, nil)

	msg := geolocMsg(time.Now().Unix(), 35.6895, 139.6917, 120)
	msg.DeviceID = "unatag-42"

	st, err := ingest.HandleTagMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, tag.ID, st.DeviceID)
	require.Contains(t, store.tags, tag.ID)
	require.NotNil(t, store.devices[tag.ID].LastRecvAt)

	// Unknown tag id goes to the stray audit trail.
	stray := geolocMsg(time.Now().Unix(), 1, 2, 3)
	stray.DeviceID = "unatag-unknown"
	_, err = ingest.HandleTagMessage(context.Background(), stray)
	assert.ErrorIs(t, err, ErrStrayTelemetry)
	require.Len(t, store.strays, 1)
}

package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHealth(store *memStore, publisher EventPublisher) *HealthService {
	return NewHealthService(store, publisher, nil, 365*24*time.Hour, testLogger())
}

func healthEvents(store *memStore) []*HistoryEvent {
	var out []*HistoryEvent
	for _, ev := range store.events {
		if ev.EventType == EventDeviceHealthy {
			out = append(out, ev)
		}
	}
	return out
}

func TestHealthSweepFlipsOnSilence(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	device.HealthyPeriod = 60
	publisher := &fakePublisher{}
	health := newTestHealth(store, publisher)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Minute)
	store.states[device.ID] = &DeviceState{
		DeviceID:   device.ID,
		Healthy:    FlagState{State: 1, LastChangeAt: stale, LastUpdateAt: stale},
		LastRecvAt: stale,
	}

	require.NoError(t, health.Sweep(ctx))

	assert.Equal(t, 0, store.states[device.ID].Healthy.State)
	events := healthEvents(store)
	require.Len(t, events, 1)
	assert.Equal(t, 1, events[0].OccurrenceFlag)
	assert.Len(t, publisher.sent, 1)

	// A second sweep with no new frame stays silent: the flag already
	// transitioned.
	require.NoError(t, health.Sweep(ctx))
	assert.Len(t, healthEvents(store), 1)
}

func TestHealthSweepRecovers(t *testing.T) {
	store := newMemStore()
	device := registerTestDevice(t, store)
	device.HealthyPeriod = 3600
	health := newTestHealth(store, nil)
	ctx := context.Background()

	recent := time.Now().Add(-time.Minute)
	store.states[device.ID] = &DeviceState{
		DeviceID:   device.ID,
		Healthy:    FlagState{State: 0, LastChangeAt: recent, LastUpdateAt: recent},
		LastRecvAt: recent,
	}

	require.NoError(t, health.Sweep(ctx))

	assert.Equal(t, 1, store.states[device.ID].Healthy.State)
	events := healthEvents(store)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].OccurrenceFlag)
}

func TestHealthSweepSkipsUnjudgedAndInactive(t *testing.T) {
	store := newMemStore()

	fresh := registerTestDevice(t, store) // registered, never seen
	_ = fresh

	inactive := testDevice()
	inactive.ID = 0
	inactive.DeviceUID = "pj2-off"
	inactive.ICCID = "8981-off"
	inactive.Active = false
	require.NoError(t, store.CreateDevice(context.Background(), inactive))
	stale := time.Now().Add(-48 * time.Hour)
	store.states[inactive.ID] = &DeviceState{
		DeviceID:   inactive.ID,
		Healthy:    FlagState{State: 1, LastChangeAt: stale, LastUpdateAt: stale},
		LastRecvAt: stale,
	}

	health := newTestHealth(store, nil)
	require.NoError(t, health.Sweep(context.Background()))

	assert.Empty(t, healthEvents(store))
	assert.Equal(t, 1, store.states[inactive.ID].Healthy.State)
}

func TestHealthSweepTagDevice(t *testing.T) {
	store := newMemStore()
	tag := &Device{
		DeviceUID:     "unatag-42",
		ICCID:         "sigfox-42",
		DeviceType:    DeviceTypeUnaTag,
		Active:        true,
		HealthyPeriod: 60,
	}
	require.NoError(t, store.CreateDevice(context.Background(), tag))

	stale := time.Now().Add(-time.Hour)
	store.tags[tag.ID] = &TagState{
		DeviceID:   tag.ID,
		Healthy:    FlagState{State: 1, LastChangeAt: stale, LastUpdateAt: stale},
		LastRecvAt: stale,
	}

	health := newTestHealth(store, nil)
	require.NoError(t, health.Sweep(context.Background()))

	assert.Equal(t, 0, store.tags[tag.ID].Healthy.State)
	require.Len(t, healthEvents(store), 1)
}

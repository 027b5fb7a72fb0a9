package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateColumnsRoundTripJSONB(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	flag := FlagState{State: 1, LastChangeAt: at, LastUpdateAt: at}
	raw, err := flag.Value()
	require.NoError(t, err)

	var flagBack FlagState
	require.NoError(t, flagBack.Scan(raw))
	assert.Equal(t, flag, flagBack)

	analog := AnalogState{Reading: -250, LastChangeAt: at, LastUpdateAt: at}
	raw, err = analog.Value()
	require.NoError(t, err)

	var analogBack AnalogState
	require.NoError(t, analogBack.Scan(raw))
	assert.Equal(t, analog, analogBack)
}

func TestFlagStateApplyAdvancesTimestamps(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	later := at.Add(time.Minute)

	f := FlagState{State: 0, LastChangeAt: at, LastUpdateAt: at}

	assert.False(t, f.apply(0, later))
	assert.Equal(t, at, f.LastChangeAt)
	assert.Equal(t, later, f.LastUpdateAt)

	assert.True(t, f.apply(1, later))
	assert.Equal(t, 1, f.State)
	assert.Equal(t, later, f.LastChangeAt)
}

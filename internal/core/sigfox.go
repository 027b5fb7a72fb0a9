package core

import (
	"fmt"
	"time"
)

// TagMessage is one inbound Sigfox callback body for a UnaTag device.
type TagMessage struct {
	DeviceID       string       `json:"deviceId"`
	Timestamp      int64        `json:"timestamp"` // unix seconds
	DataType       string       `json:"dataType"`  // GEOLOC | DATA | TELEMETRY
	Data           *TagLocation `json:"data,omitempty"`
	BatteryVoltage *float64     `json:"batteryVoltage,omitempty"`
	SignalScore    *int         `json:"signalScore,omitempty"`
}

// TagLocation is the GEOLOC payload.
type TagLocation struct {
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Radius int     `json:"radius"`
}

// Validate rejects messages the tag pipeline cannot judge.
func (m *TagMessage) Validate() error {
	if m.DeviceID == "" {
		return fmt.Errorf("tag message missing deviceId")
	}
	switch m.DataType {
	case TagDataGeoloc:
		if m.Data == nil {
			return fmt.Errorf("GEOLOC message missing data")
		}
	case TagDataBattery:
		if m.BatteryVoltage == nil {
			return fmt.Errorf("DATA message missing batteryVoltage")
		}
	case TagDataTelemetry:
		if m.SignalScore == nil {
			return fmt.Errorf("TELEMETRY message missing signalScore")
		}
	default:
		return fmt.Errorf("unknown tag data type %q", m.DataType)
	}
	return nil
}

// EventTime returns the message timestamp as UTC.
func (m *TagMessage) EventTime() time.Time {
	return time.Unix(m.Timestamp, 0).UTC()
}

// JudgeTag applies the tag sibling of the frame judgment: on the first
// message all fields are seeded from it; on updates each monitored value is
// compared against the stored one and the paired change timestamp advances
// only on an actual change. prior may be nil.
func JudgeTag(msg *TagMessage, prior *TagState, deviceID uint, recvAt time.Time) *TagState {
	at := msg.EventTime()

	if prior == nil || prior.DeviceID == 0 {
		st := &TagState{
			DeviceID:         deviceID,
			LocationChangeAt: at,
			LocationUpdateAt: at,
			BatteryChangeAt:  at,
			BatteryUpdateAt:  at,
			Healthy:          FlagState{State: 1, LastChangeAt: at, LastUpdateAt: at},
			LastRecvAt:       recvAt,
		}
		switch msg.DataType {
		case TagDataGeoloc:
			st.Latitude = msg.Data.Lat
			st.Longitude = msg.Data.Lng
			st.Radius = msg.Data.Radius
		case TagDataBattery:
			st.BatteryVoltage = *msg.BatteryVoltage
		case TagDataTelemetry:
			st.SignalScore = *msg.SignalScore
		}
		return st
	}

	st := prior
	st.LastRecvAt = recvAt

	switch msg.DataType {
	case TagDataGeoloc:
		st.LocationUpdateAt = at
		if st.Latitude != msg.Data.Lat || st.Longitude != msg.Data.Lng || st.Radius != msg.Data.Radius {
			st.Latitude = msg.Data.Lat
			st.Longitude = msg.Data.Lng
			st.Radius = msg.Data.Radius
			st.LocationChangeAt = at
		}
	case TagDataBattery:
		st.BatteryUpdateAt = at
		if st.BatteryVoltage != *msg.BatteryVoltage {
			st.BatteryVoltage = *msg.BatteryVoltage
			st.BatteryChangeAt = at
		}
	case TagDataTelemetry:
		st.SignalScore = *msg.SignalScore
	}

	return st
}

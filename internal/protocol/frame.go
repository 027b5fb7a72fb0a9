package protocol

import (
	"fmt"
	"time"
)

// Uplink message types.
const (
	MsgStateChange     uint16 = 0x0001 // pushed on a contact/analog change
	MsgPowerOnSnapshot uint16 = 0x0011 // full state, sent on device boot
	MsgStateSnapshot   uint16 = 0x0012 // full state, sent on request
	MsgControlResponse uint16 = 0x8002 // ack for an outbound DO command
)

// Device status byte bits.
const (
	StatusBatteryNear      byte = 1 << 0
	StatusDeviceAbnormal   byte = 1 << 2
	StatusParamAbnormal    byte = 1 << 6
	StatusFirmwareAbnormal byte = 1 << 7
)

// Terminal counts fixed by the PJ-series hardware.
const (
	DITerminalCount = 8
	DOTerminalCount = 2
)

// Frame is one decoded uplink message. It is built by DecodeFrame, consumed
// by the judgment engine and then discarded.
type Frame struct {
	MessageLength   uint16
	DeviceType      uint16
	FirmwareVersion uint16
	MessageType     uint16
	RequestNo       string // 4 hex digits, control responses only
	EventTime       time.Time
	DeviceStatus    byte
	DeviceTrigger   byte // state-change only
	SupplyVoltage   uint8
	RSSI            int
	SINR            int

	// State-change and snapshot bodies.
	DIState byte
	DOState byte
	Analog1 int
	Analog2 int

	// State-change body only.
	DITrigger     byte
	DOTrigger     byte
	AnalogTrigger byte

	// Control-response body only.
	ControlResult byte
}

// DecodeFrame parses a raw uplink buffer. The layout is fixed per message
// type; a buffer that ends early fails with ErrTruncated and an unknown
// message type fails outright. Callers must treat any error as a malformed
// uplink: no state is derived from a partial frame.
func DecodeFrame(buf []byte) (*Frame, error) {
	r := NewReader(buf)
	f := &Frame{}

	u, err := r.Uint(2)
	if err != nil {
		return nil, err
	}
	f.MessageLength = uint16(u)

	if u, err = r.Uint(2); err != nil {
		return nil, err
	}
	f.DeviceType = uint16(u)

	if u, err = r.Uint(2); err != nil {
		return nil, err
	}
	f.FirmwareVersion = uint16(u)

	if u, err = r.Uint(2); err != nil {
		return nil, err
	}
	f.MessageType = uint16(u)

	switch f.MessageType {
	case MsgStateChange, MsgPowerOnSnapshot, MsgStateSnapshot, MsgControlResponse:
	default:
		return nil, fmt.Errorf("unknown message type 0x%04x", f.MessageType)
	}

	if f.MessageType == MsgControlResponse {
		b, err := r.Bytes(4)
		if err != nil {
			return nil, err
		}
		f.RequestNo = string(b)
	}

	if u, err = r.Uint(8); err != nil {
		return nil, err
	}
	f.EventTime = time.UnixMilli(int64(u)).UTC()

	if f.DeviceStatus, err = r.Byte(); err != nil {
		return nil, err
	}

	if f.MessageType == MsgStateChange {
		if f.DeviceTrigger, err = r.Byte(); err != nil {
			return nil, err
		}
	}

	b, err := r.Byte()
	if err != nil {
		return nil, err
	}
	f.SupplyVoltage = b

	v, err := r.Int(1)
	if err != nil {
		return nil, err
	}
	f.RSSI = int(v)

	if v, err = r.Int(1); err != nil {
		return nil, err
	}
	f.SINR = int(v)

	switch f.MessageType {
	case MsgStateChange:
		err = f.decodeStateChangeBody(r)
	case MsgPowerOnSnapshot, MsgStateSnapshot:
		err = f.decodeSnapshotBody(r)
	case MsgControlResponse:
		err = f.decodeControlResponseBody(r)
	}
	if err != nil {
		return nil, err
	}

	return f, nil
}

func (f *Frame) decodeStateChangeBody(r *Reader) error {
	var err error
	if f.DIState, err = r.Byte(); err != nil {
		return err
	}
	if f.DITrigger, err = r.Byte(); err != nil {
		return err
	}
	if f.DOState, err = r.Byte(); err != nil {
		return err
	}
	if f.DOTrigger, err = r.Byte(); err != nil {
		return err
	}
	v, err := r.Int(2)
	if err != nil {
		return err
	}
	f.Analog1 = int(v)
	if v, err = r.Int(2); err != nil {
		return err
	}
	f.Analog2 = int(v)
	if f.AnalogTrigger, err = r.Byte(); err != nil {
		return err
	}
	return nil
}

func (f *Frame) decodeSnapshotBody(r *Reader) error {
	var err error
	if f.DIState, err = r.Byte(); err != nil {
		return err
	}
	if f.DOState, err = r.Byte(); err != nil {
		return err
	}
	v, err := r.Int(2)
	if err != nil {
		return err
	}
	f.Analog1 = int(v)
	if v, err = r.Int(2); err != nil {
		return err
	}
	f.Analog2 = int(v)
	return nil
}

func (f *Frame) decodeControlResponseBody(r *Reader) error {
	var err error
	if f.ControlResult, err = r.Byte(); err != nil {
		return err
	}
	if f.DOState, err = r.Byte(); err != nil {
		return err
	}
	return nil
}

// Terminal bits are LSB-first on the wire: terminal 1 is bit 0. Accessors
// take the 1-indexed terminal number.

// DIBit returns the decoded state of DI terminal n (0 or 1).
func (f *Frame) DIBit(n int) int {
	return int(f.DIState>>(n-1)) & 1
}

// DOBit returns the decoded state of DO terminal n (0 or 1).
func (f *Frame) DOBit(n int) int {
	return int(f.DOState>>(n-1)) & 1
}

// DITriggered reports whether the device flagged DI terminal n as changed.
func (f *Frame) DITriggered(n int) bool {
	return f.DITrigger>>(n-1)&1 == 1
}

// DOTriggered reports whether the device flagged DO terminal n as changed.
func (f *Frame) DOTriggered(n int) bool {
	return f.DOTrigger>>(n-1)&1 == 1
}

// StatusFlag returns 1 when the given status bit is set.
func (f *Frame) StatusFlag(mask byte) int {
	if f.DeviceStatus&mask != 0 {
		return 1
	}
	return 0
}

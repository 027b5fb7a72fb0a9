package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ControlAction is a requested DO terminal operation.
type ControlAction string

const (
	ActionOpen   ControlAction = "open"
	ActionClose  ControlAction = "close"
	ActionToggle ControlAction = "toggle"
)

// DO control codes on the wire.
const (
	controlCodeOpen   byte = 0x01
	controlCodeClose  byte = 0x02
	controlCodeToggle byte = 0x03
)

// commandLength is the fixed size of the logical control payload.
const commandLength = 12

// requestNoModulus bounds request numbers to the 4-hex-digit wire field.
// Wraparound is intentional; correlation additionally depends on recency.
const requestNoModulus = 65535

// ControlCommand is one outbound DO control request.
type ControlCommand struct {
	RequestNo string // 4 hex digits, from FormatRequestNo
	Terminal  int    // DO terminal number, 1-indexed
	Action    ControlAction
	Duration  float64 // seconds; open/close only, toggle ignores it
}

// FormatRequestNo reduces an atomic counter value to the protocol's
// request-number field: modulo 65535, 4 lowercase hex digits.
func FormatRequestNo(counter int64) string {
	return fmt.Sprintf("%04x", counter%requestNoModulus)
}

// Encode serializes the command to the hex wire form published on the
// device's command topic. An unrecognized action is a caller configuration
// bug and fails loudly rather than producing a malformed command.
func (c ControlCommand) Encode() ([]byte, error) {
	var code byte
	switch c.Action {
	case ActionOpen:
		code = controlCodeOpen
	case ActionClose:
		code = controlCodeClose
	case ActionToggle:
		code = controlCodeToggle
	default:
		return nil, fmt.Errorf("unrecognized control action %q", c.Action)
	}

	if c.Terminal < 1 || c.Terminal > DOTerminalCount {
		return nil, fmt.Errorf("DO terminal %d out of range", c.Terminal)
	}
	if len(c.RequestNo) != 4 {
		return nil, fmt.Errorf("request number %q is not 4 hex digits", c.RequestNo)
	}
	if c.Duration < 0 {
		return nil, fmt.Errorf("negative duration %v", c.Duration)
	}

	// Duration travels as tenths of a second, truncated to 16 bits.
	// Toggle carries a fixed zero.
	var tenths uint16
	if c.Action != ActionToggle {
		tenths = uint16(c.Duration * 10)
	}

	payload := make([]byte, 0, commandLength)
	payload = append(payload, byte(commandLength>>8), byte(commandLength&0xff))
	payload = append(payload, byte(MsgControlResponse>>8), byte(MsgControlResponse&0xff))
	payload = append(payload, c.RequestNo...)
	payload = append(payload, byte(c.Terminal), code)
	payload = append(payload, byte(tenths>>8), byte(tenths))

	return []byte(strings.ToUpper(hex.EncodeToString(payload))), nil
}

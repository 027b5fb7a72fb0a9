package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Device represents a registered telemetry device (PJ1/PJ2/PJ3 or a Sigfox
// tag) together with its terminal configuration. The terminal lists are
// read-only to the ingest pipeline.
type Device struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	DeviceUID     string     `json:"device_uid" gorm:"uniqueIndex;not null"`
	ICCID         string     `json:"iccid" gorm:"uniqueIndex"`
	Name          string     `json:"name"`
	DeviceType    string     `json:"device_type" gorm:"index;not null"` // e.g. "PJ2", "UnaTag"
	Active        bool       `json:"active" gorm:"default:true"`
	HealthyPeriod int64      `json:"healthy_period" gorm:"default:86400"` // seconds of silence tolerated
	DIList        DIList     `json:"di_list" gorm:"type:jsonb"`
	DOList        DOList     `json:"do_list" gorm:"type:jsonb"`
	LastRecvAt    *time.Time `json:"last_recv_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DITerminal is the display configuration of one contact input.
type DITerminal struct {
	Terminal int    `json:"terminal"`
	Name     string `json:"name"`
	OnLabel  string `json:"on_label"`
	OffLabel string `json:"off_label"`
}

// DOTerminal is the display configuration of one contact output. ReturnDI
// optionally names the DI terminal expected to confirm a DO action
// (0 = no linkage).
type DOTerminal struct {
	Terminal int    `json:"terminal"`
	Name     string `json:"name"`
	OnLabel  string `json:"on_label"`
	OffLabel string `json:"off_label"`
	ReturnDI int    `json:"return_di"`
}

// DIList and DOList are stored as jsonb columns.
type DIList []DITerminal
type DOList []DOTerminal

// DI returns the definition for a 1-indexed terminal, or nil.
func (l DIList) DI(n int) *DITerminal {
	for i := range l {
		if l[i].Terminal == n {
			return &l[i]
		}
	}
	return nil
}

// DO returns the definition for a 1-indexed terminal, or nil.
func (l DOList) DO(n int) *DOTerminal {
	for i := range l {
		if l[i].Terminal == n {
			return &l[i]
		}
	}
	return nil
}

// TerminalState is the current value of one DI or DO terminal. LastUpdateAt
// advances on every frame carrying the terminal; LastChangeAt only when the
// decoded value differs from the stored one.
type TerminalState struct {
	Terminal     int       `json:"terminal"`
	State        int       `json:"state"`
	LastChangeAt time.Time `json:"last_change_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

// apply records a decoded value, returning whether it differed.
func (t *TerminalState) apply(v int, at time.Time) bool {
	t.LastUpdateAt = at
	if t.State == v {
		return false
	}
	t.State = v
	t.LastChangeAt = at
	return true
}

// FlagState is a device-level two-state flag with the same timestamp-pair
// discipline as TerminalState.
type FlagState struct {
	State        int       `json:"state"`
	LastChangeAt time.Time `json:"last_change_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

func (f *FlagState) apply(v int, at time.Time) bool {
	f.LastUpdateAt = at
	if f.State == v {
		return false
	}
	f.State = v
	f.LastChangeAt = at
	return true
}

// GradeState holds the derived signal grade.
type GradeState struct {
	Grade        string    `json:"grade"`
	LastChangeAt time.Time `json:"last_change_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

func (g *GradeState) apply(grade string, at time.Time) bool {
	g.LastUpdateAt = at
	if g.Grade == grade {
		return false
	}
	g.Grade = grade
	g.LastChangeAt = at
	return true
}

// AnalogState holds one analog channel reading.
type AnalogState struct {
	Reading      int       `json:"reading"`
	LastChangeAt time.Time `json:"last_change_at"`
	LastUpdateAt time.Time `json:"last_update_at"`
}

func (a *AnalogState) apply(v int, at time.Time) bool {
	a.LastUpdateAt = at
	if a.Reading == v {
		return false
	}
	a.Reading = v
	a.LastChangeAt = at
	return true
}

// TerminalStates is the jsonb column type for the per-terminal arrays.
type TerminalStates []TerminalState

// ensure returns the entry for a 1-indexed terminal number, seeding a zero
// entry when a stored row predates the terminal.
func (s *TerminalStates) ensure(n int) *TerminalState {
	if t := s.Terminal(n); t != nil {
		return t
	}
	*s = append(*s, TerminalState{Terminal: n})
	return &(*s)[len(*s)-1]
}

// Terminal returns the entry for a 1-indexed terminal number, or nil.
func (s TerminalStates) Terminal(n int) *TerminalState {
	for i := range s {
		if s[i].Terminal == n {
			return &s[i]
		}
	}
	return nil
}

// DeviceState is the device-lifetime state record, one row per device.
// Created on the first frame, mutated by the judgment engine on every
// subsequent frame, never deleted.
type DeviceState struct {
	ID               uint           `json:"id" gorm:"primaryKey"`
	DeviceID         uint           `json:"device_id" gorm:"uniqueIndex;not null"`
	DI               TerminalStates `json:"di" gorm:"type:jsonb"`
	DO               TerminalStates `json:"do" gorm:"type:jsonb"`
	BatteryNear      FlagState      `json:"battery_near" gorm:"type:jsonb"`
	DeviceAbnormal   FlagState      `json:"device_abnormality" gorm:"type:jsonb"`
	ParamAbnormal    FlagState      `json:"parameter_abnormality" gorm:"type:jsonb"`
	FirmwareAbnormal FlagState      `json:"fw_update_abnormality" gorm:"type:jsonb"`
	Healthy          FlagState      `json:"device_healthy" gorm:"type:jsonb"`
	Signal           GradeState     `json:"signal" gorm:"type:jsonb"`
	Analog1          AnalogState    `json:"analog1" gorm:"type:jsonb"`
	Analog2          AnalogState    `json:"analog2" gorm:"type:jsonb"`
	LastRecvAt       time.Time      `json:"last_recv_at"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// HistoryEvent is one derived event, written once and never mutated.
// Display fields are denormalized at judgment time so a later terminal
// rename does not alter historical event text. Rows expire via ExpireAt.
type HistoryEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	HistID    string    `json:"hist_id" gorm:"uniqueIndex;not null"`
	DeviceID  uint      `json:"device_id" gorm:"index;not null"`
	EventType string    `json:"event_type" gorm:"index;not null"`
	EventAt   time.Time `json:"event_at" gorm:"index;not null"`
	RecvAt    time.Time `json:"recv_at"`
	ExpireAt  time.Time `json:"expire_at" gorm:"index"`

	// Contact transitions.
	Terminal     int    `json:"terminal,omitempty"`
	TerminalName string `json:"terminal_name,omitempty"`
	State        int    `json:"state"`
	StateLabel   string `json:"state_label,omitempty"`

	// Flag transitions: 1 = occurred, 0 = recovered.
	OccurrenceFlag int `json:"occurrence_flag"`

	// Remote-control correlation.
	ControlRequestNo string `json:"control_request_no,omitempty"`
	ControlTrigger   string `json:"control_trigger,omitempty"`
	ControlExecUser  string `json:"control_exec_user,omitempty"`
	ControlSuccess   int    `json:"control_success"`

	CreatedAt time.Time `json:"created_at"`
}

// RemoteControlRequest tracks an outbound command's lifecycle:
// pending -> acknowledged (ControlResult set) -> optionally link-confirmed,
// or timed out with the "9999" sentinel.
type RemoteControlRequest struct {
	ID            uint       `json:"id" gorm:"primaryKey"`
	DeviceReqNo   string     `json:"device_req_no" gorm:"uniqueIndex;not null"` // ICCID + request number
	DeviceID      uint       `json:"device_id" gorm:"index;not null"`
	ICCID         string     `json:"iccid" gorm:"index;not null"`
	RequestNo     string     `json:"request_no" gorm:"not null"` // 4 hex digits
	Terminal      int        `json:"terminal"`
	Action        string     `json:"action"`
	Duration      float64    `json:"duration"`
	Trigger       string     `json:"trigger"` // manual / timer / automation
	ExecUserName  string     `json:"exec_user_name"`
	LinkDI        int        `json:"link_di"` // 0 = no linked DI
	Status        string     `json:"status" gorm:"index;not null"`
	ControlResult string     `json:"control_result"`
	LinkDIResult  string     `json:"link_di_result"`
	RequestedAt   time.Time  `json:"requested_at" gorm:"index;not null"`
	AckedAt       *time.Time `json:"acked_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// StrayTelemetry is an uplink from an unregistered SIM, recorded for audit
// but never routed into the judgment engine.
type StrayTelemetry struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	ICCID     string    `json:"iccid" gorm:"index"`
	Payload   string    `json:"payload"` // base64, as received
	RecvAt    time.Time `json:"recv_at" gorm:"index"`
	Replayed  bool      `json:"replayed" gorm:"default:false;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TagState is the Sigfox tag sibling of DeviceState: location and battery
// telemetry, no contact I/O.
type TagState struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	DeviceID         uint      `json:"device_id" gorm:"uniqueIndex;not null"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	Radius           int       `json:"radius"`
	LocationChangeAt time.Time `json:"location_change_at"`
	LocationUpdateAt time.Time `json:"location_update_at"`
	BatteryVoltage   float64   `json:"battery_voltage"`
	BatteryChangeAt  time.Time `json:"battery_change_at"`
	BatteryUpdateAt  time.Time `json:"battery_update_at"`
	SignalScore      int       `json:"signal_score"`
	Healthy          FlagState `json:"device_healthy" gorm:"type:jsonb"`
	LastRecvAt       time.Time `json:"last_recv_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AccessToken represents API authentication tokens.
type AccessToken struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	Token          string     `json:"token" gorm:"uniqueIndex;not null"`
	Description    string     `json:"description"`
	Active         bool       `json:"active" gorm:"default:true"`
	Scopes         ScopeList  `json:"scopes" gorm:"type:jsonb"`
	LastAccessedAt *time.Time `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ScopeList is stored as a jsonb column.
type ScopeList []string

// TableName overrides for GORM
func (Device) TableName() string               { return "devices" }
func (DeviceState) TableName() string          { return "device_states" }
func (HistoryEvent) TableName() string         { return "history_events" }
func (RemoteControlRequest) TableName() string { return "remote_control_requests" }
func (StrayTelemetry) TableName() string       { return "stray_telemetry" }
func (TagState) TableName() string             { return "tag_states" }
func (AccessToken) TableName() string          { return "access_tokens" }

// Event types carried on history rows.
const (
	EventDIChange         = "di_change"
	EventDOChange         = "do_change"
	EventBatteryNear      = "battery_near"
	EventDeviceAbnormal   = "device_abnormality"
	EventParamAbnormal    = "parameter_abnormality"
	EventFirmwareAbnormal = "fw_update_abnormality"
	EventPowerOn          = "power_on"
	EventRemoteControl    = "remote_control"
	EventRemoteControlDI  = "remote_control_di"
	EventDeviceHealthy    = "device_healthy"
)

// Remote-control request statuses.
const (
	ControlStatusPending       = "pending"
	ControlStatusAcknowledged  = "acknowledged"
	ControlStatusLinkConfirmed = "link_confirmed"
	ControlStatusTimedOut      = "timed_out"
)

// Remote-control triggers.
const (
	ControlTriggerManual     = "manual"
	ControlTriggerTimer      = "timer"
	ControlTriggerAutomation = "automation"
)

// ControlResultTimeout is the sentinel written when no acknowledgment
// arrives within the control window.
const ControlResultTimeout = "9999"

// ControlResultSuccess is the result byte value reported on success.
const ControlResultSuccess = "0"

// Sigfox message data types.
const (
	TagDataGeoloc    = "GEOLOC"
	TagDataBattery   = "DATA"
	TagDataTelemetry = "TELEMETRY"
)

// Device types.
const (
	DeviceTypePJ1    = "PJ1"
	DeviceTypePJ2    = "PJ2"
	DeviceTypePJ3    = "PJ3"
	DeviceTypeUnaTag = "UnaTag"
)

// --- jsonb plumbing ---

func jsonbValue(v interface{}) (driver.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func jsonbScan(dst interface{}, src interface{}) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(s, dst)
	case string:
		return json.Unmarshal([]byte(s), dst)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
}

func (l DIList) Value() (driver.Value, error)         { return jsonbValue(l) }
func (l *DIList) Scan(src interface{}) error          { return jsonbScan(l, src) }
func (l DOList) Value() (driver.Value, error)         { return jsonbValue(l) }
func (l *DOList) Scan(src interface{}) error          { return jsonbScan(l, src) }
func (s TerminalStates) Value() (driver.Value, error) { return jsonbValue(s) }
func (s *TerminalStates) Scan(src interface{}) error  { return jsonbScan(s, src) }
func (f FlagState) Value() (driver.Value, error)      { return jsonbValue(f) }
func (f *FlagState) Scan(src interface{}) error       { return jsonbScan(f, src) }
func (g GradeState) Value() (driver.Value, error)     { return jsonbValue(g) }
func (g *GradeState) Scan(src interface{}) error      { return jsonbScan(g, src) }
func (a AnalogState) Value() (driver.Value, error)    { return jsonbValue(a) }
func (a *AnalogState) Scan(src interface{}) error     { return jsonbScan(a, src) }
func (s ScopeList) Value() (driver.Value, error)      { return jsonbValue(s) }
func (s *ScopeList) Scan(src interface{}) error       { return jsonbScan(s, src) }

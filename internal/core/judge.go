package core

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"example.com/monosecom/services/telemetry/internal/protocol"
)

// JudgmentResult is the output of one frame judgment.
type JudgmentResult struct {
	// Events derived from the frame, in emission order.
	Events []*HistoryEvent
	// State is the updated (or newly seeded) device state. Nil when the
	// frame was dropped without touching state.
	State *DeviceState
	// ControlUpdate carries the pending remote-control record mutated by a
	// control response or a linked-DI confirmation, for persistence by the
	// caller. Nil when no correlation applied.
	ControlUpdate *RemoteControlRequest
}

// JudgmentEngine turns decoded frames into history events and state
// mutations. It is pure sequential computation over its inputs: collaborator
// lookups (stored state, device config, pending control) happen in the
// caller, and persistence of the result is entirely the caller's concern.
type JudgmentEngine struct {
	classifier *protocol.SignalClassifier
	retention  time.Duration
}

// NewJudgmentEngine creates an engine. retention bounds history-event
// lifetime via ExpireAt.
func NewJudgmentEngine(classifier *protocol.SignalClassifier, retention time.Duration) *JudgmentEngine {
	return &JudgmentEngine{classifier: classifier, retention: retention}
}

// flagDims enumerates the device-level flags, each a single status-byte bit
// with its own two-state automaton on the state record.
var flagDims = []struct {
	event string
	mask  byte
	sel   func(*DeviceState) *FlagState
}{
	{EventBatteryNear, protocol.StatusBatteryNear, func(s *DeviceState) *FlagState { return &s.BatteryNear }},
	{EventDeviceAbnormal, protocol.StatusDeviceAbnormal, func(s *DeviceState) *FlagState { return &s.DeviceAbnormal }},
	{EventParamAbnormal, protocol.StatusParamAbnormal, func(s *DeviceState) *FlagState { return &s.ParamAbnormal }},
	{EventFirmwareAbnormal, protocol.StatusFirmwareAbnormal, func(s *DeviceState) *FlagState { return &s.FirmwareAbnormal }},
}

// Judge produces the history events and updated state for one decoded
// frame. prior is nil for a device with no stored state; pending is the
// pre-resolved remote-control record relevant to this frame (by correlation
// key for control responses, most recent in-window request for state-change
// frames), or nil.
//
// A control response with no matching pending request is dropped: the
// device sent an unsolicited or stale ack, and neither state nor history is
// touched.
func (e *JudgmentEngine) Judge(frame *protocol.Frame, prior *DeviceState, device *Device, pending *RemoteControlRequest, recvAt time.Time) (*JudgmentResult, error) {
	if frame.MessageType == protocol.MsgControlResponse && pending == nil {
		return &JudgmentResult{}, nil
	}

	if prior == nil || prior.DeviceID == 0 {
		return e.judgeInitial(frame, device, recvAt), nil
	}
	return e.judgeIncremental(frame, prior, device, pending, recvAt), nil
}

// judgeInitial synthesizes the full state record from the first-ever frame.
// Every timestamp pair is seeded from the frame's timestamp. Per-bit change
// events are suppressed; battery/abnormality events are emitted only for
// flags already true, so first contact reports what needs attention without
// a flood of false "recovered" entries.
func (e *JudgmentEngine) judgeInitial(frame *protocol.Frame, device *Device, recvAt time.Time) *JudgmentResult {
	at := frame.EventTime
	st := &DeviceState{DeviceID: device.ID, LastRecvAt: recvAt}

	for n := 1; n <= protocol.DITerminalCount; n++ {
		st.DI = append(st.DI, TerminalState{
			Terminal: n, State: frame.DIBit(n), LastChangeAt: at, LastUpdateAt: at,
		})
	}
	for n := 1; n <= protocol.DOTerminalCount; n++ {
		st.DO = append(st.DO, TerminalState{
			Terminal: n, State: frame.DOBit(n), LastChangeAt: at, LastUpdateAt: at,
		})
	}

	res := &JudgmentResult{State: st}

	for _, dim := range flagDims {
		v := frame.StatusFlag(dim.mask)
		*dim.sel(st) = FlagState{State: v, LastChangeAt: at, LastUpdateAt: at}
		if v == 1 {
			ev := e.newEvent(device, frame, recvAt, dim.event)
			ev.OccurrenceFlag = 1
			res.Events = append(res.Events, ev)
		}
	}

	st.Healthy = FlagState{State: 1, LastChangeAt: at, LastUpdateAt: at}
	grade := e.classifier.Classify(frame.RSSI, frame.SINR)
	st.Signal = GradeState{Grade: string(grade), LastChangeAt: at, LastUpdateAt: at}
	st.Analog1 = AnalogState{Reading: frame.Analog1, LastChangeAt: at, LastUpdateAt: at}
	st.Analog2 = AnalogState{Reading: frame.Analog2, LastChangeAt: at, LastUpdateAt: at}

	if frame.MessageType == protocol.MsgPowerOnSnapshot {
		res.Events = append(res.Events, e.newEvent(device, frame, recvAt, EventPowerOn))
	}

	return res
}

// judgeIncremental diffs the frame against the stored state dimension by
// dimension. Each dimension follows the same transition rule: a decoded
// value that differs from the stored one transitions the automaton and
// stamps LastChangeAt; LastUpdateAt advances on every frame carrying the
// dimension.
func (e *JudgmentEngine) judgeIncremental(frame *protocol.Frame, st *DeviceState, device *Device, pending *RemoteControlRequest, recvAt time.Time) *JudgmentResult {
	at := frame.EventTime
	res := &JudgmentResult{State: st}
	st.LastRecvAt = recvAt

	carriesContacts := frame.MessageType == protocol.MsgStateChange ||
		frame.MessageType == protocol.MsgPowerOnSnapshot ||
		frame.MessageType == protocol.MsgStateSnapshot

	if carriesContacts {
		e.judgeContacts(frame, st, device, recvAt, res)
		st.Analog1.apply(frame.Analog1, at)
		st.Analog2.apply(frame.Analog2, at)
	} else {
		// Control responses carry the DO byte only; reconcile state without
		// emitting contact events, the correlation event covers the action.
		for n := 1; n <= protocol.DOTerminalCount; n++ {
			st.DO.ensure(n).apply(frame.DOBit(n), at)
		}
	}

	for _, dim := range flagDims {
		v := frame.StatusFlag(dim.mask)
		if dim.sel(st).apply(v, at) {
			ev := e.newEvent(device, frame, recvAt, dim.event)
			ev.OccurrenceFlag = v
			res.Events = append(res.Events, ev)
		}
	}

	grade := e.classifier.Classify(frame.RSSI, frame.SINR)
	st.Signal.apply(string(grade), at)

	// Each 0x0011 frame is defined as a boot notification, so power-on is
	// emitted unconditionally; gateway redeliveries produce duplicates and
	// that is accepted.
	if frame.MessageType == protocol.MsgPowerOnSnapshot {
		res.Events = append(res.Events, e.newEvent(device, frame, recvAt, EventPowerOn))
	}

	switch frame.MessageType {
	case protocol.MsgControlResponse:
		e.judgeControlResponse(frame, device, pending, recvAt, res)
	case protocol.MsgStateChange:
		e.judgeLinkConfirmation(frame, device, pending, recvAt, res)
	}

	return res
}

// judgeContacts applies the per-bit diff for DI/DO terminals. State is
// reconciled for every bit whose decoded value differs from the stored one
// regardless of the trigger byte; on push notifications event emission is
// additionally gated by the trigger bit the device set for that terminal.
// Snapshots have no trigger byte, so the diff alone decides emission.
func (e *JudgmentEngine) judgeContacts(frame *protocol.Frame, st *DeviceState, device *Device, recvAt time.Time, res *JudgmentResult) {
	at := frame.EventTime
	push := frame.MessageType == protocol.MsgStateChange

	for n := 1; n <= protocol.DITerminalCount; n++ {
		v := frame.DIBit(n)
		changed := st.DI.ensure(n).apply(v, at)
		if changed && (!push || frame.DITriggered(n)) {
			res.Events = append(res.Events, e.diEvent(device, frame, recvAt, n, v))
		}
	}
	for n := 1; n <= protocol.DOTerminalCount; n++ {
		v := frame.DOBit(n)
		changed := st.DO.ensure(n).apply(v, at)
		if changed && (!push || frame.DOTriggered(n)) {
			res.Events = append(res.Events, e.doEvent(device, frame, recvAt, n, v))
		}
	}
}

// judgeControlResponse correlates an ack frame with its pending request and
// synthesizes the remote-control history event. The caller already resolved
// the correlation key; a nil pending never reaches here.
func (e *JudgmentEngine) judgeControlResponse(frame *protocol.Frame, device *Device, pending *RemoteControlRequest, recvAt time.Time, res *JudgmentResult) {
	now := recvAt
	pending.Status = ControlStatusAcknowledged
	pending.ControlResult = strconv.Itoa(int(frame.ControlResult))
	pending.AckedAt = &now
	res.ControlUpdate = pending

	ev := e.newEvent(device, frame, recvAt, EventRemoteControl)
	ev.Terminal = pending.Terminal
	if cfg := device.DOList.DO(pending.Terminal); cfg != nil {
		ev.TerminalName = cfg.Name
	} else {
		ev.TerminalName = fmt.Sprintf("DO%d", pending.Terminal)
	}
	ev.ControlRequestNo = pending.DeviceReqNo
	ev.ControlTrigger = pending.Trigger
	ev.ControlExecUser = pending.ExecUserName
	if frame.ControlResult == 0 {
		ev.ControlSuccess = 1
	}
	res.Events = append(res.Events, ev)
}

// judgeLinkConfirmation emits the second correlated event when a pending
// control's linked DI terminal reports the confirmed physical change.
func (e *JudgmentEngine) judgeLinkConfirmation(frame *protocol.Frame, device *Device, pending *RemoteControlRequest, recvAt time.Time, res *JudgmentResult) {
	if pending == nil || pending.LinkDI < 1 || !frame.DITriggered(pending.LinkDI) {
		return
	}

	v := frame.DIBit(pending.LinkDI)
	pending.LinkDIResult = strconv.Itoa(v)
	pending.Status = ControlStatusLinkConfirmed
	res.ControlUpdate = pending

	ev := e.diEvent(device, frame, recvAt, pending.LinkDI, v)
	ev.EventType = EventRemoteControlDI
	ev.ControlRequestNo = pending.DeviceReqNo
	ev.ControlTrigger = pending.Trigger
	ev.ControlExecUser = pending.ExecUserName
	ev.ControlSuccess = 1
	res.Events = append(res.Events, ev)
}

func (e *JudgmentEngine) newEvent(device *Device, frame *protocol.Frame, recvAt time.Time, eventType string) *HistoryEvent {
	return &HistoryEvent{
		HistID:    uuid.New().String(),
		DeviceID:  device.ID,
		EventType: eventType,
		EventAt:   frame.EventTime,
		RecvAt:    recvAt,
		ExpireAt:  frame.EventTime.Add(e.retention),
	}
}

func (e *JudgmentEngine) diEvent(device *Device, frame *protocol.Frame, recvAt time.Time, n, v int) *HistoryEvent {
	ev := e.newEvent(device, frame, recvAt, EventDIChange)
	ev.Terminal = n
	ev.State = v
	ev.TerminalName = fmt.Sprintf("DI%d", n)
	ev.StateLabel = contactLabel(v)
	if cfg := device.DIList.DI(n); cfg != nil {
		if cfg.Name != "" {
			ev.TerminalName = cfg.Name
		}
		ev.StateLabel = terminalLabel(v, cfg.OnLabel, cfg.OffLabel)
	}
	return ev
}

func (e *JudgmentEngine) doEvent(device *Device, frame *protocol.Frame, recvAt time.Time, n, v int) *HistoryEvent {
	ev := e.newEvent(device, frame, recvAt, EventDOChange)
	ev.Terminal = n
	ev.State = v
	ev.TerminalName = fmt.Sprintf("DO%d", n)
	ev.StateLabel = contactLabel(v)
	if cfg := device.DOList.DO(n); cfg != nil {
		if cfg.Name != "" {
			ev.TerminalName = cfg.Name
		}
		ev.StateLabel = terminalLabel(v, cfg.OnLabel, cfg.OffLabel)
	}
	return ev
}

func contactLabel(v int) string {
	if v == 1 {
		return "ON"
	}
	return "OFF"
}

func terminalLabel(v int, on, off string) string {
	if v == 1 && on != "" {
		return on
	}
	if v == 0 && off != "" {
		return off
	}
	return contactLabel(v)
}

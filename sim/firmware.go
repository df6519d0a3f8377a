package sim

import (
	"fmt"
)

// YieldReason reports why a firmware step paused execution. The set is
// closed but carries an Unknown arm so that new reasons from an external
// engine degrade to a logged no-op instead of undefined behavior.
type YieldReason int

const (
	YieldIdle YieldReason = iota
	YieldRadioTxStart
	YieldRadioTxComplete
	YieldReboot
	YieldPowerOff
	YieldError
	YieldUnknown
)

var yieldReasonNames = map[YieldReason]string{
	YieldIdle:            "Idle",
	YieldRadioTxStart:    "RadioTxStart",
	YieldRadioTxComplete: "RadioTxComplete",
	YieldReboot:          "Reboot",
	YieldPowerOff:        "PowerOff",
	YieldError:           "Error",
	YieldUnknown:         "Unknown",
}

func (r YieldReason) String() string {
	if name, ok := yieldReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("YieldReason(%d)", int(r))
}

// StepResult is the outcome of a single synchronous firmware step.
type StepResult struct {
	Reason YieldReason
	// WakeAt is the next time the firmware wants to run. Meaningful for
	// YieldIdle; a wake at or before "now" schedules nothing.
	WakeAt SimTime
	// RadioTx is the transmit request accompanying YieldRadioTxStart.
	RadioTx *RadioTxRequestPayload
	// SerialTx is serial output produced during the step, if any.
	SerialTx []byte
	// Err is the failure description accompanying YieldError.
	Err string
}

// Firmware is the emulated firmware engine a node execution unit drives.
// The unit calls it synchronously and repeatedly; implementations need no
// internal concurrency and must behave deterministically for a fixed input
// sequence.
type Firmware interface {
	// Step runs the firmware until it yields.
	Step(now SimTime) StepResult
	// HandleRadioRx injects a received radio packet before the next step.
	HandleRadioRx(frame RadioFrame, snrDB, rssiDBm float64, collided bool)
	// HandleSerialRx injects serial input before the next step.
	HandleSerialRx(data []byte)
	// NotifyRadioState informs the firmware of a radio state transition.
	NotifyRadioState(state RadioState)
}

// Agent is an optional application-level companion attached to a node. It
// observes the firmware's serial output and may answer with serial input,
// which the node feeds back as SerialRx events.
type Agent interface {
	HandleSerialTx(now SimTime, data []byte) [][]byte
}

// BeaconFirmware is a small deterministic firmware used by the CLI and the
// test suite: it broadcasts a numbered beacon at a fixed period, reports
// every reception on its serial port, and transmits serial input verbatim.
type BeaconFirmware struct {
	name   string
	params RadioParams
	period SimTime

	nextBeacon SimTime
	seq        uint32
	pendingOut []byte       // serial output accumulated between steps
	pendingTx  []RadioFrame // frames queued by serial input
	radioState RadioState
}

// NewBeaconFirmware creates a beacon firmware transmitting every period,
// starting at one full period after simulation start.
func NewBeaconFirmware(name string, period SimTime, params RadioParams) *BeaconFirmware {
	return &BeaconFirmware{
		name:       name,
		params:     params,
		period:     period,
		nextBeacon: period,
	}
}

// SetFirstBeacon overrides the time of the first beacon. Used at topology
// build time to de-phase the nodes with seeded jitter.
func (f *BeaconFirmware) SetFirstBeacon(at SimTime) {
	if at > 0 {
		f.nextBeacon = at
	}
}

// Step implements Firmware.
func (f *BeaconFirmware) Step(now SimTime) StepResult {
	res := StepResult{Reason: YieldIdle, WakeAt: f.nextBeacon}

	if len(f.pendingOut) > 0 {
		res.SerialTx = f.pendingOut
		f.pendingOut = nil
	}

	if len(f.pendingTx) > 0 {
		frame := f.pendingTx[0]
		f.pendingTx = f.pendingTx[1:]
		res.Reason = YieldRadioTxStart
		res.RadioTx = &RadioTxRequestPayload{Frame: frame, Params: f.params}
		return res
	}

	if now >= f.nextBeacon {
		frame := RadioFrame{Data: []byte(fmt.Sprintf("BEACON %s %d", f.name, f.seq))}
		f.seq++
		f.nextBeacon = f.nextBeacon + f.period
		res.Reason = YieldRadioTxStart
		res.RadioTx = &RadioTxRequestPayload{Frame: frame, Params: f.params}
		res.WakeAt = f.nextBeacon
	}
	return res
}

// HandleRadioRx implements Firmware: received frames are echoed to serial.
func (f *BeaconFirmware) HandleRadioRx(frame RadioFrame, snrDB, rssiDBm float64, collided bool) {
	line := fmt.Sprintf("RX %d bytes snr=%.1f rssi=%.1f collided=%t\n",
		len(frame.Data), snrDB, rssiDBm, collided)
	f.pendingOut = append(f.pendingOut, line...)
}

// HandleSerialRx implements Firmware: serial input becomes a transmit request.
func (f *BeaconFirmware) HandleSerialRx(data []byte) {
	if len(data) == 0 {
		return
	}
	f.pendingTx = append(f.pendingTx, RadioFrame{Data: append([]byte(nil), data...)})
}

// NotifyRadioState implements Firmware.
func (f *BeaconFirmware) NotifyRadioState(state RadioState) {
	f.radioState = state
}

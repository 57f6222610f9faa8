// Package simhw provides host-simulated implementations of the small
// peripheral-facing interfaces pkg/motor, pkg/supervisor, pkg/nvcom, and
// pkg/signalhandler are built against, so cmd/candrive-app and
// cmd/candrive-bootloader can run CANDrive's actual control logic
// without real silicon. It is the hardware-abstraction layer for a host
// build, the same relationship pkg/can/virtual has to a real CAN
// transceiver.
package simhw

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/candrive/firmware/pkg/motor"
	"github.com/candrive/firmware/pkg/signalhandler"
)

// Encoder simulates a free-running quadrature counter in [0, cpr).
// AdvanceBy moves the counter in either direction, wrapping the way a
// real quadrature timer free-runs, for tests and the simulated loop to
// drive.
type Encoder struct {
	mu        sync.Mutex
	cpr       uint32
	counter   uint32
	direction motor.Direction
}

// NewEncoder returns an Encoder counting modulo cpr.
func NewEncoder(cpr uint32) *Encoder {
	return &Encoder{cpr: cpr}
}

func (e *Encoder) Counter() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

func (e *Encoder) Direction() motor.Direction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.direction
}

func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counter = 0
}

// AdvanceBy moves the counter by delta counts (negative runs it
// backwards), wrapping modulo cpr and updating the direction bit to
// match, the way a real quadrature timer driven by a spinning shaft
// would.
func (e *Encoder) AdvanceBy(delta int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if delta >= 0 {
		e.direction = motor.DirectionCW
	} else {
		e.direction = motor.DirectionCCW
	}
	next := int64(e.counter) + int64(delta)
	cpr := int64(e.cpr)
	next %= cpr
	if next < 0 {
		next += cpr
	}
	e.counter = uint32(next)
}

// Driver simulates the H-bridge + PWM output stage, recording the last
// commanded state so tests and logging can observe it.
type Driver struct {
	mu      sync.Mutex
	forward bool
	duty    uint16
	enabled bool
}

func NewDriver() *Driver { return &Driver{} }

func (d *Driver) SetForward(forward bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forward = forward
}

func (d *Driver) SetDuty(dutyPermille uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duty = dutyPermille
}

func (d *Driver) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
}

func (d *Driver) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
}

// State reports the last commanded forward/duty/enabled triple.
func (d *Driver) State() (forward bool, duty uint16, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forward, d.duty, d.enabled
}

// CurrentSense simulates a current-sense ADC channel as a settable
// voltage reading.
type CurrentSense struct {
	voltage atomic.Uint32
}

func NewCurrentSense(initial uint32) *CurrentSense {
	c := &CurrentSense{}
	c.voltage.Store(initial)
	return c
}

func (c *CurrentSense) ReadVoltage() uint32 { return c.voltage.Load() }
func (c *CurrentSense) Set(voltage uint32)  { c.voltage.Store(voltage) }

// EmergencyPin simulates the latched hardware emergency-stop input.
type EmergencyPin struct {
	asserted atomic.Bool
}

func (p *EmergencyPin) Asserted() bool { return p.asserted.Load() }
func (p *EmergencyPin) Assert()        { p.asserted.Store(true) }
func (p *EmergencyPin) Clear()         { p.asserted.Store(false) }

// VsenseInput simulates the supply-voltage sense ADC channel.
type VsenseInput struct {
	voltage atomic.Uint32
}

func NewVsenseInput(initialMv uint32) *VsenseInput {
	v := &VsenseInput{}
	v.voltage.Store(initialMv)
	return v
}

func (v *VsenseInput) ReadVoltage() uint32   { return v.voltage.Load() }
func (v *VsenseInput) Set(millivolts uint32) { v.voltage.Store(millivolts) }

// Watchdog simulates the independent hardware watchdog timer: Reset
// postpones expiry; when Check (driven from the application's own
// ticker) finds more than two periods elapsed since the last Reset, it
// reports the watchdog overdue, modeling the MCU reset a real IWDG
// timeout would cause.
type Watchdog struct {
	logger   *slog.Logger
	mu       sync.Mutex
	period   uint32
	lastFed  uint32
	clock    func() uint32
	onExpire func()
}

// NewWatchdog returns a Watchdog that reads elapsed time via clock and
// calls onExpire (if non-nil) the first time Check observes an overdue
// period.
func NewWatchdog(clock func() uint32, onExpire func(), logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{logger: logger.With("service", "[IWDG]"), clock: clock, onExpire: onExpire}
}

func (w *Watchdog) Start(periodMs uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.period = periodMs
	w.lastFed = w.clock()
	w.logger.Info("watchdog started", "period_ms", periodMs)
}

func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastFed = w.clock()
}

// Check reports whether the watchdog is overdue (more than two periods
// since the last Reset, the point at which the real peripheral would
// reset the MCU) and invokes onExpire once when it first becomes
// overdue.
func (w *Watchdog) Check() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.period == 0 {
		return false
	}
	elapsed := w.clock() - w.lastFed
	overdue := elapsed > 2*w.period
	if overdue && w.onExpire != nil {
		w.onExpire()
		w.onExpire = nil
	}
	return overdue
}

// Resetter simulates a board reset: it logs and calls fn, defaulting to
// os.Exit(0) (modeling the MCU reset vector restarting execution from
// the top) if fn is nil.
type Resetter struct {
	logger *slog.Logger
	fn     func()
}

func NewResetter(fn func(), logger *slog.Logger) *Resetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resetter{logger: logger.With("service", "[RESET]"), fn: fn}
}

func (r *Resetter) Reset() {
	r.logger.Warn("system reset requested")
	if r.fn != nil {
		r.fn()
		return
	}
	os.Exit(0)
}

// The motor-control command frame id is fixed at 9; the status frame id
// comes from the DBC and is picked here as the next available id.
const (
	motorControlFrameID = 9
	motorStatusFrameID  = 10
)

// signalRange bounds the 12-bit signed RPM fields packRPMMode packs, the
// equivalent of a DBC in-range check.
const signalRange = 1 << 11

// rpmMode packs a signed 12-bit value and a 4-bit mode into one
// little-endian uint16: bits [0:12) are the value (two's complement),
// bits [12:16) are the mode, the way a real automotive DBC frame
// bit-packs adjacent signals instead of spending a whole byte per field.
func packRPMMode(value int16, mode uint8) uint16 {
	return uint16(value)&0x0FFF | uint16(mode&0x0F)<<12
}

func unpackRPMMode(word uint16) (value int16, mode uint8) {
	raw := word & 0x0FFF
	if raw&0x0800 != 0 {
		raw |= 0xF000 // sign-extend the 12-bit field
	}
	return int16(raw), uint8(word >> 12)
}

// Packer is a host-build stand-in for the DBC-generated pack/unpack code
// signalhandler.Packer abstracts. Motor control bit-packs rpm+mode into
// two 16-bit words (12-bit signed RPM, 4-bit mode) followed by two
// signed 16-bit current words, fitting the whole frame into one CAN
// frame's 8 data bytes the way a DBC-generated layout would; motor
// status mirrors the same layout with a 4-bit run/coast/brake status
// replacing mode.
type Packer struct{}

func (Packer) MotorControlFrameID() uint32 { return motorControlFrameID }
func (Packer) MotorStatusFrameID() uint32  { return motorStatusFrameID }

func (Packer) UnpackMotorControl(data []byte) (signalhandler.MotorControlFrame, error) {
	var f signalhandler.MotorControlFrame
	if len(data) < 8 {
		return f, fmt.Errorf("simhw: motor control frame too short: %d bytes", len(data))
	}
	f.RPM1, f.Mode1 = unpackRPMMode(binary.LittleEndian.Uint16(data[0:2]))
	f.RPM2, f.Mode2 = unpackRPMMode(binary.LittleEndian.Uint16(data[2:4]))
	f.Current1 = int16(binary.LittleEndian.Uint16(data[4:6]))
	f.Current2 = int16(binary.LittleEndian.Uint16(data[6:8]))
	return f, nil
}

func (Packer) PackMotorStatus(msg signalhandler.MotorStatusFrame) ([]byte, error) {
	if msg.RPM1 <= -signalRange || msg.RPM1 >= signalRange || msg.RPM2 <= -signalRange || msg.RPM2 >= signalRange {
		return nil, fmt.Errorf("simhw: rpm out of range [%d, %d)", -signalRange, signalRange)
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], packRPMMode(msg.RPM1, msg.Status1))
	binary.LittleEndian.PutUint16(buf[2:4], packRPMMode(msg.RPM2, msg.Status2))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(msg.Current1))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(msg.Current2))
	return buf, nil
}

// Package motor drives a single brushed DC motor through a quadrature
// encoder, an H-bridge driver and a current-sense ADC channel. The
// Encoder/Driver/CurrentSense interfaces keep the update/control logic
// independent of whether the peripherals behind them are real or the
// host simulation rig's.
package motor

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/candrive/firmware/pkg/ema"
	"github.com/candrive/firmware/pkg/systime"
)

// rpmSampleFrequency is how often Update recomputes RPM: at most once
// every 1000/rpmSampleFrequency milliseconds.
const rpmSampleFrequency = 100

// MaxSpeed/MinSpeed bound the signed per-mille speed/duty-cycle value.
const (
	MaxSpeed = 1000
	MinSpeed = -1000
)

// maxBrakeDuty is the duty cycle applied while braking.
const maxBrakeDuty = 1000

// currentFilterAlpha is an alpha of 0.5 in ema's fixed-point terms.
var currentFilterAlpha = ema.MaxAlpha / 2

// Direction is the quadrature timer's count direction.
type Direction int

const (
	DirectionCW Direction = iota
	DirectionCCW
)

func (d Direction) String() string {
	switch d {
	case DirectionCW:
		return "MOTOR_DIR_CW"
	case DirectionCCW:
		return "MOTOR_DIR_CCW"
	default:
		return "UNKNOWN"
	}
}

// Status is the three-state driver mode.
type Status int

const (
	StatusRun Status = iota
	StatusCoast
	StatusBrake
)

func (s Status) String() string {
	switch s {
	case StatusRun:
		return "RUN"
	case StatusCoast:
		return "COAST"
	case StatusBrake:
		return "BRAKE"
	default:
		return "UNKNOWN"
	}
}

// Encoder abstracts the quadrature-decoding hardware timer: a
// free-running counter over [0, countsPerRevolution) plus its count
// direction.
type Encoder interface {
	Counter() uint32
	Direction() Direction
	Reset()
}

// Driver abstracts the H-bridge PWM+GPIO output stage: SEL/INA/INB decide
// coast/forward/reverse and the PWM duty cycle decides speed.
type Driver interface {
	SetForward(forward bool) // INA=1,INB=0,SEL=1 forward; INA=0,INB=1,SEL=0 reverse
	SetDuty(dutyPermille uint16)
	Enable()
	Disable()
}

// CurrentSense abstracts the current-sense ADC channel.
type CurrentSense interface {
	ReadVoltage() uint32
}

// Clock abstracts pkg/systime.System so tests can drive time explicitly.
type Clock interface {
	GetSystemTime() uint32
}

// Config holds the per-motor constants read once at construction.
type Config struct {
	CountsPerRevolution int32
}

// Motor is one motor channel: an encoder, a driver and a current sensor,
// updated on a fixed cadence to track RPM and position.
type Motor struct {
	mu     sync.Mutex
	logger *slog.Logger
	clock  Clock

	encoder Encoder
	driver  Driver
	sense   CurrentSense

	countsPerRevolution int32

	status        Status
	speed         int16
	count         int32
	rpm           int16
	lastUpdate    uint32
	currentFilter *ema.Filter
}

// New constructs a Motor in the Run status with its encoder counter
// reset to zero and its driver disabled at zero duty.
func New(name string, cfg Config, encoder Encoder, driver Driver, sense CurrentSense, clock Clock, logger *slog.Logger) *Motor {
	if cfg.CountsPerRevolution <= 0 {
		panic("motor: counts per revolution must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Motor{
		logger:              logger.With("service", name),
		clock:               clock,
		encoder:             encoder,
		driver:              driver,
		sense:               sense,
		countsPerRevolution: cfg.CountsPerRevolution,
		status:              StatusRun,
	}
	encoder.Reset()
	driver.Disable()
	driver.SetDuty(0)
	m.lastUpdate = clock.GetSystemTime()
	m.logger.Info("motor initialized")
	return m
}

// Update recomputes RPM and the cached raw count once per sample period.
// The measured period between calls, not the nominal one, feeds the RPM
// computation so loop jitter does not alias.
func (m *Motor) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()

	const updatePeriodMs = 1000 / rpmSampleFrequency
	elapsed := systime.GetDifference(m.lastUpdate, m.clock.GetSystemTime())
	if elapsed < updatePeriodMs {
		return
	}

	count := int32(m.encoder.Counter())
	difference := m.countDifference(count)
	actualFrequency := uint32(1000) / elapsed

	m.rpm = int16(countToRPM(difference, actualFrequency, m.countsPerRevolution))
	m.count = count
	m.lastUpdate = m.clock.GetSystemTime()
}

// countDifference returns the signed delta between count and the
// previously cached raw count, correcting for counter wraparound: a jump
// larger than half a revolution is read as a wrap in the other
// direction.
func (m *Motor) countDifference(count int32) int32 {
	difference := count - m.count
	half := m.countsPerRevolution / 2
	if absInt32(difference) > half {
		if difference > 0 {
			difference = difference - m.countsPerRevolution - 1
		} else {
			difference = m.countsPerRevolution + difference + 1
		}
	}
	return difference
}

func countToRPM(count int32, frequency uint32, countsPerRevolution int32) int32 {
	return (count*int32(frequency)*60 + countsPerRevolution/2) / countsPerRevolution
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// RPM returns the most recently computed revolutions-per-minute.
func (m *Motor) RPM() int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rpm
}

// Current reads the sense ADC through an EMA filter and signs the result
// by the encoder's count direction. The filter is seeded from the first
// sample rather than from zero so startup readings don't ramp.
func (m *Motor) Current() (int16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	voltage := m.sense.ReadVoltage()
	if m.currentFilter != nil && m.currentFilter.IsInitialized() {
		m.currentFilter.Process(voltage)
	} else {
		m.currentFilter = ema.New(voltage, currentFilterAlpha)
	}
	filtered := m.currentFilter.Output()

	if filtered > math.MaxInt16 {
		return 0, fmt.Errorf("motor: sense voltage %d out of range", filtered)
	}
	current := int16(filtered)
	if m.encoder.Direction() == DirectionCCW {
		current = -current
	}
	return current, nil
}

// SetSpeed sets a new signed per-mille speed and (re-)applies direction
// and duty cycle only if the status or speed actually changed; repeating
// the same speed while running issues no PWM writes.
func (m *Motor) SetSpeed(speed int16) error {
	if speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("motor: speed %d out of range [%d, %d]", speed, MinSpeed, MaxSpeed)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.status == StatusRun && speed == m.speed {
		return nil
	}

	m.speed = speed
	m.applySpeed(speed)
	m.status = StatusRun
	m.logger.Debug("speed set", "rpm", m.rpm, "speed", speed)
	return nil
}

func (m *Motor) applySpeed(speed int16) {
	m.driver.Disable()
	if speed != 0 {
		m.driver.SetForward(speed > 0)
	}
	m.driver.SetDuty(speedToDutyCycle(speed))
	m.driver.Enable()
}

func speedToDutyCycle(speed int16) uint16 {
	if speed < 0 {
		return uint16(-speed)
	}
	return uint16(speed)
}

// Run re-applies the last commanded speed and returns the driver to the
// Run status. Coming out of Coast or Brake this re-issues the direction
// and duty writes those modes overrode.
func (m *Motor) Run() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusRun {
		return
	}
	m.applySpeed(m.speed)
	m.status = StatusRun
	m.logger.Info("running enabled", "speed", m.speed)
}

// Coast sets the duty cycle to zero without active braking.
func (m *Motor) Coast() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver.SetDuty(0)
	m.status = StatusCoast
	m.logger.Info("coasting enabled")
}

// Brake shorts both motor terminals at full duty cycle.
func (m *Motor) Brake() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.driver.Disable()
	m.driver.SetForward(false)
	m.driver.SetDuty(maxBrakeDuty)
	m.driver.Enable()
	m.status = StatusBrake
	m.logger.Info("braking enabled")
}

// GetStatus returns the current run/coast/brake status.
func (m *Motor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// GetDirection reads the encoder's live count direction.
func (m *Motor) GetDirection() Direction {
	return m.encoder.Direction()
}

// GetPosition returns the encoder position in whole degrees.
func (m *Motor) GetPosition() uint32 {
	return (m.encoder.Counter() * 360) / uint32(m.countsPerRevolution)
}

// Package supervisor aggregates per-client watchdogs, filters the supply
// voltage sense input, and derives CANDrive's global operating state.
// The hardware watchdog is only fed once every registered client has
// reported in the current window, so a single stuck subsystem takes the
// whole board down rather than limping on.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/candrive/firmware/pkg/ema"
	"github.com/candrive/firmware/pkg/nvcom"
	"github.com/candrive/firmware/pkg/systime"
)

const (
	WatchdogPeriodMs           = 200
	MaxWatchdogHandles         = 32
	ControlInactivityPeriodMs  = 200
	vsenseOff                  = 1000
	vsenseMin                  = 10000
	vsenseMax                  = 14000
	vsenseHysteresis           = 100
	maxWatchdogRestartsAllowed = 3
)

// vsenseFilterAlpha is an alpha of 0.5 in ema's fixed-point terms.
var vsenseFilterAlpha = ema.MaxAlpha / 2

// ResetFlagIWDG is the reset-cause bit for an independent-watchdog reset
// (RCC_CSR's IWDGRSTF on an STM32F1) as stored in nvcom.Data.ResetFlags.
const ResetFlagIWDG uint32 = 1 << 29

// ErrWatchdogLoop reports that the device has watchdog-reset itself
// maxWatchdogRestartsAllowed times in a row; halting here keeps a
// crash-looping board recoverable over the update path.
var ErrWatchdogLoop = errors.New("supervisor: stopped due to watchdog reset loop")

// State is the global operational state.
type State int

const (
	StateInactive State = iota
	StateActive
	StateFail
	StateEmergency
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateActive:
		return "ACTIVE"
	case StateFail:
		return "FAIL"
	case StateEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// vsenseStatus classifies the filtered supply voltage against the
// operating window.
type vsenseStatus int

const (
	vsenseUnknown vsenseStatus = iota
	vsenseOK
	vsenseLow
	vsenseHigh
	vsenseStatusOff
)

// Clock abstracts pkg/systime.System.
type Clock interface {
	GetSystemTime() uint32
}

// EmergencyPin reports the latched state of the hardware emergency-stop
// input.
type EmergencyPin interface {
	Asserted() bool
}

// VsenseInput reads the raw supply-voltage sense ADC channel, in
// millivolts.
type VsenseInput interface {
	ReadVoltage() uint32
}

// Watchdog is the hardware independent watchdog timer.
type Watchdog interface {
	Start(periodMs uint32)
	Reset()
}

// Supervisor owns the watchdog bitset, the filtered Vsense reading, and
// the global state machine.
type Supervisor struct {
	mu     sync.Mutex
	logger *slog.Logger
	clock  Clock

	emergencyPin EmergencyPin
	vsenseInput  VsenseInput
	watchdog     Watchdog
	nvcom        *nvcom.Store

	numHandles uint32
	flags      uint32

	timer                uint32
	controlActivityTimer uint32

	state        State
	vsenseFilter *ema.Filter
	vsenseStatus vsenseStatus
}

// Config bundles the collaborators Supervisor needs: NVCom, the
// emergency GPIO pin, the Vsense ADC channel and the watchdog
// peripheral.
type Config struct {
	EmergencyPin EmergencyPin
	VsenseInput  VsenseInput
	Watchdog     Watchdog
	NVCom        *nvcom.Store
	Clock        Clock
}

// New creates a Supervisor, updates NVCom's restart bookkeeping, and
// starts the watchdog. It returns ErrWatchdogLoop if three or more
// consecutive watchdog restarts have been recorded.
func New(cfg Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		logger:       logger.With("service", "[SYSMON]"),
		clock:        cfg.Clock,
		emergencyPin: cfg.EmergencyPin,
		vsenseInput:  cfg.VsenseInput,
		watchdog:     cfg.Watchdog,
		nvcom:        cfg.NVCom,
		state:        StateInactive,
	}

	data := s.nvcom.Data()
	coldRestart := data.TotalRestartCount == 0
	watchdogRestart := data.ResetFlags&ResetFlagIWDG != 0

	if watchdogRestart {
		data.WatchdogRestartCount++
		s.logger.Error("restarted due to watchdog timeout")
	} else {
		data.WatchdogRestartCount = 0
	}
	data.TotalRestartCount++
	data.RequestFirmwareUpdate = false
	s.nvcom.SetData(data)

	s.logger.Info("restart information", "restarts", data.TotalRestartCount, "wdt_restarts", data.WatchdogRestartCount, "cold", coldRestart, "wdt", watchdogRestart)

	if data.WatchdogRestartCount >= maxWatchdogRestartsAllowed {
		return nil, ErrWatchdogLoop
	}

	s.watchdog.Start(WatchdogPeriodMs)
	s.logger.Info("system monitor initialized", "state", s.state)
	return s, nil
}

// GetWatchdogHandle allocates a bit in the aggregate watchdog bitset for
// a new client. The handle starts fed.
func (s *Supervisor) GetWatchdogHandle() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numHandles >= MaxWatchdogHandles {
		return 0, fmt.Errorf("supervisor: no more than %d watchdog handles supported", MaxWatchdogHandles)
	}
	handle := s.numHandles
	s.numHandles++
	s.flags |= 1 << handle
	return handle, nil
}

// FeedWatchdog marks handle's bit as fed for this period.
func (s *Supervisor) FeedWatchdog(handle uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if handle >= s.numHandles {
		return fmt.Errorf("supervisor: unknown watchdog handle %d", handle)
	}
	s.flags |= 1 << handle
	return nil
}

// ReportActivity marks the control loop as alive and, absent an
// emergency or bad Vsense reading, moves the state to Active. The signal
// handler calls this for every valid motor-control frame it decodes.
func (s *Supervisor) ReportActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.emergencyPin.Asserted() && (s.vsenseStatus == vsenseUnknown || s.vsenseStatus == vsenseOK) {
		s.state = StateActive
	}
	s.controlActivityTimer = s.clock.GetSystemTime()
}

// GetState returns the current global state.
func (s *Supervisor) GetState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// GetResetFlags returns the last boot's raw reset-cause bitmask.
func (s *Supervisor) GetResetFlags() uint32 {
	return s.nvcom.Data().ResetFlags
}

func (s *Supervisor) requiredFlags() uint32 {
	if s.numHandles == 0 {
		return 0
	}
	return (uint32(1) << s.numHandles) - 1
}

// Update reconciles the watchdog bitset, re-filters Vsense on a 100ms
// cadence, and re-derives state with strict priority: emergency over
// supply fault over inactivity timeout.
func (s *Supervisor) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.numHandles > 0 && s.requiredFlags() == s.flags {
		s.watchdog.Reset()
		s.flags = 0
	}

	const updatePeriodMs = 100
	if systime.GetDifference(s.timer, s.clock.GetSystemTime()) >= updatePeriodMs {
		s.updateVsenseFilter()
		s.updateVsenseStatus()
		s.timer = s.clock.GetSystemTime()
	}

	switch {
	case s.emergencyPin.Asserted():
		if s.state != StateEmergency {
			s.state = StateEmergency
			s.logger.Info("state transition", "state", s.state)
		}
	case s.vsenseStatus != vsenseOK && s.vsenseStatus != vsenseUnknown:
		if s.state != StateFail {
			s.state = StateFail
			s.logger.Info("state transition", "state", s.state)
		}
	default:
		if s.state != StateInactive && systime.GetDifference(s.controlActivityTimer, s.clock.GetSystemTime()) > ControlInactivityPeriodMs {
			s.state = StateInactive
			s.logger.Info("state transition", "state", s.state)
		}
	}
}

func (s *Supervisor) updateVsenseFilter() {
	voltage := s.vsenseInput.ReadVoltage()
	if s.vsenseFilter != nil && s.vsenseFilter.IsInitialized() {
		s.vsenseFilter.Process(voltage)
	} else {
		s.vsenseFilter = ema.New(voltage, vsenseFilterAlpha)
	}
}

func (s *Supervisor) updateVsenseStatus() {
	if s.vsenseFilter == nil {
		return
	}
	vsense := s.vsenseFilter.Output()
	switch {
	case vsense < vsenseOff:
		s.vsenseStatus = vsenseStatusOff
	case vsense < vsenseMin:
		s.vsenseStatus = vsenseLow
	case vsense > vsenseMax:
		s.vsenseStatus = vsenseHigh
	case vsense > vsenseMin+vsenseHysteresis:
		s.vsenseStatus = vsenseOK
	default:
		// Inside the hysteresis band: leave the status unchanged.
	}
}

// Package nvcom implements the non-volatile communication module: a typed
// view over six consecutive 16-bit battery-backed registers that survive
// a reset but not a full power loss. The bootloader and the application
// both read the same registers, which is how the update-request flag and
// the restart counters cross the reset boundary between them.
package nvcom

import (
	"log/slog"
	"sync"
)

// magicValue marks the registers as having been initialized by this
// module at least once; its absence (or corruption) means a cold/first
// boot with no prior state to trust.
const magicValue uint16 = 0xABCD

// Register indices within the backup-domain layout.
const (
	regMagic uint16 = iota
	regWatchdogRestartCount
	regTotalRestartCount
	regBootloaderFlags
	regResetFlagsHigh
	regResetFlagsLow
	numRegisters
)

// Bootloader flag bits within the bootloader_flags register.
const (
	FlagRequestFirmwareUpdate uint16 = 1 << 0
	FlagFirmwareWasUpdated    uint16 = 1 << 1
)

// Registers abstracts the battery-backed backup-domain memory.
// Implementations that model real hardware must bracket each Write with
// the backup-domain write-protect disable/enable sequence.
type Registers interface {
	Read(index uint16) uint16
	Write(index uint16, value uint16)
}

// Data is the decoded view of the registers.
type Data struct {
	ResetFlags            uint32
	WatchdogRestartCount  uint16
	TotalRestartCount     uint16
	RequestFirmwareUpdate bool
	FirmwareWasUpdated    bool
}

// Store owns the register view and the last data decoded from (or
// written to) it.
type Store struct {
	mu     sync.Mutex
	logger *slog.Logger
	regs   Registers
	data   Data
}

// New reads the registers and decodes them, or starts from zeroed Data if
// the magic value is absent (a cold restart).
func New(regs Registers, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger.With("service", "[NVCOM]"), regs: regs}
	if regs.Read(regMagic) != magicValue {
		s.logger.Info("cold restart, nvcom uninitialized")
		s.data = Data{}
		return s
	}
	flags := regs.Read(regBootloaderFlags)
	s.data = Data{
		ResetFlags:            uint32(regs.Read(regResetFlagsHigh))<<16 | uint32(regs.Read(regResetFlagsLow)),
		WatchdogRestartCount:  regs.Read(regWatchdogRestartCount),
		TotalRestartCount:     regs.Read(regTotalRestartCount),
		RequestFirmwareUpdate: flags&FlagRequestFirmwareUpdate != 0,
		FirmwareWasUpdated:    flags&FlagFirmwareWasUpdated != 0,
	}
	s.logger.Info("warm restart", "watchdog_restarts", s.data.WatchdogRestartCount, "total_restarts", s.data.TotalRestartCount)
	return s
}

// Data returns the last decoded/written value.
func (s *Store) Data() Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// SetData writes d to the registers and stamps the magic value.
func (s *Store) SetData(d Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = d

	var flags uint16
	if d.RequestFirmwareUpdate {
		flags |= FlagRequestFirmwareUpdate
	}
	if d.FirmwareWasUpdated {
		flags |= FlagFirmwareWasUpdated
	}

	s.regs.Write(regMagic, magicValue)
	s.regs.Write(regWatchdogRestartCount, d.WatchdogRestartCount)
	s.regs.Write(regTotalRestartCount, d.TotalRestartCount)
	s.regs.Write(regBootloaderFlags, flags)
	s.regs.Write(regResetFlagsHigh, uint16(d.ResetFlags>>16))
	s.regs.Write(regResetFlagsLow, uint16(d.ResetFlags))
}

// SimRegisters is an in-memory Registers backing for host tests and the
// simulation rig: it survives across repeated New() calls against the
// same instance (modeling a reset) and loses all state when a fresh
// SimRegisters is constructed (modeling a power loss).
type SimRegisters struct {
	regs [numRegisters]uint16
}

// NewSimRegisters returns a zeroed (power-loss / never-initialized)
// register bank.
func NewSimRegisters() *SimRegisters {
	return &SimRegisters{}
}

func (r *SimRegisters) Read(index uint16) uint16 {
	return r.regs[index]
}

func (r *SimRegisters) Write(index uint16, value uint16) {
	r.regs[index] = value
}

// Package flash defines the program/erase contract the non-volatile K/V
// store, the image validator, and the firmware manager are built
// against, plus Sim, an in-memory region standing in for the MCU's
// internal flash controller.
//
// Real NOR flash can only clear bits without an erase; programming a byte
// that would need to set a 0 bit back to 1 fails until the containing
// page is erased again. Sim reproduces that constraint in memory so the
// NVS store's in-place tombstone write (Used 0xFFFF -> Deleted 0x0000)
// and the firmware manager's page writes both exercise the same
// erase/program discipline the real controller enforces.
package flash

import (
	"errors"
	"log/slog"
)

var (
	ErrOutOfRange = errors.New("flash: address out of range")
	ErrUnaligned  = errors.New("flash: page address not page-aligned")
	ErrNotErased  = errors.New("flash: cannot set bit without erasing page first")
)

// Reader reads back programmed (or erased) bytes.
type Reader interface {
	Read(address uint32, length int) ([]byte, error)
}

// Writer is the program/erase contract: program, page erase, status
// reported via returned errors. A failed operation leaves the device in
// a consistent state; callers abort and log rather than retry blindly.
type Writer interface {
	Write(address uint32, data []byte) error
	ErasePage(pageAddress uint32) error
	PageSize() uint32
}

// Device is the combined read/write contract the NVS store, the image
// validator, and the firmware manager are built against.
type Device interface {
	Reader
	Writer
}

// Sim is an in-memory flash region simulator used for both the host
// simulation rig and tests.
type Sim struct {
	logger   *slog.Logger
	base     uint32
	pageSize uint32
	mem      []byte
}

// NewSim returns a Sim covering [base, base+size) with the given erase
// granularity, initialized to the erased state (all bits set).
func NewSim(base, size, pageSize uint32, logger *slog.Logger) *Sim {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sim{
		logger:   logger.With("service", "[FLASH]"),
		base:     base,
		pageSize: pageSize,
		mem:      make([]byte, size),
	}
	for i := range s.mem {
		s.mem[i] = 0xFF
	}
	return s
}

// PageSize returns the erase granularity.
func (s *Sim) PageSize() uint32 {
	return s.pageSize
}

// ErasePage resets one page-aligned page to the erased state (0xFF
// bytes).
func (s *Sim) ErasePage(pageAddress uint32) error {
	off, err := s.offset(pageAddress)
	if err != nil {
		return err
	}
	if off%s.pageSize != 0 {
		return ErrUnaligned
	}
	if uint64(off)+uint64(s.pageSize) > uint64(len(s.mem)) {
		return ErrOutOfRange
	}
	for i := uint32(0); i < s.pageSize; i++ {
		s.mem[off+i] = 0xFF
	}
	s.logger.Debug("erased page", "address", pageAddress)
	return nil
}

// Write programs data at address. Each destination byte must already
// hold a superset of the bits being written (i.e. the page must have
// been erased since the last time any now-0 bit was last a 1); otherwise
// the write fails the same way a real program operation reports a status
// error after its unlock/program/lock sequence.
func (s *Sim) Write(address uint32, data []byte) error {
	off, err := s.offset(address)
	if err != nil {
		return err
	}
	if uint64(off)+uint64(len(data)) > uint64(len(s.mem)) {
		return ErrOutOfRange
	}
	for i, b := range data {
		cur := s.mem[int(off)+i]
		if cur&b != b {
			s.logger.Error("write failed, page not erased", "address", address+uint32(i))
			return ErrNotErased
		}
	}
	for i, b := range data {
		s.mem[int(off)+i] = b
	}
	return nil
}

// Read returns a copy of length bytes starting at address.
func (s *Sim) Read(address uint32, length int) ([]byte, error) {
	off, err := s.offset(address)
	if err != nil {
		return nil, err
	}
	if uint64(off)+uint64(length) > uint64(len(s.mem)) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, s.mem[off:int(off)+length])
	return out, nil
}

func (s *Sim) offset(address uint32) (uint32, error) {
	if address < s.base {
		return 0, ErrOutOfRange
	}
	off := address - s.base
	if off >= uint32(len(s.mem)) {
		return 0, ErrOutOfRange
	}
	return off, nil
}

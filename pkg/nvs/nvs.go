// Package nvs implements the wear-leveled, crash-safe key/value store
// CANDrive keeps its runtime configuration in: two (or more) flash
// pages, one active at a time, each holding a small header followed by a
// packed run of items. Writes append; the newest valid item for a hash
// wins; a full page is compacted into the next page in rotation,
// skipping superseded and deleted entries.
package nvs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/candrive/firmware/internal/crc"
	"github.com/candrive/firmware/pkg/flash"
)

// Page states stored in the page header.
const (
	pageErased uint32 = 0
	pageInUse  uint32 = 0x0C00FFE0
)

// Item status values. Deleting an item clears itemUsed's bits to
// itemDeleted in place; 0xFFFF narrowing to 0x0000 is the one direction
// flash can be programmed without an erase.
const (
	itemDeleted uint16 = 0
	itemUsed    uint16 = 0xFFFF
)

// pageHeaderSize is state(4) + sequence_number(4) + crc(4).
const pageHeaderSize = 12

// pageHeaderSizeWithoutCRC is the span the page-header CRC is computed
// over.
const pageHeaderSizeWithoutCRC = 8

// itemHeaderSize is hash(4) + size(2) + status(2) + crc(4).
const itemHeaderSize = 12

// itemCRCSize is the span the item CRC is computed over: hash + size,
// but not status or the crc itself. Excluding status is what lets Remove
// flip it from Used to Deleted in place without invalidating the item's
// CRC and truncating the scan.
const itemCRCSize = 6

var (
	ErrKeyNotFound   = errors.New("nvs: key not found")
	ErrValueTooLarge = errors.New("nvs: value too large for an item")
	ErrPageFull      = errors.New("nvs: active page exhausted and no free page available")
	ErrCorruptPage   = errors.New("nvs: write to active page failed, page corrupt")
)

type pageHeader struct {
	state     uint32
	sequence  uint32
	headerCRC uint32
}

func (h pageHeader) marshal() []byte {
	buf := make([]byte, pageHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.state)
	binary.LittleEndian.PutUint32(buf[4:8], h.sequence)
	binary.LittleEndian.PutUint32(buf[8:12], h.headerCRC)
	return buf
}

func unmarshalPageHeader(buf []byte) pageHeader {
	return pageHeader{
		state:     binary.LittleEndian.Uint32(buf[0:4]),
		sequence:  binary.LittleEndian.Uint32(buf[4:8]),
		headerCRC: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func (h pageHeader) computeCRC() uint32 {
	buf := h.marshal()
	return crc.Calculate(buf[:pageHeaderSizeWithoutCRC])
}

type item struct {
	hash   uint32
	size   uint16
	status uint16
	crc    uint32
}

func (it item) marshal() []byte {
	buf := make([]byte, itemHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], it.hash)
	binary.LittleEndian.PutUint16(buf[4:6], it.size)
	binary.LittleEndian.PutUint16(buf[6:8], it.status)
	binary.LittleEndian.PutUint32(buf[8:12], it.crc)
	return buf
}

func unmarshalItem(buf []byte) item {
	return item{
		hash:   binary.LittleEndian.Uint32(buf[0:4]),
		size:   binary.LittleEndian.Uint16(buf[4:6]),
		status: binary.LittleEndian.Uint16(buf[6:8]),
		crc:    binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func (it item) computeCRC() uint32 {
	buf := it.marshal()
	return crc.Calculate(buf[:itemCRCSize])
}

// Hash computes the 32-bit FNV-1a hash CANDrive uses to key NVS entries.
func Hash(key string) uint32 {
	const offset uint32 = 2166136261
	const prime uint32 = 16777619
	h := offset
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime
	}
	return h
}

// Store is a wear-leveled key/value store over a flash.Device region
// spanning numPages contiguous pages starting at startAddress.
type Store struct {
	dev           flash.Device
	logger        *slog.Logger
	startAddress  uint32
	pageSize      uint32
	numPages      uint32
	activePage    uint32
	activeSeq     uint32
	activeAddress uint32 // offset within activePage, including header
}

// Open scans every page for the highest valid sequence number, adopts it
// as active, and if none is found (or the active page's header is
// corrupt), erases and reinitializes it.
func Open(dev flash.Device, startAddress uint32, numPages uint32, logger *slog.Logger) (*Store, error) {
	if numPages < 2 {
		return nil, fmt.Errorf("nvs: need at least 2 pages, got %d", numPages)
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dev:          dev,
		logger:       logger.With("service", "[NVS]"),
		startAddress: startAddress,
		pageSize:     dev.PageSize(),
		numPages:     numPages,
		activePage:   startAddress,
	}

	if err := s.findActivePage(); err != nil {
		return nil, err
	}
	addr, err := s.activeAddressOf(s.activePage)
	if err != nil {
		return nil, err
	}
	s.activeAddress = addr

	hdr, err := s.readPageHeader(s.activePage)
	if err != nil {
		return nil, err
	}
	if hdr.state != pageInUse || hdr.headerCRC != hdr.computeCRC() {
		s.logger.Debug("reset page", "page_address", s.activePage)
		if err := s.dev.ErasePage(s.activePage); err != nil {
			return nil, err
		}
		hdr = pageHeader{state: pageInUse, sequence: s.activeSeq}
		hdr.headerCRC = hdr.computeCRC()
		if err := s.dev.Write(s.activePage, hdr.marshal()); err != nil {
			return nil, err
		}
		s.activeAddress = pageHeaderSize
	}

	s.logger.Info("nvs initialized", "page_address", s.activePage, "sequence_number", s.activeSeq, "active_offset", s.activeAddress)
	return s, nil
}

func (s *Store) pageAddress(index uint32) uint32 {
	return s.startAddress + index*s.pageSize
}

func (s *Store) nextPageAddress() uint32 {
	next := s.activePage + s.pageSize
	if next >= s.startAddress+s.numPages*s.pageSize {
		next = s.startAddress
	}
	return next
}

func (s *Store) readPageHeader(address uint32) (pageHeader, error) {
	buf, err := s.dev.Read(address, pageHeaderSize)
	if err != nil {
		return pageHeader{}, err
	}
	return unmarshalPageHeader(buf), nil
}

func (s *Store) findActivePage() error {
	for i := uint32(0); i < s.numPages; i++ {
		address := s.pageAddress(i)
		hdr, err := s.readPageHeader(address)
		if err != nil {
			return err
		}
		if hdr.state == pageInUse && hdr.sequence > s.activeSeq && hdr.headerCRC == hdr.computeCRC() {
			s.activeSeq = hdr.sequence
			s.activePage = address
		}
	}
	return nil
}

// activeAddressOf scans from the start of the page's item area forward
// until the first item whose CRC doesn't validate, which is taken as the
// end of the log.
func (s *Store) activeAddressOf(pageAddress uint32) (uint32, error) {
	offset := uint32(pageHeaderSize)
	for offset+itemHeaderSize <= s.pageSize {
		buf, err := s.dev.Read(pageAddress+offset, itemHeaderSize)
		if err != nil {
			return 0, err
		}
		it := unmarshalItem(buf)
		if it.crc != it.computeCRC() {
			break
		}
		offset += itemHeaderSize + uint32(it.size)
	}
	return offset, nil
}

// Store writes a uint32 value under key, compacting onto the next page
// first if the active page cannot fit the new item.
func (s *Store) Store(key string, value uint32) error {
	const valueSize = 4
	if s.activeAddress+itemHeaderSize+valueSize > s.pageSize {
		if err := s.moveItemsToNewPage(); err != nil {
			return err
		}
	}
	if s.activeAddress+itemHeaderSize+valueSize > s.pageSize {
		return ErrPageFull
	}

	it := item{hash: Hash(key), status: itemUsed, size: valueSize}
	it.crc = it.computeCRC()

	destination := s.activePage + s.activeAddress
	valueBuf := make([]byte, valueSize)
	binary.LittleEndian.PutUint32(valueBuf, value)

	if err := s.dev.Write(destination, it.marshal()); err != nil {
		s.logger.Error("corrupt page", "page_address", s.activePage)
		return fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}
	if err := s.dev.Write(destination+itemHeaderSize, valueBuf); err != nil {
		s.logger.Error("corrupt page", "page_address", s.activePage)
		return fmt.Errorf("%w: %v", ErrCorruptPage, err)
	}

	s.activeAddress += itemHeaderSize + valueSize
	s.logger.Debug("store", "key", key, "value", value, "hash", it.hash, "destination", destination)
	return nil
}

// Retrieve returns the most recently stored, non-deleted value for key.
func (s *Store) Retrieve(key string) (uint32, error) {
	hash := Hash(key)
	value, ok, err := s.valueByHash(s.activePage, hash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrKeyNotFound
	}
	return value, nil
}

// Remove tombstones the item for key in place by clearing its status
// field. It is a no-op (returning ErrKeyNotFound) if the key isn't
// present.
func (s *Store) Remove(key string) error {
	hash := Hash(key)
	offset := uint32(pageHeaderSize)
	found := false
	for offset+itemHeaderSize <= s.pageSize {
		address := s.activePage + offset
		buf, err := s.dev.Read(address, itemHeaderSize)
		if err != nil {
			return err
		}
		it := unmarshalItem(buf)
		if it.crc != it.computeCRC() {
			break
		}
		if it.hash == hash && it.status == itemUsed {
			const statusOffset = 6
			statusBuf := make([]byte, 2)
			binary.LittleEndian.PutUint16(statusBuf, itemDeleted)
			if err := s.dev.Write(address+statusOffset, statusBuf); err != nil {
				return fmt.Errorf("nvs: failed to remove key %q: %w", key, err)
			}
			found = true
		}
		offset += itemHeaderSize + uint32(it.size)
	}
	if !found {
		return ErrKeyNotFound
	}
	return nil
}

// Clear erases every page owned by the store and reinitializes it.
func (s *Store) Clear() error {
	s.logger.Info("clear non-volatile storage")
	for i := uint32(0); i < s.numPages; i++ {
		address := s.pageAddress(i)
		if err := s.dev.ErasePage(address); err != nil {
			return fmt.Errorf("nvs: erase failed at 0x%x: %w", address, err)
		}
	}
	fresh, err := Open(s.dev, s.startAddress, s.numPages, s.logger)
	if err != nil {
		return err
	}
	*s = *fresh
	return nil
}

func (s *Store) valueByHash(pageAddress, hash uint32) (uint32, bool, error) {
	offset := uint32(pageHeaderSize)
	var value uint32
	found := false
	for offset+itemHeaderSize <= s.pageSize {
		address := pageAddress + offset
		buf, err := s.dev.Read(address, itemHeaderSize)
		if err != nil {
			return 0, false, err
		}
		it := unmarshalItem(buf)
		if it.crc != it.computeCRC() {
			break
		}
		if it.hash == hash && it.status == itemUsed {
			dataBuf, err := s.dev.Read(address+itemHeaderSize, int(it.size))
			if err != nil {
				return 0, false, err
			}
			if len(dataBuf) >= 4 {
				value = binary.LittleEndian.Uint32(dataBuf)
			}
			found = true
		}
		offset += itemHeaderSize + uint32(it.size)
	}
	return value, found, nil
}

// moveItemsToNewPage compacts every still-live item (the newest write per
// hash that hasn't been tombstoned) onto the next page in rotation. This
// is the only point where stale values are dropped.
func (s *Store) moveItemsToNewPage() error {
	next := s.nextPageAddress()
	s.logger.Info("move items to new page", "active_page_address", s.activePage, "new_page_address", next)

	if err := s.dev.ErasePage(next); err != nil {
		return err
	}

	destination := next + pageHeaderSize
	offset := uint32(pageHeaderSize)
	for offset+itemHeaderSize <= s.pageSize {
		address := s.activePage + offset
		buf, err := s.dev.Read(address, itemHeaderSize)
		if err != nil {
			return err
		}
		it := unmarshalItem(buf)
		if it.crc != it.computeCRC() {
			break
		}

		value, ok, err := s.valueByHash(s.activePage, it.hash)
		if err != nil {
			return err
		}
		if ok {
			if _, alreadyMoved, err := s.valueByHash(next, it.hash); err != nil {
				return err
			} else if !alreadyMoved {
				valueBuf := make([]byte, 4)
				binary.LittleEndian.PutUint32(valueBuf, value)
				if err := s.dev.Write(destination, it.marshal()); err != nil {
					return err
				}
				if err := s.dev.Write(destination+itemHeaderSize, valueBuf); err != nil {
					return err
				}
				destination += itemHeaderSize + uint32(it.size)
			}
		}

		offset += itemHeaderSize + uint32(it.size)
	}

	hdr := pageHeader{state: pageInUse, sequence: s.activeSeq + 1}
	hdr.headerCRC = hdr.computeCRC()
	if err := s.dev.Write(next, hdr.marshal()); err != nil {
		return err
	}

	s.activeSeq = hdr.sequence
	s.activePage = next
	s.activeAddress = destination - next

	s.logger.Info("items moved to new page", "page_address", s.activePage, "sequence_number", s.activeSeq, "active_offset", s.activeAddress)
	return nil
}

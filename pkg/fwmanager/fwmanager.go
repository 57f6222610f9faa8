// Package fwmanager implements the framed firmware-update protocol that
// runs over an ISO-TP link: query firmware info, request a reset,
// request an update, and stream a new image into the upgrade flash
// region page-by-page. Requests carry a 16-byte little-endian header
// whose last word is a CRC-32 over the first twelve bytes; anything that
// fails validation is dropped with a warning and no response.
package fwmanager

import (
	"encoding/binary"
	"log/slog"

	"github.com/candrive/firmware/internal/crc"
	"github.com/candrive/firmware/pkg/can"
	"github.com/candrive/firmware/pkg/flash"
	"github.com/candrive/firmware/pkg/isotp"
	"github.com/candrive/firmware/pkg/nvcom"
)

// PageSize is the flash erase granularity the upgrade region is written
// in.
const PageSize = 1024

// RxBufferSize/TxBufferSize size the ISO-TP link's reassembly buffers.
// RxBufferSize must exceed PageSize so a full page of image data can sit
// buffered while the previous chunk is still being programmed;
// TxBufferSize must hold the largest response, the firmware-info
// message.
const (
	RxBufferSize = 1152
	TxBufferSize = 128
)

// dataChunkSize is how many reassembled bytes are drained from the link
// per flash write while an image download is active.
const dataChunkSize = 128

// headerSize is type(4) + size(4) + payload_crc(4) + header_crc(4).
const headerSize = 16

// imageSize is version(4) + size(4) + crc(4), the payload that follows a
// ReqFWHeader request.
const imageSize = 12

// MsgType identifies a firmware-update request.
type MsgType uint32

const (
	ReqFWInfo MsgType = iota
	ReqReset
	ReqUpdate
	ReqFWHeader
	ReqFWData
	ReqEnd
)

type downloadState int

const (
	downloadIdle downloadState = iota
	downloadActive
)

type payloadInfo struct {
	size          uint32
	receivedBytes uint32
	crc           uint32
	state         downloadState
}

// Info is the static firmware identity reported in response to
// ReqFWInfo; encodeInfo lays it out in the packed wire format.
type Info struct {
	Version           string
	HardwareRevision  uint32
	Name              string
	BoardID           [3]uint32
	GitSHA            string
	UpgradeMemoryAddr uint32
}

// Resetter triggers a device reset.
type Resetter interface {
	Reset()
}

// AllowedFunc gates a reset or update request; returning false refuses
// the action. A nil AllowedFunc is treated as always-allowed.
type AllowedFunc func() bool

// Manager runs the firmware-update protocol over one ISO-TP link.
type Manager struct {
	logger *slog.Logger
	link   *isotp.Link
	dev    flash.Device
	nvcom  *nvcom.Store
	reset  Resetter
	info   Info

	resetAllowed  AllowedFunc
	updateAllowed AllowedFunc

	upgradeBaseAddress uint32
	payload            payloadInfo
	pageIndex          uint32
	txActive           bool
	active             bool
}

// New binds an ISO-TP link (rxID/txID are the firmware-update
// transport's CAN IDs) and constructs a Manager ready to process
// requests.
func New(bus *can.Dispatcher, clock isotp.Clock, rxID, txID uint32, dev flash.Device, upgradeBaseAddress uint32, nvcomStore *nvcom.Store, reset Resetter, info Info, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:             logger.With("service", "[FWMAN]"),
		dev:                dev,
		nvcom:              nvcomStore,
		reset:              reset,
		info:               info,
		upgradeBaseAddress: upgradeBaseAddress,
		active:             true,
	}
	m.link = isotp.NewLink(bus, clock, rxID, txID, RxBufferSize, TxBufferSize, m.onRxStatus, m.onTxStatus, logger)
	m.logger.Info("firmware manager initialized", "version", info.Version, "upgrade_address", upgradeBaseAddress)
	return m
}

// SetResetAllowed installs the predicate consulted before honoring a
// ReqReset request. A nil fn restores the always-allowed default.
func (m *Manager) SetResetAllowed(fn AllowedFunc) {
	m.resetAllowed = fn
}

// SetUpdateAllowed installs the predicate consulted before honoring a
// ReqUpdate request. A nil fn restores the always-allowed default.
func (m *Manager) SetUpdateAllowed(fn AllowedFunc) {
	m.updateAllowed = fn
}

// Active reports whether the link is still servicing requests. It goes
// false once a ReqReset has been handled.
func (m *Manager) Active() bool {
	return m.active
}

// DownloadActive reports whether an image download is in progress.
func (m *Manager) DownloadActive() bool {
	return m.payload.state == downloadActive
}

// Update drives the underlying ISO-TP link's state machine. Call it from
// the main polling loop.
func (m *Manager) Update() {
	m.link.Process()
}

// Handle forwards a received CAN frame to the ISO-TP link.
func (m *Manager) Handle(frame can.Frame) {
	m.link.Handle(frame)
}

func (m *Manager) onRxStatus(status isotp.Status) {
	switch status {
	case isotp.StatusDone:
		m.handleMessage()
	case isotp.StatusWaiting:
		// Nothing to do; ISO-TP handles its own timeout.
	default:
		m.logger.Warn("failed to receive", "status", status)
		m.payload.state = downloadIdle
	}
}

func (m *Manager) onTxStatus(status isotp.Status) {
	if status != isotp.StatusDone {
		m.logger.Warn("failed to send", "status", status)
	} else {
		m.logger.Debug("send done")
	}
	m.txActive = false
}

func (m *Manager) handleMessage() {
	buf := make([]byte, headerSize)
	n := m.link.Receive(buf)
	if n != headerSize {
		m.logger.Error("incomplete header", "size", n)
		return
	}

	msgType := MsgType(binary.LittleEndian.Uint32(buf[0:4]))
	size := binary.LittleEndian.Uint32(buf[4:8])
	payloadCRC := binary.LittleEndian.Uint32(buf[8:12])
	headerCRC := binary.LittleEndian.Uint32(buf[12:16])

	computed := crc.Calculate(buf[:12])
	if headerCRC != computed {
		m.logger.Error("CRC mismatch", "crc", headerCRC, "expected_crc", computed)
		return
	}

	switch msgType {
	case ReqFWInfo:
		m.onReqFirmwareInformation()
	case ReqReset:
		m.onReqReset()
	case ReqUpdate:
		m.onReqUpdate()
	case ReqFWHeader:
		m.onFirmwareHeader(payloadCRC)
	case ReqFWData:
		m.onFirmwareData(size)
	default:
		m.logger.Warn("unknown type", "type", msgType)
	}
}

func (m *Manager) onReqFirmwareInformation() {
	data := encodeInfo(m.info)
	m.link.Send(data)
	m.txActive = true
}

func (m *Manager) onReqReset() {
	if m.resetAllowed != nil && !m.resetAllowed() {
		m.logger.Warn("reset refused")
		return
	}
	m.logger.Info("restart on request")
	m.active = false
	m.reset.Reset()
}

// onReqUpdate marks the NVCom flag the bootloader checks on its next
// boot to decide whether to stay resident in update mode, then resets.
// The actual image download happens over this same protocol once the
// bootloader is servicing it.
func (m *Manager) onReqUpdate() {
	if m.updateAllowed != nil && !m.updateAllowed() {
		m.logger.Warn("update refused")
		return
	}
	data := m.nvcom.Data()
	data.RequestFirmwareUpdate = true
	m.nvcom.SetData(data)
	m.logger.Info("firmware update requested, restarting")
	m.active = false
	m.reset.Reset()
}

func (m *Manager) onFirmwareHeader(payloadCRC uint32) {
	buf := make([]byte, imageSize)
	n := m.link.Receive(buf)
	if n != imageSize {
		return
	}

	if m.updateAllowed != nil && !m.updateAllowed() {
		m.logger.Warn("update refused")
		return
	}

	size := binary.LittleEndian.Uint32(buf[4:8])
	imgCRC := binary.LittleEndian.Uint32(buf[8:12])
	computed := crc.Calculate(buf)

	m.logger.Info("download started", "size", size, "data_crc", imgCRC, "crc", payloadCRC, "expected_crc", computed)

	if payloadCRC != computed {
		m.logger.Error("CRC mismatch", "crc", payloadCRC, "expected_crc", computed)
		return
	}

	pageAddress := m.pageAddress(0)
	if err := m.dev.ErasePage(pageAddress); err != nil {
		m.logger.Error("erase failed", "address", pageAddress, "error", err)
		return
	}

	m.payload = payloadInfo{size: size, crc: imgCRC, state: downloadActive}
	m.pageIndex = 0
}

func (m *Manager) pageAddress(pageIndex uint32) uint32 {
	return pageIndex*PageSize + m.upgradeBaseAddress
}

func (m *Manager) onFirmwareData(_ uint32) {
	data := make([]byte, dataChunkSize)
	for m.payload.state == downloadActive {
		n := m.link.Receive(data)
		if n == 0 {
			break
		}

		address := m.upgradeBaseAddress + m.payload.receivedBytes
		numberOfPages := (m.payload.size + PageSize - 1) / PageSize
		pageIndex := m.payload.receivedBytes / PageSize
		m.logger.Debug("data", "received_bytes", m.payload.receivedBytes, "pages", numberOfPages, "page_index", pageIndex, "address", address)

		m.payload.receivedBytes += uint32(n)
		m.storeData(address, data[:n])
	}
}

func (m *Manager) storeData(address uint32, data []byte) {
	if err := m.dev.Write(address, data); err != nil {
		m.logger.Error("abort download", "error", err)
		m.payload.state = downloadIdle
		return
	}

	if m.payload.receivedBytes >= m.payload.size {
		m.logger.Info("download complete")
		m.payload.state = downloadIdle
		return
	}
	m.updatePageIndex()
}

func (m *Manager) updatePageIndex() {
	nextPageIndex := m.payload.receivedBytes / PageSize
	if m.pageIndex == nextPageIndex {
		return
	}
	pageAddress := m.pageAddress(nextPageIndex)
	if err := m.dev.ErasePage(pageAddress); err != nil {
		m.logger.Error("abort download", "error", err)
		m.payload.state = downloadIdle
		return
	}
	m.pageIndex = nextPageIndex
}

// encodeInfo lays out the ReqFWInfo response: type word, version string,
// hardware revision, board name, the board id triple, the git sha, and
// the upgrade region's base address. Strings are null-padded fixed-width
// fields; integers are little-endian.
func encodeInfo(info Info) []byte {
	buf := make([]byte, 4+32+4+16+12+14+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ReqFWInfo))
	copy(buf[4:36], info.Version)
	binary.LittleEndian.PutUint32(buf[36:40], info.HardwareRevision)
	copy(buf[40:56], info.Name)
	binary.LittleEndian.PutUint32(buf[56:60], info.BoardID[0])
	binary.LittleEndian.PutUint32(buf[60:64], info.BoardID[1])
	binary.LittleEndian.PutUint32(buf[64:68], info.BoardID[2])
	copy(buf[68:82], info.GitSHA)
	binary.LittleEndian.PutUint32(buf[82:86], info.UpgradeMemoryAddr)
	return buf
}

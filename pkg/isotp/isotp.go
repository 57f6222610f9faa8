// Package isotp implements the ISO 15765-2 (ISO-TP) transport protocol:
// segmentation and reassembly of payloads up to 4095 bytes over 8-byte CAN
// frames, with flow control, block-size/separation-time pacing, and
// timeouts. A Link owns one RX endpoint and one TX endpoint, each a small
// state machine driven from Process(); the CAN receive path only enqueues
// frames, so all protocol state changes happen on the caller's polling
// goroutine.
package isotp

import (
	"log/slog"
	"sync"

	"github.com/candrive/firmware/internal/fifo"
	"github.com/candrive/firmware/internal/stream"
	"github.com/candrive/firmware/pkg/can"
	"github.com/candrive/firmware/pkg/systime"
)

const (
	sfDataLength = 7
	ffDataLength = 6
	cfDataLength = 7

	// WaitFrameMax is the maximum number of FC(Wait) frames tolerated
	// before a transfer is aborted: consecutive ones on the TX side, all
	// of a transfer's on the RX side.
	WaitFrameMax = 10

	cfTimeoutMs = 1000
	fcTimeoutMs = 1000
	waitPollMs  = 100

	frameFifoCapacity = 5

	// maxPayloadSize is the 12-bit length limit of a First Frame.
	maxPayloadSize = 4095
)

// Status is the event a Link reports to its owner after process().
type Status int

const (
	StatusDone Status = iota
	StatusWaiting
	StatusTimeout
	StatusLostFrame
	StatusOverflowAbort
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "Done"
	case StatusWaiting:
		return "Waiting"
	case StatusTimeout:
		return "Timeout"
	case StatusLostFrame:
		return "LostFrame"
	case StatusOverflowAbort:
		return "OverflowAbort"
	default:
		return "Unknown"
	}
}

// StatusCallback is invoked only from Process() or Send(), never from
// the CAN listener, and always after the link has released its own lock,
// so a callback may call back into Send/Receive.
type StatusCallback func(Status)

// pendingEvent is a status notification queued while the link lock is
// held, delivered once it is released.
type pendingEvent struct {
	cb     StatusCallback
	status Status
}

type frameType uint8

const (
	frameSingle frameType = iota
	frameFirst
	frameConsecutive
	frameFlowControl
	frameTypeEnd
)

func frameTypeOf(data byte) frameType {
	code := frameType(data >> 4)
	if code < frameTypeEnd {
		return code
	}
	return frameTypeEnd
}

type flowControlFlag uint8

const (
	fcContinueToSend flowControlFlag = iota
	fcWait
	fcOverflowAbort
)

type rxState int

const (
	rxWaitForFFSF rxState = iota
	rxWaitForCF
	rxWait
)

type txState int

const (
	txInactive txState = iota
	txSendCF
	txWaitForST
	txWaitForFC
)

// Clock abstracts pkg/systime.System so tests can drive time explicitly.
type Clock interface {
	GetSystemTime() uint32
	GetSystemTimeUs() uint32
}

type rxLink struct {
	state          rxState
	stream         *stream.Stream
	frameFifo      *fifo.Fifo[can.Frame]
	sequenceNumber uint8
	blockCount     uint8
	blockSize      uint8
	payloadSize    uint16
	receivedBytes  uint16
	waitFrameCount uint8
	waitTimer      uint32
	separationTime uint8 // ST byte this end advertises in its own FC frames
	callback       StatusCallback
	active         bool
}

type txLink struct {
	state            txState
	stream           *stream.Stream
	frameFifo        *fifo.Fifo[can.Frame]
	sequenceNumber   uint8
	blockCount       uint8
	blockSize        uint8
	payloadSize      uint16
	sentBytes        uint16
	separationTimeUs uint32
	waitFrameCount   uint8
	waitTimer        uint32
	callback         StatusCallback
	active           bool
}

// Link owns one ISO-TP endpoint: an RX sub-link reassembling payloads
// arriving on rxID, and a TX sub-link segmenting payloads sent on txID.
// Flow-control frames for an in-flight send also arrive on rxID, the ID
// this endpoint listens on, so both sub-links share the same frame
// source.
type Link struct {
	mu     sync.Mutex
	logger *slog.Logger
	clock  Clock
	bus    *can.Dispatcher

	rxID uint32
	txID uint32

	rx rxLink
	tx txLink

	pending []pendingEvent

	cancelSub func()
}

// NewLink binds rxID/txID to a fresh Link, programs an accept-filter for
// rxID, and subscribes to the dispatcher. rxBufSize/txBufSize size the
// byte streams backing reassembly/segmentation.
func NewLink(bus *can.Dispatcher, clock Clock, rxID, txID uint32, rxBufSize, txBufSize int, rxCallback, txCallback StatusCallback, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Link{
		logger: logger.With("service", "[ISOTP]"),
		clock:  clock,
		bus:    bus,
		rxID:   rxID,
		txID:   txID,
		rx: rxLink{
			stream:    stream.New(rxBufSize),
			frameFifo: fifo.New[can.Frame](frameFifoCapacity),
			state:     rxWaitForFFSF,
			callback:  rxCallback,
			active:    true,
		},
		tx: txLink{
			stream:    stream.New(txBufSize),
			frameFifo: fifo.New[can.Frame](frameFifoCapacity),
			state:     txInactive,
			callback:  txCallback,
			active:    false,
		},
	}
	l.bus.AddFilter(can.Filter{ID: rxID, Mask: can.CanSffMask})
	l.cancelSub = l.bus.Subscribe(rxID, l)
	l.logger.Info("link initialized", "rx_id", rxID, "tx_id", txID)
	return l
}

// Close removes this link's CAN subscription.
func (l *Link) Close() {
	if l.cancelSub != nil {
		l.cancelSub()
	}
}

// SetSeparationTime sets the separation-time byte this link advertises
// in its own outgoing flow-control frames.
func (l *Link) SetSeparationTime(st uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rx.separationTime = st
}

// Handle implements can.FrameListener. It must never block: it only
// pushes into the per-sub-link FIFOs. State transitions happen only
// inside Process().
func (l *Link) Handle(frame can.Frame) {
	if frame.ID != l.rxID {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rx.active && !l.rx.frameFifo.Push(frame) {
		l.logger.Warn("discarded frame, rx fifo full", "frame_id", frame.ID)
	}
	if l.tx.active && !l.tx.frameFifo.Push(frame) {
		l.logger.Warn("discarded frame, tx fifo full", "frame_id", frame.ID)
	}
}

// Process drives both sub-state-machines. Call frequently from the
// cooperative main loop.
func (l *Link) Process() {
	l.mu.Lock()
	l.processRx()
	l.processTx()
	pending := l.takePending()
	l.mu.Unlock()
	deliver(pending)
}

// notifyRx queues a status event for the RX owner; notifyTx likewise for
// the TX owner. Events are delivered after the link lock is released so
// an owner's callback may call Send/Receive without deadlocking.
func (l *Link) notifyRx(status Status) {
	if l.rx.callback != nil {
		l.pending = append(l.pending, pendingEvent{cb: l.rx.callback, status: status})
	}
}

func (l *Link) notifyTx(status Status) {
	if l.tx.callback != nil {
		l.pending = append(l.pending, pendingEvent{cb: l.tx.callback, status: status})
	}
}

func (l *Link) takePending() []pendingEvent {
	pending := l.pending
	l.pending = nil
	return pending
}

func deliver(events []pendingEvent) {
	for _, e := range events {
		e.cb(e.status)
	}
}

// Send queues a payload for transmission. It fails if a send is already
// in flight or the payload does not fit the TX stream's capacity.
func (l *Link) Send(data []byte) bool {
	l.mu.Lock()
	ok := l.send(data)
	pending := l.takePending()
	l.mu.Unlock()
	deliver(pending)
	return ok
}

func (l *Link) send(data []byte) bool {
	if l.tx.state != txInactive {
		return false
	}
	if len(data) > maxPayloadSize {
		return false
	}
	if len(data) <= sfDataLength {
		return l.sendSingleFrame(data)
	}
	if l.tx.stream.Write(data) != len(data) {
		return false
	}
	if !l.sendFirstFrame(len(data)) {
		return false
	}
	l.tx.state = txWaitForFC
	l.tx.waitFrameCount = 0
	l.tx.active = true
	return true
}

// Receive drains up to len(dst) reassembled bytes.
func (l *Link) Receive(dst []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rx.stream.Read(dst)
}

// ---- RX state machine ----

func (l *Link) processRx() {
	switch l.rx.state {
	case rxWaitForFFSF:
		l.checkForFirstAndSingleFrame()
	case rxWaitForCF:
		l.checkForConsecutiveFrame()
	case rxWait:
		l.checkIfReadyForData()
	}
}

func (l *Link) checkForFirstAndSingleFrame() {
	frame, ok := l.rx.frameFifo.Pop()
	if !ok {
		return
	}
	switch frameTypeOf(frame.Data[0]) {
	case frameSingle:
		l.handleSingleFrame(frame)
	case frameFirst:
		l.handleFirstFrame(frame)
	}
}

func (l *Link) handleSingleFrame(frame can.Frame) {
	size := int(frame.Data[0] & 0x0F)
	l.logger.Debug("received SF", "size", size)
	if size <= l.rx.stream.Space() {
		l.rx.stream.Write(frame.Data[1 : 1+size])
		l.notifyRx(StatusDone)
	} else {
		l.rx.stream.Clear()
		l.notifyRx(StatusOverflowAbort)
		l.logger.Error("rx stream full")
	}
}

func (l *Link) handleFirstFrame(frame can.Frame) {
	totalSize := uint16(frame.Data[1]) | uint16(frame.Data[0]&0x0F)<<8
	l.logger.Debug("received FF", "total_size", totalSize)
	l.rx.payloadSize = totalSize
	if ffDataLength <= l.rx.stream.Space() {
		l.rx.stream.Write(frame.Data[2 : 2+ffDataLength])
		l.rx.sequenceNumber = 1
		l.rx.receivedBytes = ffDataLength
		l.rx.blockCount = 0
		l.rx.waitFrameCount = 0
		l.rx.state = rxWaitForCF
		l.sendFlowControl(fcContinueToSend)
	} else {
		l.sendFlowControl(fcOverflowAbort)
		l.rx.stream.Clear()
		l.notifyRx(StatusOverflowAbort)
		l.logger.Error("rx stream full")
	}
}

func (l *Link) checkForConsecutiveFrame() {
	frame, ok := l.rx.frameFifo.Pop()
	if ok && frameTypeOf(frame.Data[0]) == frameConsecutive {
		l.handleConsecutiveFrame(frame)
		return
	}
	if systime.GetDifference(l.rx.waitTimer, l.clock.GetSystemTime()) > cfTimeoutMs {
		l.rx.state = rxWaitForFFSF
		l.rx.stream.Clear()
		l.notifyRx(StatusTimeout)
		l.logger.Warn("timeout while waiting for CF")
	}
}

func (l *Link) handleConsecutiveFrame(frame can.Frame) {
	index := frame.Data[0] & 0x0F
	l.logger.Debug("received CF", "index", index)

	if index != l.rx.sequenceNumber {
		l.rx.state = rxWaitForFFSF
		l.rx.stream.Clear()
		l.notifyRx(StatusLostFrame)
		l.logger.Error("lost frame", "sn", index, "expected_sn", l.rx.sequenceNumber)
		return
	}

	remaining := int(l.rx.payloadSize) - int(l.rx.receivedBytes)
	if remaining > cfDataLength {
		remaining = cfDataLength
	}
	if remaining > l.rx.stream.Space() {
		l.sendFlowControl(fcOverflowAbort)
		l.rx.state = rxWaitForFFSF
		l.logger.Error("rx stream full")
		return
	}

	l.rx.stream.Write(frame.Data[1 : 1+remaining])
	l.rx.receivedBytes += uint16(remaining)
	l.rx.sequenceNumber = (l.rx.sequenceNumber + 1) % 16
	l.rx.blockCount++

	switch {
	case l.rx.receivedBytes == l.rx.payloadSize:
		l.rx.state = rxWaitForFFSF
		l.notifyRx(StatusDone)
		l.logger.Debug("transfer complete")
	case l.rx.blockCount == l.rx.blockSize:
		l.sendFlowControl(fcContinueToSend)
		l.rx.blockCount = 0
	default:
		l.logger.Debug("wait for CF", "received_bytes", l.rx.receivedBytes)
	}
}

// sendFlowControl emits an FC frame advertising the current block size.
// A ContinueToSend with no stream room degrades to Wait; waitFrameCount
// accumulates across the whole transfer (reset on the next First Frame),
// so the owner sees StatusWaiting once per transfer and a persistently
// stalled consumer still runs into the wait-frame limit.
func (l *Link) sendFlowControl(status flowControlFlag) {
	l.rx.blockSize = l.getBlockSize()
	flag := status
	if status == fcContinueToSend && l.rx.blockSize == 0 {
		l.logger.Warn("FC wait")
		flag = fcWait
		l.rx.waitFrameCount++
		l.rx.state = rxWait
		if l.rx.waitFrameCount == 1 {
			l.notifyRx(StatusWaiting)
		}
	}

	l.rx.waitTimer = l.clock.GetSystemTime()
	l.logger.Debug("send FC", "flag", flag, "bs", l.rx.blockSize, "st", l.rx.separationTime)
	data := []byte{byte(frameFlowControl)<<4 | byte(flag), l.rx.blockSize, l.rx.separationTime}
	_ = l.bus.Send(can.NewFrame(l.txID, data))
}

func (l *Link) checkIfReadyForData() {
	if systime.GetDifference(l.rx.waitTimer, l.clock.GetSystemTime()) <= waitPollMs {
		return
	}
	if l.rx.waitFrameCount < WaitFrameMax {
		l.rx.state = rxWaitForCF
		l.sendFlowControl(fcContinueToSend)
	} else {
		l.logger.Warn("timeout while waiting for data/frame space")
		l.rx.stream.Clear()
		l.sendFlowControl(fcOverflowAbort)
		l.rx.state = rxWaitForFFSF
		l.notifyRx(StatusTimeout)
	}
}

func (l *Link) getBlockSize() uint8 {
	remaining := int(l.rx.payloadSize) - int(l.rx.receivedBytes)
	slotSize := cfDataLength
	if remaining < slotSize {
		slotSize = remaining
	}
	availableStreamSlots := 0
	if slotSize > 0 {
		availableStreamSlots = l.rx.stream.Space() / slotSize
	}
	availableFrameSlots := l.rx.frameFifo.Cap() - l.rx.frameFifo.Len()

	if availableStreamSlots > availableFrameSlots {
		return uint8(availableFrameSlots)
	}
	if availableStreamSlots > 255 {
		return 255
	}
	return uint8(availableStreamSlots)
}

// ---- TX state machine ----

func (l *Link) processTx() {
	switch l.tx.state {
	case txInactive:
	case txSendCF:
		l.sendConsecutiveFrame()
	case txWaitForST:
		l.checkIfSeparationTimeElapsed()
	case txWaitForFC:
		l.checkForFlowControlFrame()
	}
}

func (l *Link) sendSingleFrame(data []byte) bool {
	l.logger.Debug("send SF", "total_size", len(data))
	frame := make([]byte, 1+len(data))
	frame[0] = byte(frameSingle)<<4 | byte(len(data)&0x0F)
	copy(frame[1:], data)
	if err := l.bus.Send(can.NewFrame(l.txID, frame)); err != nil {
		return false
	}
	l.notifyTx(StatusDone)
	return true
}

func (l *Link) sendFirstFrame(length int) bool {
	data := make([]byte, 2+ffDataLength)
	data[0] = byte(frameFirst)<<4 | byte((length>>8)&0x0F)
	data[1] = byte(length & 0xFF)
	l.tx.stream.Read(data[2:])
	l.logger.Debug("send FF", "total_size", length)
	if err := l.bus.Send(can.NewFrame(l.txID, data)); err != nil {
		return false
	}
	l.tx.sentBytes = ffDataLength
	l.tx.payloadSize = uint16(length)
	l.tx.sequenceNumber = 1
	l.tx.waitTimer = l.clock.GetSystemTime()
	return true
}

func (l *Link) checkIfSeparationTimeElapsed() {
	elapsed := l.clock.GetSystemTimeUs() - l.tx.waitTimer
	if elapsed >= l.tx.separationTimeUs {
		l.tx.state = txSendCF
	}
}

func (l *Link) checkForFlowControlFrame() {
	frame, ok := l.tx.frameFifo.Pop()
	if ok && frameTypeOf(frame.Data[0]) == frameFlowControl {
		l.handleFlowControlFrame(frame)
		return
	}
	if systime.GetDifference(l.tx.waitTimer, l.clock.GetSystemTime()) > fcTimeoutMs {
		l.tx.state = txInactive
		l.tx.active = false
		l.notifyTx(StatusTimeout)
		l.logger.Warn("timeout while waiting for FC")
	}
}

func (l *Link) handleFlowControlFrame(frame can.Frame) {
	flag := flowControlFlag(frame.Data[0] & 0x0F)
	blockSize := frame.Data[1]
	st := frame.Data[2]
	l.logger.Debug("received FC", "flag", flag, "bs", blockSize, "st", st)

	switch flag {
	case fcContinueToSend:
		l.tx.blockSize = blockSize
		l.tx.blockCount = 0
		l.tx.waitFrameCount = 0
		l.tx.separationTimeUs = separationTimeToUs(st)
		l.tx.state = txSendCF
	case fcWait:
		if l.tx.waitFrameCount >= WaitFrameMax {
			l.notifyTx(StatusTimeout)
			l.tx.state = txInactive
			l.tx.active = false
			l.logger.Warn("max number of wait indications exceeded", "wf_count", l.tx.waitFrameCount)
		} else {
			l.tx.state = txWaitForFC
			l.tx.waitFrameCount++
		}
	case fcOverflowAbort:
		l.notifyTx(StatusOverflowAbort)
		l.tx.state = txInactive
		l.tx.active = false
		l.logger.Warn("transfer aborted by receiver")
	default:
		l.logger.Error("invalid status flag", "flag", flag)
	}
}

func separationTimeToUs(st uint8) uint32 {
	switch {
	case st <= 0x7F:
		return uint32(st) * 1000
	case st >= 0xF1 && st <= 0xF9:
		return uint32(st-0xF0) * 100
	default:
		return 10000
	}
}

func (l *Link) sendConsecutiveFrame() {
	data := make([]byte, 1+cfDataLength)
	n := l.tx.stream.Read(data[1:])
	data = data[:1+n]
	data[0] = byte(frameConsecutive)<<4 | (l.tx.sequenceNumber & 0x0F)
	l.logger.Debug("send CF", "index", l.tx.sequenceNumber, "n", n)

	if err := l.bus.Send(can.NewFrame(l.txID, data)); err != nil {
		l.notifyTx(StatusOverflowAbort)
		l.tx.state = txInactive
		l.tx.active = false
		return
	}

	l.tx.sentBytes += uint16(n)
	if l.tx.sentBytes >= l.tx.payloadSize {
		l.notifyTx(StatusDone)
		l.tx.state = txInactive
		l.tx.active = false
		return
	}

	l.tx.sequenceNumber++
	l.tx.blockCount++
	if l.tx.blockCount < l.tx.blockSize || l.tx.blockSize == 0 {
		if l.tx.separationTimeUs == 0 {
			l.tx.state = txSendCF
		} else {
			l.tx.waitTimer = l.clock.GetSystemTimeUs()
			l.tx.state = txWaitForST
		}
	} else {
		l.tx.waitTimer = l.clock.GetSystemTime()
		l.tx.state = txWaitForFC
	}
}

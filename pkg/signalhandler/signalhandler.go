// Package signalhandler decodes incoming motor-control CAN frames into
// individual signals dispatched to registered callbacks, and encodes
// outgoing motor-status signals back into a CAN frame. A small FIFO
// decouples the CAN receive callback from signal decoding and dispatch,
// which happens later from the main polling loop.
//
// The DBC-generated pack/unpack code lives behind the Packer interface,
// so the dispatch and watchdog-feeding logic here works against any wire
// format the generator emits.
package signalhandler

import (
	"fmt"
	"log/slog"

	"github.com/candrive/firmware/internal/fifo"
	"github.com/candrive/firmware/pkg/can"
)

// frameBufferSize is the receive-to-process FIFO depth.
const frameBufferSize = 5

const maxHandlers = 6

// SignalID names one signal within the motor-control frame.
type SignalID int

const (
	SignalControlRPM1 SignalID = iota
	SignalControlRPM2
	SignalControlCurrent1
	SignalControlCurrent2
	SignalControlMode1
	SignalControlMode2
)

// Signal is one decoded value handed to a registered handler callback.
type Signal struct {
	ID    SignalID
	Value int32
}

// HandlerFunc receives one dispatched signal.
type HandlerFunc func(Signal)

// MotorControlFrame is the decoded payload of the inbound motor-control
// message.
type MotorControlFrame struct {
	RPM1, RPM2         int16
	Current1, Current2 int16
	Mode1, Mode2       uint8
}

// MotorStatusFrame is the payload SendMotorStatus encodes.
type MotorStatusFrame struct {
	RPM1, RPM2         int16
	Current1, Current2 int16
	Status1, Status2   uint8
}

// Packer abstracts the DBC-generated pack/unpack code: the frame IDs,
// the bit-level layouts, and the in-range checks.
type Packer interface {
	MotorControlFrameID() uint32
	MotorStatusFrameID() uint32
	UnpackMotorControl(data []byte) (MotorControlFrame, error)
	PackMotorStatus(msg MotorStatusFrame) ([]byte, error)
}

// ActivityReporter is the subset of *supervisor.Supervisor this module
// calls into on every valid motor-control frame.
type ActivityReporter interface {
	ReportActivity()
}

// Watchdog is the subset of *supervisor.Supervisor used to register one
// watchdog handle and feed it once per Process call.
type Watchdog interface {
	GetWatchdogHandle() (uint32, error)
	FeedWatchdog(handle uint32) error
}

// Sender transmits the encoded motor-status frame.
type Sender interface {
	Send(frame can.Frame) error
}

type handler struct {
	id SignalID
	cb HandlerFunc
}

// Handler decodes motor-control frames into signals and distributes them
// to registered callbacks.
type Handler struct {
	logger   *slog.Logger
	packer   Packer
	activity ActivityReporter
	watchdog Watchdog
	sender   Sender

	frameFifo      *fifo.Fifo[can.Frame]
	handlers       []handler
	watchdogHandle uint32
}

// New constructs a Handler and allocates its watchdog handle.
func New(packer Packer, activity ActivityReporter, watchdog Watchdog, sender Sender, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		logger:    logger.With("service", "[SIGH]"),
		packer:    packer,
		activity:  activity,
		watchdog:  watchdog,
		sender:    sender,
		frameFifo: fifo.New[can.Frame](frameBufferSize),
	}
	handle, err := watchdog.GetWatchdogHandle()
	if err != nil {
		return nil, err
	}
	h.watchdogHandle = handle
	h.logger.Info("signal handler initialized", "wdt_handle", handle)
	return h, nil
}

// Handle implements can.FrameListener: it pushes the motor-control frame
// onto the FIFO without decoding it, so it never blocks the receive
// path.
func (h *Handler) Handle(frame can.Frame) {
	if frame.ID != h.packer.MotorControlFrameID() {
		return
	}
	if !h.frameFifo.Push(frame) {
		h.logger.Warn("buffer full, discard frame", "id", frame.ID)
	}
}

// RegisterHandler adds a callback invoked whenever id is decoded from a
// processed frame.
func (h *Handler) RegisterHandler(id SignalID, cb HandlerFunc) error {
	if len(h.handlers) >= maxHandlers {
		return fmt.Errorf("signalhandler: no more than %d handlers supported", maxHandlers)
	}
	h.handlers = append(h.handlers, handler{id: id, cb: cb})
	h.logger.Info("new handler registered", "id", id)
	return nil
}

// Process pops one buffered frame (if any), decodes and distributes it,
// then feeds the watchdog. It is meant to be called from the main
// polling loop, not the CAN receive path.
func (h *Handler) Process() error {
	frame, ok := h.frameFifo.Pop()
	if ok {
		h.logger.Debug("process", "id", frame.ID)
		if frame.ID == h.packer.MotorControlFrameID() {
			if err := h.handleMotorControlFrame(frame); err != nil {
				h.logger.Error("invalid frame", "id", frame.ID, "error", err)
			}
		}
	}
	return h.watchdog.FeedWatchdog(h.watchdogHandle)
}

func (h *Handler) handleMotorControlFrame(frame can.Frame) error {
	msg, err := h.packer.UnpackMotorControl(frame.Data[:frame.DLC])
	if err != nil {
		return err
	}

	h.distribute(Signal{ID: SignalControlRPM1, Value: int32(msg.RPM1)})
	h.distribute(Signal{ID: SignalControlRPM2, Value: int32(msg.RPM2)})
	h.distribute(Signal{ID: SignalControlCurrent1, Value: int32(msg.Current1)})
	h.distribute(Signal{ID: SignalControlCurrent2, Value: int32(msg.Current2)})
	h.distribute(Signal{ID: SignalControlMode1, Value: int32(msg.Mode1)})
	h.distribute(Signal{ID: SignalControlMode2, Value: int32(msg.Mode2)})

	h.activity.ReportActivity()
	return nil
}

func (h *Handler) distribute(signal Signal) {
	for _, reg := range h.handlers {
		if reg.id == signal.ID {
			reg.cb(signal)
		}
	}
}

// SendMotorStatus encodes and transmits the two-motor status frame.
// Range validation of the individual values is delegated to
// Packer.PackMotorStatus.
func (h *Handler) SendMotorStatus(msg MotorStatusFrame) error {
	data, err := h.packer.PackMotorStatus(msg)
	if err != nil {
		h.logger.Warn("value(s) out of range", "rpm1", msg.RPM1, "current1", msg.Current1, "rpm2", msg.RPM2, "current2", msg.Current2)
		return err
	}

	frame := can.NewFrame(h.packer.MotorStatusFrameID(), data)
	if err := h.sender.Send(frame); err != nil {
		h.logger.Warn("failed to send msg", "id", frame.ID)
		return err
	}
	return nil
}

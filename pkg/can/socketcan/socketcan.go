package socketcan

import (
	"fmt"
	"log/slog"

	sockcan "github.com/brutella/can"
	can "github.com/candrive/firmware/pkg/can"
)

// SocketcanBus wraps github.com/brutella/can so CANDrive's ISO-TP and
// motor-control stack can run against a real Linux SocketCAN interface
// (typically vcan0 for host-in-the-loop testing).
//
// This package has no unit tests: github.com/brutella/can opens a raw
// AF_CAN socket on the named interface, so exercising it needs a real or
// vcan-backed Linux CAN device rather than anything fakeable from a
// plain `go test` run. pkg/can/virtual is the subpackage that stands in
// for it in tests needing a Bus without real/virtual CAN hardware.

func init() {
	can.RegisterInterface("socketcan", NewSocketCanBus)
}

type SocketcanBus struct {
	logger     *slog.Logger
	name       string
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	socketcan.logger.Info("connecting to socketcan interface", "interface", socketcan.name)
	go socketcan.bus.ConnectAndPublish()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	socketcan.logger.Info("disconnecting from socketcan interface", "interface", socketcan.name)
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame can.Frame) error {
	err := socketcan.bus.Publish(
		sockcan.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Res0:   0,
			Res1:   0,
			Data:   frame.Data,
		})
	if err != nil {
		socketcan.logger.Error("send failed", "id", frame.ID, "error", err)
	}
	return err
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	socketcan.rxCallback.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func NewSocketCanBus(name string) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(name)
	if err != nil {
		return nil, fmt.Errorf("socketcan: open %s: %w", name, err)
	}
	return &SocketcanBus{
		bus:    bus,
		name:   name,
		logger: slog.Default().With("service", "[CAN-SOCKETCAN]"),
	}, nil
}

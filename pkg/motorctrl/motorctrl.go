// Package motorctrl coordinates a fixed set of motors through an
// index-addressed API. Each running motor closes two independent PID
// loops per tick (RPM against measured RPM, current against measured
// current magnitude) and the commanded speed is the signed minimum of
// the two outputs, so whichever loop is more restrictive wins. The two
// loops run off their own measurements; neither feeds the other's
// setpoint.
package motorctrl

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/candrive/firmware/pkg/motor"
)

// Gains bundles the tuning constants for one motor's RPM and current
// PIDs.
type Gains struct {
	RPM     [3]int32 // Kp, Ki, Kd
	Current [3]int32 // Kp, Ki, Kd
}

type channel struct {
	motor         *motor.Motor
	rpmPID        *motor.PID
	currentPID    *motor.PID
	targetRPM     int16
	targetCurrent int16
}

// Controller owns a fixed list of motor channels. The list is sized at
// construction and never grows.
type Controller struct {
	mu       sync.Mutex
	logger   *slog.Logger
	channels []*channel
}

// New constructs a Controller over the given motors and per-motor gains;
// len(motors) must equal len(gains).
func New(motors []*motor.Motor, gains []Gains, logger *slog.Logger) (*Controller, error) {
	if len(motors) != len(gains) {
		return nil, fmt.Errorf("motorctrl: %d motors but %d gain sets", len(motors), len(gains))
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{logger: logger.With("service", "[MOTORCTRL]")}
	for i, m := range motors {
		g := gains[i]
		c.channels = append(c.channels, &channel{
			motor:      m,
			rpmPID:     motor.NewPID(g.RPM[0], g.RPM[1], g.RPM[2], motor.MinSpeed, motor.MaxSpeed),
			currentPID: motor.NewPID(g.Current[0], g.Current[1], g.Current[2], motor.MinSpeed, motor.MaxSpeed),
		})
	}
	c.logger.Info("motor controller initialized", "motors", len(motors))
	return c, nil
}

func (c *Controller) channel(index int) (*channel, error) {
	if index < 0 || index >= len(c.channels) {
		return nil, fmt.Errorf("motorctrl: motor index %d out of range [0, %d)", index, len(c.channels))
	}
	return c.channels[index], nil
}

// SetRPM sets the target RPM for one motor. The RPM PID is reset so the
// new setpoint doesn't inherit stale integrator windup from a previous
// target.
func (c *Controller) SetRPM(index int, rpm int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(index)
	if err != nil {
		return err
	}
	ch.targetRPM = rpm
	ch.rpmPID.Reset()
	return nil
}

// SetCurrent sets the target current for one motor. The current PID is
// reset for the same reason SetRPM resets the RPM PID.
func (c *Controller) SetCurrent(index int, current int16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(index)
	if err != nil {
		return err
	}
	ch.targetCurrent = current
	ch.currentPID.Reset()
	return nil
}

// Run returns one motor to closed-loop control after a Coast or Brake,
// re-applying its last commanded output.
func (c *Controller) Run(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(index)
	if err != nil {
		return err
	}
	ch.motor.Run()
	return nil
}

// Coast stops one motor without braking. Both PID integrals are reset so
// a later Run doesn't inherit stale windup from before the motor
// stopped.
func (c *Controller) Coast(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(index)
	if err != nil {
		return err
	}
	ch.motor.Coast()
	ch.rpmPID.Reset()
	ch.currentPID.Reset()
	return nil
}

// Brake stops and brakes one motor. Both PID integrals are reset for the
// same reason Coast resets them.
func (c *Controller) Brake(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(index)
	if err != nil {
		return err
	}
	ch.motor.Brake()
	ch.rpmPID.Reset()
	ch.currentPID.Reset()
	return nil
}

// AnyRunning reports whether any channel's motor is currently in the Run
// state, for callers that gate an action (e.g. a firmware-update
// request) on motors being stopped first.
func (c *Controller) AnyRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.channels {
		if ch.motor.GetStatus() == motor.StatusRun {
			return true
		}
	}
	return false
}

// Position returns one motor's position in degrees.
func (c *Controller) Position(index int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, err := c.channel(index)
	if err != nil {
		return 0, err
	}
	return ch.motor.GetPosition(), nil
}

// Update advances every motor's sampling and, for motors in Run state,
// closes both loops independently off their own measurement: the RPM
// PID drives toward targetRPM using measured RPM, the current PID
// drives toward targetCurrent using measured current magnitude, and the
// final commanded speed is the signed minimum of the two outputs.
// Coast/Brake motors skip the PID step entirely; their integrals are
// reset by Coast/Brake at the transition, not here.
func (c *Controller) Update() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.channels {
		ch.motor.Update()

		if ch.motor.GetStatus() != motor.StatusRun {
			continue
		}

		rpmErr := int32(ch.targetRPM) - int32(ch.motor.RPM())
		rpmOutput := int16(ch.rpmPID.Update(rpmErr))

		current, err := ch.motor.Current()
		if err != nil {
			return err
		}
		currentMagnitude := current
		if currentMagnitude < 0 {
			currentMagnitude = -currentMagnitude
		}
		currentErr := int32(ch.targetCurrent) - int32(currentMagnitude)
		currentOutput := int16(ch.currentPID.Update(currentErr))

		speed := rpmOutput
		if currentOutput < speed {
			speed = currentOutput
		}
		if err := ch.motor.SetSpeed(speed); err != nil {
			return err
		}
	}
	return nil
}

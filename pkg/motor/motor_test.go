package motor_test

import (
	"testing"

	"github.com/candrive/firmware/pkg/motor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ ms uint32 }

func (c *fakeClock) GetSystemTime() uint32 { return c.ms }
func (c *fakeClock) advance(ms uint32)     { c.ms += ms }

type fakeEncoder struct {
	counter uint32
	cpr     int32
	dir     motor.Direction
}

func (e *fakeEncoder) Counter() uint32            { return e.counter }
func (e *fakeEncoder) Direction() motor.Direction { return e.dir }
func (e *fakeEncoder) Reset()                     { e.counter = 0 }

func (e *fakeEncoder) spin(counts int32) {
	if counts >= 0 {
		e.dir = motor.DirectionCW
	} else {
		e.dir = motor.DirectionCCW
		counts = -counts
	}
	e.counter = uint32((int32(e.counter) + counts) % e.cpr)
}

type fakeDriver struct {
	forward    bool
	duty       uint16
	enabled    bool
	dutyWrites int
}

func (d *fakeDriver) SetForward(forward bool) { d.forward = forward }
func (d *fakeDriver) SetDuty(duty uint16)     { d.duty = duty; d.dutyWrites++ }
func (d *fakeDriver) Enable()                 { d.enabled = true }
func (d *fakeDriver) Disable()                { d.enabled = false }

type fakeSense struct{ voltage uint32 }

func (s *fakeSense) ReadVoltage() uint32 { return s.voltage }

func newTestMotor() (*motor.Motor, *fakeClock, *fakeEncoder, *fakeDriver, *fakeSense) {
	clock := &fakeClock{}
	enc := &fakeEncoder{cpr: 1000, dir: motor.DirectionCW}
	drv := &fakeDriver{}
	sense := &fakeSense{}
	m := motor.New("test-motor", motor.Config{CountsPerRevolution: 1000}, enc, drv, sense, clock, nil)
	return m, clock, enc, drv, sense
}

func TestNew_StartsInRunStatusWithDriverDisabled(t *testing.T) {
	m, _, _, drv, _ := newTestMotor()
	assert.Equal(t, motor.StatusRun, m.GetStatus())
	assert.False(t, drv.enabled)
	assert.Equal(t, uint16(0), drv.duty)
}

func TestSetSpeed_AppliesDirectionAndDuty(t *testing.T) {
	m, _, _, drv, _ := newTestMotor()
	require.NoError(t, m.SetSpeed(500))
	assert.True(t, drv.forward)
	assert.Equal(t, uint16(500), drv.duty)
	assert.True(t, drv.enabled)

	require.NoError(t, m.SetSpeed(-300))
	assert.False(t, drv.forward)
	assert.Equal(t, uint16(300), drv.duty)
}

func TestSetSpeed_RejectsOutOfRange(t *testing.T) {
	m, _, _, _, _ := newTestMotor()
	err := m.SetSpeed(motor.MaxSpeed + 1)
	assert.Error(t, err)
}

func TestSetSpeed_IdenticalSpeedDoesNotReissueWrites(t *testing.T) {
	m, _, _, drv, _ := newTestMotor()
	require.NoError(t, m.SetSpeed(500))
	writes := drv.dutyWrites
	require.NoError(t, m.SetSpeed(500))
	assert.Equal(t, writes, drv.dutyWrites)
}

func TestRun_ReappliesSpeedAfterCoast(t *testing.T) {
	m, _, _, drv, _ := newTestMotor()
	require.NoError(t, m.SetSpeed(750))
	assert.Equal(t, uint16(750), drv.duty)

	m.Coast()
	assert.Equal(t, uint16(0), drv.duty)

	m.Run()
	assert.Equal(t, motor.StatusRun, m.GetStatus())
	assert.Equal(t, uint16(750), drv.duty)
}

func TestCoast_ZerosDutyWithoutDisabling(t *testing.T) {
	m, _, _, drv, _ := newTestMotor()
	require.NoError(t, m.SetSpeed(500))
	m.Coast()
	assert.Equal(t, motor.StatusCoast, m.GetStatus())
	assert.Equal(t, uint16(0), drv.duty)
	assert.True(t, drv.enabled)
}

func TestBrake_SetsMaxDutyAndBrakeStatus(t *testing.T) {
	m, _, _, drv, _ := newTestMotor()
	m.Brake()
	assert.Equal(t, motor.StatusBrake, m.GetStatus())
	assert.Equal(t, uint16(1000), drv.duty)
	assert.True(t, drv.enabled)
}

func TestUpdate_ComputesPositiveRPM(t *testing.T) {
	m, clock, enc, _, _ := newTestMotor()
	enc.spin(100) // 100 of 1000 counts per revolution
	clock.advance(10)
	m.Update()
	assert.Greater(t, m.RPM(), int16(0))
}

func TestUpdate_HandlesWrapAroundNearZero(t *testing.T) {
	m, clock, enc, _, _ := newTestMotor()
	enc.counter = 990
	clock.advance(10)
	m.Update() // establish baseline at count=990

	enc.counter = 10 // wrapped forward past 1000 back to 10
	clock.advance(10)
	m.Update()
	assert.Greater(t, m.RPM(), int16(0))
}

func TestCurrent_SignedByDirection(t *testing.T) {
	m, _, enc, _, sense := newTestMotor()
	sense.voltage = 1500

	enc.dir = motor.DirectionCW
	current, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, int16(1500), current)

	enc.dir = motor.DirectionCCW
	current, err = m.Current()
	require.NoError(t, err)
	assert.Equal(t, int16(-1500), current)
}

func TestCurrent_SmoothsStepChangeThroughEMA(t *testing.T) {
	m, _, _, _, sense := newTestMotor()
	sense.voltage = 0
	first, err := m.Current()
	require.NoError(t, err)
	assert.Equal(t, int16(0), first)

	sense.voltage = 2000
	second, err := m.Current()
	require.NoError(t, err)
	assert.Greater(t, second, int16(0))
	assert.Less(t, second, int16(2000), "alpha=0.5 EMA should not jump straight to the new sample")

	third, err := m.Current()
	require.NoError(t, err)
	assert.Greater(t, third, second, "repeated samples at 2000 keep converging upward")
}

func TestGetPosition_ConvertsCountsToDegrees(t *testing.T) {
	m, _, enc, _, _ := newTestMotor()
	enc.counter = 500 // half a revolution of 1000 counts
	assert.Equal(t, uint32(180), m.GetPosition())
}

package motor_test

import (
	"testing"

	"github.com/candrive/firmware/pkg/motor"
	"github.com/stretchr/testify/assert"
)

func TestPID_ProportionalOnlyRespondsToError(t *testing.T) {
	p := motor.NewPID(1000, 0, 0, -1000, 1000)
	assert.Equal(t, int32(500), p.Update(500))
	assert.Equal(t, int32(-200), p.Update(-200))
}

func TestPID_ClampsOutputToBounds(t *testing.T) {
	p := motor.NewPID(1000, 0, 0, -1000, 1000)
	assert.Equal(t, int32(1000), p.Update(5000))
	assert.Equal(t, int32(-1000), p.Update(-5000))
}

func TestPID_IntegralAccumulatesOverTime(t *testing.T) {
	p := motor.NewPID(0, 100, 0, -1000, 1000)
	first := p.Update(10)
	second := p.Update(10)
	assert.Greater(t, second, first)
}

func TestPID_ResetClearsIntegrator(t *testing.T) {
	p := motor.NewPID(0, 100, 0, -1000, 1000)
	p.Update(10)
	p.Update(10)
	p.Reset()
	afterReset := p.Update(10)

	fresh := motor.NewPID(0, 100, 0, -1000, 1000)
	freshFirst := fresh.Update(10)
	assert.Equal(t, freshFirst, afterReset)
}

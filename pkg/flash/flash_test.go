package flash_test

import (
	"testing"

	"github.com/candrive/firmware/pkg/flash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSim_WriteRequiresErase(t *testing.T) {
	sim := flash.NewSim(0x08000000, 2*1024, 1024, nil)

	require.NoError(t, sim.Write(0x08000000, []byte{0x01, 0x02}))
	got, err := sim.Read(0x08000000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, got)

	// Setting a bit back to 1 without erasing must fail.
	err = sim.Write(0x08000000, []byte{0xFF, 0xFF})
	assert.ErrorIs(t, err, flash.ErrNotErased)
}

func TestSim_EraseResetsToOnes(t *testing.T) {
	sim := flash.NewSim(0x08000000, 2*1024, 1024, nil)
	require.NoError(t, sim.Write(0x08000000, []byte{0x00, 0x00}))
	require.NoError(t, sim.ErasePage(0x08000000))

	got, err := sim.Read(0x08000000, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF}, got)
}

func TestSim_EraseRequiresPageAlignment(t *testing.T) {
	sim := flash.NewSim(0x08000000, 2*1024, 1024, nil)
	assert.ErrorIs(t, sim.ErasePage(0x08000001), flash.ErrUnaligned)
}

func TestSim_OutOfRange(t *testing.T) {
	sim := flash.NewSim(0x08000000, 1024, 1024, nil)
	assert.ErrorIs(t, sim.Write(0x08001000, []byte{0x01}), flash.ErrOutOfRange)
	_, err := sim.Read(0x08000FFF, 2)
	assert.ErrorIs(t, err, flash.ErrOutOfRange)
}

func TestSim_InPlaceBitClear(t *testing.T) {
	// Models the NVS tombstone write: 0xFFFF -> 0x0000 without erase.
	sim := flash.NewSim(0x08000000, 1024, 1024, nil)
	require.NoError(t, sim.Write(0x08000000, []byte{0xFF, 0xFF}))
	require.NoError(t, sim.Write(0x08000000, []byte{0x00, 0x00}))
	got, _ := sim.Read(0x08000000, 2)
	assert.Equal(t, []byte{0x00, 0x00}, got)
}

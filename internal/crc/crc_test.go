package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32_Single(t *testing.T) {
	c := NewCRC32()
	c.Single(10)
	assert.NotEqual(t, initValue, c.Sum())
}

func TestCRC32_CalculateDeterministic(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	assert.Equal(t, Calculate(data), Calculate(data))
}

func TestCRC32_CalculateEmpty(t *testing.T) {
	assert.Equal(t, initValue, Calculate(nil))
}

func TestCRC32_DifferentDataDiffers(t *testing.T) {
	assert.NotEqual(t, Calculate([]byte{1, 2, 3, 4}), Calculate([]byte{1, 2, 3, 5}))
}

func TestCRC32_IncrementalMatchesOneShot(t *testing.T) {
	data := []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}
	c := NewCRC32()
	for _, b := range data {
		c.Single(b)
	}
	assert.Equal(t, Calculate(data), c.Sum())
}

package image_test

import (
	"encoding/binary"
	"testing"

	"github.com/candrive/firmware/internal/crc"
	"github.com/candrive/firmware/pkg/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildImage(t *testing.T, content []byte, corruptCRC bool) []byte {
	t.Helper()
	buf := make([]byte, image.HeaderSize+len(content))
	binary.LittleEndian.PutUint16(buf[0:2], image.HeaderMagic)
	binary.LittleEndian.PutUint16(buf[2:4], 1)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(image.HeaderSize-12+len(content)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(image.TypeApp))
	copy(buf[16:48], "1.2.3")
	binary.LittleEndian.PutUint32(buf[48:52], 0x08004000)
	copy(buf[56:70], "deadbeef")
	copy(buf[image.HeaderSize:], content)

	sum := crc.Calculate(buf[12 : image.HeaderSize+len(content)])
	if corruptCRC {
		sum++
	}
	binary.LittleEndian.PutUint32(buf[4:8], sum)
	return buf
}

func TestIsValid_Accepts(t *testing.T) {
	data := buildImage(t, []byte("firmware-bytes-go-here"), false)
	h, err := image.IsValid(data)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", h.VersionString)
	assert.Equal(t, "deadbeef", h.GitSHA)
	assert.Equal(t, image.TypeApp, h.Type)
	assert.Equal(t, uint32(0x08004000), h.VectorAddress)
}

func TestIsValid_RejectsBadMagic(t *testing.T) {
	data := buildImage(t, []byte("x"), false)
	data[0] = 0x00
	_, err := image.IsValid(data)
	assert.ErrorIs(t, err, image.ErrBadMagic)
}

func TestIsValid_RejectsBadCRC(t *testing.T) {
	data := buildImage(t, []byte("x"), true)
	_, err := image.IsValid(data)
	assert.ErrorIs(t, err, image.ErrBadCRC)
}

func TestIsValid_RejectsTruncated(t *testing.T) {
	_, err := image.IsValid(make([]byte, 4))
	assert.ErrorIs(t, err, image.ErrTruncated)
}

func TestIsValid_RejectsSizeOverflow(t *testing.T) {
	data := buildImage(t, []byte("abc"), false)
	binary.LittleEndian.PutUint32(data[8:12], 1000)
	_, err := image.IsValid(data)
	assert.ErrorIs(t, err, image.ErrSizeOverflow)
}

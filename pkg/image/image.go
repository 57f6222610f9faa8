// Package image decodes and validates the firmware image header the
// bootloader uses to decide whether to jump to the application. The header is a packed little-endian struct at
// the very start of the application flash region; its CRC-32 covers
// everything from byte 12 to size bytes later, stamped in by an external
// post-build tool.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/candrive/firmware/internal/crc"
)

// HeaderMagic identifies a well-formed image header.
const HeaderMagic uint16 = 0xAABB

// HeaderSize is the size in bytes of the packed on-flash header layout:
// magic(2) + version(2) + crc(4) + size(4) + type(4) + version_string(32)
// + vector_address(4) + reserved(4) + git_sha(14) = 70.
const HeaderSize = 70

// crcOffset is where CRC coverage starts: everything after header_magic,
// header_version, crc and size.
const crcOffset = 12

// Type distinguishes application from bootloader images.
type Type uint32

const (
	TypeApp Type = iota
	TypeBootloader
)

func (t Type) String() string {
	switch t {
	case TypeApp:
		return "app"
	case TypeBootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(t))
	}
}

var (
	ErrTruncated    = errors.New("image: buffer shorter than header")
	ErrBadMagic     = errors.New("image: bad header magic")
	ErrBadCRC       = errors.New("image: CRC mismatch")
	ErrSizeOverflow = errors.New("image: declared size exceeds buffer")
)

// Header is the decoded on-flash image header.
type Header struct {
	Magic         uint16
	Version       uint16
	CRC           uint32
	Size          uint32
	Type          Type
	VersionString string
	VectorAddress uint32
	GitSHA        string
}

// GetHeader decodes the header at the start of image and checks the
// magic value. A magic mismatch is reported via ErrBadMagic with the
// partially decoded header so callers can log the offending value.
func GetHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, ErrTruncated
	}
	h.Magic = binary.LittleEndian.Uint16(data[0:2])
	if h.Magic != HeaderMagic {
		return h, fmt.Errorf("%w: 0x%04x", ErrBadMagic, h.Magic)
	}
	h.Version = binary.LittleEndian.Uint16(data[2:4])
	h.CRC = binary.LittleEndian.Uint32(data[4:8])
	h.Size = binary.LittleEndian.Uint32(data[8:12])
	h.Type = Type(binary.LittleEndian.Uint32(data[12:16]))
	h.VersionString = decodeCString(data[16:48])
	h.VectorAddress = binary.LittleEndian.Uint32(data[48:52])
	// data[52:56] is reserved.
	h.GitSHA = decodeCString(data[56:70])
	return h, nil
}

// IsValid decodes the header and checks that size is non-zero and the
// image content's CRC matches the header's.
func IsValid(data []byte) (Header, error) {
	h, err := GetHeader(data)
	if err != nil {
		return h, err
	}
	if h.Size == 0 {
		return h, fmt.Errorf("%w: size is zero", ErrBadCRC)
	}
	end := crcOffset + int(h.Size)
	if end > len(data) {
		return h, ErrSizeOverflow
	}
	got := crc.Calculate(data[crcOffset:end])
	if got != h.CRC {
		return h, fmt.Errorf("%w: header=0x%08x computed=0x%08x", ErrBadCRC, h.CRC, got)
	}
	return h, nil
}

func decodeCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

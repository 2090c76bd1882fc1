package wire

import "github.com/pvaccess-go/pva/bytebuf"

// MaxShortStringLen is the largest size a string can declare with the
// single-byte length prefix (spec.md §6: "1 byte 0-254, or byte 255
// followed by a 32-bit big integer").
const MaxShortStringLen = 254
const longStringMarker = 255

// PutString writes a size-prefixed UTF-8 string.
func PutString(b *bytebuf.Buffer, s string) error {
	n := len(s)
	if n <= MaxShortStringLen {
		if err := b.PutUint8(uint8(n)); err != nil {
			return err
		}
	} else {
		if err := b.PutUint8(longStringMarker); err != nil {
			return err
		}
		if err := b.PutUint32(uint32(n)); err != nil {
			return err
		}
	}
	return b.PutBytes([]byte(s))
}

// GetString reads a size-prefixed UTF-8 string.
func GetString(b *bytebuf.Buffer) (string, error) {
	n, err := b.GetUint8()
	if err != nil {
		return "", err
	}
	size := int(n)
	if n == longStringMarker {
		v, err := b.GetUint32()
		if err != nil {
			return "", err
		}
		size = int(v)
	}
	raw, err := b.GetBytes(size)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// StringWireLen returns how many bytes PutString would consume for s,
// used by senders that must know a message's total length up front.
func StringWireLen(s string) int {
	if len(s) <= MaxShortStringLen {
		return 1 + len(s)
	}
	return 5 + len(s)
}

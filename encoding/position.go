package encoding

import (
	"encoding/binary"
	"fmt"
)

// PositionBytes encodes a feed position as 8 big-endian bytes so that the
// byte order of encoded keys matches the numeric order of positions. Pebble
// iterates keys lexicographically; big-endian keeps position range scans
// correct without any padding tricks.
func PositionBytes(pos uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, pos)
	return buf
}

// ParsePosition decodes an 8-byte big-endian position value.
func ParsePosition(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid position value length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

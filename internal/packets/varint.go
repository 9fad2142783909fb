package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// decodeVarInt reads a Variable Byte Integer from the reader, per
// MQTT-3.1.1 section 2.2.3. Returns the decoded value and any error.
func decodeVarInt(r io.Reader) (int, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}

	val, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, err
	}

	if val > MaxRemainingLength {
		return 0, fmt.Errorf("variable byte integer exceeds limit")
	}

	return int(val), nil
}

// byteReader wraps an io.Reader to implement io.ByteReader.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(br.r, br.buf[:])
	return br.buf[0], err
}

// appendVarInt appends x as a Variable Byte Integer (MQTT-3.1.1 section
// 2.2.3) to dst, returning the extended slice. x must already be within
// [0, MaxRemainingLength]; the fixed header's remaining-length field is the
// only place this module encodes one, and every caller computes x from a
// byte count it already holds.
func appendVarInt(dst []byte, x int) []byte {
	for {
		b := byte(x % 128)
		x /= 128
		if x > 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if x == 0 {
			return dst
		}
	}
}

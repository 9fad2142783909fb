package packets

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// appendLengthPrefixed appends data to dst behind a 2-byte big-endian length
// prefix, the framing every MQTT string and binary field shares
// (MQTT-1.5.3, MQTT-1.5.6). encodeString and encodeBinary are thin,
// differently-typed callers of this one routine rather than each
// duplicating the prefix-then-copy logic.
func appendLengthPrefixed(dst []byte, data []byte) []byte {
	length := uint16(len(data))
	dst = append(dst, byte(length>>8), byte(length))
	return append(dst, data...)
}

// encodeString encodes a UTF-8 string with a 2-byte length prefix (MSB first).
func encodeString(s string) []byte {
	return appendLengthPrefixed(make([]byte, 0, 2+len(s)), []byte(s))
}

// encodeBinary encodes binary data with a 2-byte length prefix (MSB first).
func encodeBinary(data []byte) []byte {
	return appendLengthPrefixed(make([]byte, 0, 2+len(data)), data)
}

// takeLengthPrefixed reads a 2-byte length prefix from buf and slices off
// that many bytes after it, returning the payload and the total bytes
// consumed (prefix included).
func takeLengthPrefixed(buf []byte, field string) ([]byte, int, error) {
	if len(buf) < 2 {
		return nil, 0, fmt.Errorf("buffer too short for %s length", field)
	}

	length := int(buf[0])<<8 | int(buf[1])
	if len(buf) < 2+length {
		return nil, 0, fmt.Errorf("buffer too short for %s data: need %d, have %d", field, 2+length, len(buf))
	}

	return buf[2 : 2+length], 2 + length, nil
}

// decodeString decodes an MQTT UTF-8 string (2-byte length + data),
// rejecting embedded NUL bytes and invalid UTF-8 (MQTT-1.5.3-2).
// Returns the string, number of bytes consumed, and any error.
func decodeString(buf []byte) (string, int, error) {
	raw, n, err := takeLengthPrefixed(buf, "string")
	if err != nil {
		return "", 0, err
	}

	s := string(raw)
	if strings.Contains(s, "\x00") {
		return "", 0, fmt.Errorf("topic contains null byte which is not allowed")
	}
	if !utf8.ValidString(s) {
		return "", 0, fmt.Errorf("invalid UTF-8 string")
	}

	return s, n, nil
}

// decodeBinary reads length-prefixed binary data from the buffer.
// Returns the data, number of bytes consumed, and any error.
func decodeBinary(buf []byte) ([]byte, int, error) {
	return takeLengthPrefixed(buf, "binary")
}

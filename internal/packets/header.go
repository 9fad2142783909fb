package packets

import (
	"fmt"
	"io"
)

// FixedHeader represents the fixed header present in all MQTT control packets.
// Format: [PacketType + Flags (1 byte)][Remaining Length (1-4 bytes)]
type FixedHeader struct {
	PacketType      uint8
	Flags           uint8
	RemainingLength int
}

// WriteTo writes the fixed header to w: the type/flags byte followed by the
// remaining-length varint, at most 5 bytes total. The driver writes its
// steady-state traffic through a *bufio.Writer (only CONNECT goes straight
// to the connection), so there is nothing to gain from a
// byte-at-a-time io.ByteWriter path; building the header in one small
// buffer and writing it in a single call is simpler and just as cheap.
func (h *FixedHeader) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 1, 5)
	buf[0] = (h.PacketType << 4) | (h.Flags & 0x0F)
	buf = appendVarInt(buf, h.RemainingLength)

	n, err := w.Write(buf)
	return int64(n), err
}

// DecodeFixedHeader reads and decodes a fixed header from the reader.
func DecodeFixedHeader(r io.Reader) (*FixedHeader, error) {
	var buf [1]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	firstByte := buf[0]
	packetType := firstByte >> 4
	flags := firstByte & 0x0F

	remainingLength, err := decodeVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remaining length: %w", err)
	}

	return &FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: remainingLength,
	}, nil
}

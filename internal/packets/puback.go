package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubackPacket represents an MQTT PUBACK control packet (QoS 1 acknowledgment).
type PubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubackPacket) Type() uint8 {
	return PUBACK
}

// WriteTo writes the PUBACK packet to the writer.
func (p *PubackPacket) WriteTo(w io.Writer) (int64, error) {
	return writeIDOnlyPacket(w, PUBACK, 0, p.PacketID)
}

// DecodePuback decodes a PUBACK packet from the buffer.
func DecodePuback(buf []byte) (*PubackPacket, error) {
	id, err := decodeIDOnlyPacket(buf, "PUBACK")
	if err != nil {
		return nil, err
	}
	return &PubackPacket{PacketID: id}, nil
}

// writeIDOnlyPacket writes the fixed header and bare packet-id variable
// header shared by PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK.
func writeIDOnlyPacket(w io.Writer, packetType uint8, flags uint8, id uint16) (int64, error) {
	header := &FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: 2,
	}

	total, err := header.WriteTo(w)
	if err != nil {
		return total, err
	}

	var idBytes [2]byte
	binary.BigEndian.PutUint16(idBytes[:], id)
	n, err := w.Write(idBytes[:])
	total += int64(n)
	return total, err
}

// decodeIDOnlyPacket decodes the bare packet-id variable header shared by
// PUBACK, PUBREC, PUBREL, PUBCOMP and UNSUBACK.
func decodeIDOnlyPacket(buf []byte, name string) (uint16, error) {
	if len(buf) != 2 {
		return 0, fmt.Errorf("%s must have remaining length 2, got %d", name, len(buf))
	}
	id := binary.BigEndian.Uint16(buf)
	if id == 0 {
		return 0, fmt.Errorf("%s packet ID must be non-zero", name)
	}
	return id, nil
}

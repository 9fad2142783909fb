package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubackPacket represents an MQTT SUBACK control packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []uint8 // each is 0/1/2 (granted QoS) or 0x80 (failure)
}

// Type returns the packet type.
func (p *SubackPacket) Type() uint8 {
	return SUBACK
}

// WriteTo writes the SUBACK packet to the writer.
func (p *SubackPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      SUBACK,
		Flags:           0,
		RemainingLength: 2 + len(p.ReturnCodes),
	}

	total, err := header.WriteTo(w)
	if err != nil {
		return total, err
	}

	var idBytes [2]byte
	binary.BigEndian.PutUint16(idBytes[:], p.PacketID)
	n, err := w.Write(idBytes[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(p.ReturnCodes)
	total += int64(n)
	return total, err
}

// DecodeSuback decodes a SUBACK packet from the buffer.
func DecodeSuback(buf []byte) (*SubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for SUBACK packet")
	}

	pkt := &SubackPacket{}
	pkt.PacketID = binary.BigEndian.Uint16(buf[0:2])
	if pkt.PacketID == 0 {
		return nil, fmt.Errorf("SUBACK packet ID must be non-zero")
	}

	for _, code := range buf[2:] {
		if code > QoS2 && code != SubackFailure {
			return nil, fmt.Errorf("malformed SUBACK return code 0x%02x", code)
		}
	}

	pkt.ReturnCodes = make([]uint8, len(buf)-2)
	copy(pkt.ReturnCodes, buf[2:])

	return pkt, nil
}

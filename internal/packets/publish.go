package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PublishPacket represents an MQTT PUBLISH control packet.
type PublishPacket struct {
	Dup    bool
	QoS    uint8
	Retain bool

	Topic    string
	PacketID uint16 // only meaningful when QoS > 0

	Payload []byte
}

// Type returns the packet type.
func (p *PublishPacket) Type() uint8 {
	return PUBLISH
}

// WriteTo writes the PUBLISH packet to the writer.
func (p *PublishPacket) WriteTo(w io.Writer) (int64, error) {
	topicBytes := encodeString(p.Topic)

	variableHeaderLen := len(topicBytes)
	if p.QoS > 0 {
		variableHeaderLen += 2
	}

	var flags uint8
	if p.Dup {
		flags |= 0x08
	}
	flags |= (p.QoS & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}

	header := &FixedHeader{
		PacketType:      PUBLISH,
		Flags:           flags,
		RemainingLength: variableHeaderLen + len(p.Payload),
	}

	total, err := header.WriteTo(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write(topicBytes)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if p.QoS > 0 {
		var idBytes [2]byte
		binary.BigEndian.PutUint16(idBytes[:], p.PacketID)
		n, err = w.Write(idBytes[:])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	if len(p.Payload) > 0 {
		n, err = w.Write(p.Payload)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// DecodePublish decodes a PUBLISH packet from the buffer and fixed header.
func DecodePublish(buf []byte, fixedHeader *FixedHeader) (*PublishPacket, error) {
	pkt := &PublishPacket{}

	pkt.Dup = (fixedHeader.Flags & 0x08) != 0
	pkt.QoS = (fixedHeader.Flags >> 1) & 0x03
	pkt.Retain = (fixedHeader.Flags & 0x01) != 0

	if pkt.QoS == 3 {
		return nil, fmt.Errorf("invalid QoS 3 in PUBLISH flags")
	}
	if pkt.QoS == 0 && pkt.Dup {
		return nil, fmt.Errorf("PUBLISH with QoS 0 must not set DUP")
	}

	offset := 0
	topic, n, err := decodeString(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode topic: %w", err)
	}
	pkt.Topic = topic
	offset += n

	if pkt.QoS > 0 {
		if offset+2 > len(buf) {
			return nil, fmt.Errorf("buffer too short for packet ID")
		}
		pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
		if pkt.PacketID == 0 {
			return nil, fmt.Errorf("PUBLISH packet ID must be non-zero")
		}
		offset += 2
	}

	pkt.Payload = make([]byte, len(buf)-offset)
	copy(pkt.Payload, buf[offset:])

	return pkt, nil
}

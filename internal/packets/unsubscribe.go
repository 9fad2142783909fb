package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UnsubscribePacket represents an MQTT UNSUBSCRIBE control packet.
type UnsubscribePacket struct {
	PacketID uint16
	Topics   []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() uint8 {
	return UNSUBSCRIBE
}

// WriteTo writes the UNSUBSCRIBE packet to the writer.
// UNSUBSCRIBE reserves flags 0x02 (MQTT-3.10.1-1).
func (p *UnsubscribePacket) WriteTo(w io.Writer) (int64, error) {
	if len(p.Topics) == 0 {
		return 0, fmt.Errorf("UNSUBSCRIBE must carry at least one topic filter")
	}

	payloadLen := 0
	topicBytesList := make([][]byte, len(p.Topics))
	for i, topic := range p.Topics {
		tb := encodeString(topic)
		topicBytesList[i] = tb
		payloadLen += len(tb)
	}

	header := &FixedHeader{
		PacketType:      UNSUBSCRIBE,
		Flags:           0x02,
		RemainingLength: 2 + payloadLen,
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

	for _, tb := range topicBytesList {
		n, err = w.Write(tb)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// DecodeUnsubscribe decodes an UNSUBSCRIBE packet from the buffer.
func DecodeUnsubscribe(buf []byte) (*UnsubscribePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for UNSUBSCRIBE packet")
	}

	pkt := &UnsubscribePacket{}
	offset := 0

	pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
	if pkt.PacketID == 0 {
		return nil, fmt.Errorf("UNSUBSCRIBE packet ID must be non-zero")
	}
	offset += 2

	for offset < len(buf) {
		topic, n, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode topic filter: %w", err)
		}
		offset += n
		pkt.Topics = append(pkt.Topics, topic)
	}

	if len(pkt.Topics) == 0 {
		return nil, fmt.Errorf("UNSUBSCRIBE must carry at least one topic filter")
	}

	return pkt, nil
}

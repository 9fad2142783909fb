package packets

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ConnectPacket represents an MQTT 3.1.1 CONNECT control packet.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel uint8

	CleanSession bool
	WillFlag     bool
	WillQoS      uint8
	WillRetain   bool
	PasswordFlag bool
	UsernameFlag bool

	KeepAlive uint16

	ClientID string

	WillTopic   string
	WillMessage []byte

	Username string
	Password string
}

// Type returns the packet type.
func (p *ConnectPacket) Type() uint8 {
	return CONNECT
}

// WriteTo writes the CONNECT packet to the writer.
func (p *ConnectPacket) WriteTo(w io.Writer) (int64, error) {
	var total int64

	protocolNameBytes := encodeString(p.ProtocolName)

	var connectFlags uint8
	if p.CleanSession {
		connectFlags |= 0x02
	}
	if p.WillFlag {
		connectFlags |= 0x04
		connectFlags |= (p.WillQoS & 0x03) << 3
		if p.WillRetain {
			connectFlags |= 0x20
		}
	}
	if p.PasswordFlag {
		connectFlags |= 0x40
	}
	if p.UsernameFlag {
		connectFlags |= 0x80
	}

	variableHeaderLen := len(protocolNameBytes) + 1 + 1 + 2

	clientIDBytes := encodeString(p.ClientID)
	payloadLen := len(clientIDBytes)

	var willTopicBytes, willMsgBytes []byte
	if p.WillFlag {
		willTopicBytes = encodeString(p.WillTopic)
		willMsgBytes = encodeBinary(p.WillMessage)
		payloadLen += len(willTopicBytes) + len(willMsgBytes)
	}

	var usernameBytes, passwordBytes []byte
	if p.UsernameFlag {
		usernameBytes = encodeString(p.Username)
		payloadLen += len(usernameBytes)
	}
	if p.PasswordFlag {
		passwordBytes = encodeString(p.Password)
		payloadLen += len(passwordBytes)
	}

	header := &FixedHeader{
		PacketType:      CONNECT,
		Flags:           0,
		RemainingLength: variableHeaderLen + payloadLen,
	}

	hN, err := header.WriteTo(w)
	total += hN
	if err != nil {
		return total, err
	}

	n, err := w.Write(protocolNameBytes)
	total += int64(n)
	if err != nil {
		return total, err
	}

	var levelAndFlags [4]byte
	levelAndFlags[0] = p.ProtocolLevel
	levelAndFlags[1] = connectFlags
	binary.BigEndian.PutUint16(levelAndFlags[2:], p.KeepAlive)
	n, err = w.Write(levelAndFlags[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(clientIDBytes)
	total += int64(n)
	if err != nil {
		return total, err
	}

	if p.WillFlag {
		n, err = w.Write(willTopicBytes)
		total += int64(n)
		if err != nil {
			return total, err
		}
		n, err = w.Write(willMsgBytes)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	if p.UsernameFlag {
		n, err = w.Write(usernameBytes)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	if p.PasswordFlag {
		n, err = w.Write(passwordBytes)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

// DecodeConnect decodes a CONNECT packet from the buffer.
func DecodeConnect(buf []byte) (*ConnectPacket, error) {
	if len(buf) < 10 {
		return nil, fmt.Errorf("buffer too short for CONNECT packet")
	}

	pkt := &ConnectPacket{}
	offset := 0

	protocolName, n, err := decodeString(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode protocol name: %w", err)
	}
	pkt.ProtocolName = protocolName
	offset += n

	if offset >= len(buf) {
		return nil, fmt.Errorf("buffer too short for protocol level")
	}
	pkt.ProtocolLevel = buf[offset]
	offset++

	if offset >= len(buf) {
		return nil, fmt.Errorf("buffer too short for connect flags")
	}
	connectFlags := buf[offset]
	offset++

	pkt.CleanSession = (connectFlags & 0x02) != 0
	pkt.WillFlag = (connectFlags & 0x04) != 0
	pkt.WillQoS = (connectFlags >> 3) & 0x03
	pkt.WillRetain = (connectFlags & 0x20) != 0
	pkt.PasswordFlag = (connectFlags & 0x40) != 0
	pkt.UsernameFlag = (connectFlags & 0x80) != 0

	if pkt.PasswordFlag && !pkt.UsernameFlag {
		return nil, fmt.Errorf("password flag set without username flag")
	}

	if offset+2 > len(buf) {
		return nil, fmt.Errorf("buffer too short for keep alive")
	}
	pkt.KeepAlive = binary.BigEndian.Uint16(buf[offset : offset+2])
	offset += 2

	clientID, n, err := decodeString(buf[offset:])
	if err != nil {
		return nil, fmt.Errorf("failed to decode client ID: %w", err)
	}
	pkt.ClientID = clientID
	offset += n

	if pkt.WillFlag {
		willTopic, n, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode will topic: %w", err)
		}
		pkt.WillTopic = willTopic
		offset += n

		willMessage, n, err := decodeBinary(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode will message: %w", err)
		}
		pkt.WillMessage = make([]byte, len(willMessage))
		copy(pkt.WillMessage, willMessage)
		offset += n
	} else if pkt.WillQoS != 0 || pkt.WillRetain {
		return nil, fmt.Errorf("will qos/retain set without will flag")
	}

	if pkt.UsernameFlag {
		username, n, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode username: %w", err)
		}
		pkt.Username = username
		offset += n
	}

	if pkt.PasswordFlag {
		password, _, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode password: %w", err)
		}
		pkt.Password = password
	}

	return pkt, nil
}

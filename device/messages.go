package device

import (
	"encoding/binary"
	"errors"
)

// Message type constants
const (
	MessageTypeHandshakeInitiation = 1
	MessageTypeHandshakeResponse   = 2
	MessageTypeCookieReply         = 3
	MessageTypeTransportData       = 4
)

// TransportHeaderSize is the fixed part of a transport data message:
// [Type:1][Reserved:3][Receiver:4][Counter:8]
const TransportHeaderSize = 16

// KeepaliveSize is the length of a keepalive: a header and the 16-byte
// authentication tag of an empty payload.
const KeepaliveSize = TransportHeaderSize + 16

var (
	ErrShortTransport = errors.New("transport data too short")
	ErrNotTransport   = errors.New("not a transport data message")
)

// MarshalTransportData converts TransportData header + payload to bytes
// payload should already be encrypted with auth tag appended
func MarshalTransportData(receiver uint32, counter uint64, encryptedPayload []byte) []byte {
	buf := make([]byte, TransportHeaderSize+len(encryptedPayload))

	buf[0] = MessageTypeTransportData
	// Reserved bytes are already zero
	binary.LittleEndian.PutUint32(buf[4:8], receiver)
	binary.LittleEndian.PutUint64(buf[8:16], counter)

	copy(buf[TransportHeaderSize:], encryptedPayload)
	return buf
}

// UnmarshalTransportData parses transport message, returns header fields + encrypted payload
func UnmarshalTransportData(data []byte) (receiver uint32, counter uint64, encryptedPayload []byte, err error) {
	if len(data) < TransportHeaderSize {
		return 0, 0, nil, ErrShortTransport
	}
	if data[0] != MessageTypeTransportData {
		return 0, 0, nil, ErrNotTransport
	}

	receiver = binary.LittleEndian.Uint32(data[4:8])
	counter = binary.LittleEndian.Uint64(data[8:16])
	encryptedPayload = data[TransportHeaderSize:]

	return receiver, counter, encryptedPayload, nil
}

// messageType extracts the message type from a WireGuard packet
func messageType(packet []byte) uint8 {
	if len(packet) < 1 {
		return 0
	}
	return packet[0]
}

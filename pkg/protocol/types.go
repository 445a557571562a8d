package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
)

// Message types
const (
	MessageTypeData  uint8 = 0
	MessageTypeAck   uint8 = 1
	MessageTypeHello uint8 = 2
)

// Message flags. Only the low 8 bits travel on the wire.
const (
	FlagsNone       uint16 = 0
	FlagRelayed     uint16 = 1 << 0 // This copy was retransmitted by a relay
	FlagPleaseRelay uint16 = 1 << 1 // Originator asks the mesh to relay
	FlagFragment    uint16 = 1 << 2 // Reserved for future fragmentation
	FlagMedia       uint16 = 1 << 3 // Payload is a media blob, not text
	FlagEncrypted   uint16 = 1 << 4 // Payload is authenticated-encrypted

	// Virtual flags: never on the wire. Added to the in-memory message
	// by the radio layer to carry reception conditions.
	FlagBadCRC uint16 = 1 << 8
)

// WireFlagsMask selects the flag bits that are part of the frame.
const WireFlagsMask uint16 = 0x00ff

// Media types carried in DATA frames with FlagMedia set.
const (
	MediaTypeImageFCI   uint8 = 0
	MediaTypeSensorData uint8 = 1
)

// Sensor data field types (MediaTypeSensorData payloads)
const (
	SensorDataTemperature    uint8 = 0
	SensorDataAirHumidity    uint8 = 1
	SensorDataGroundHumidity uint8 = 2
	SensorDataBattery        uint8 = 3
)

// Frame sizes
const (
	// DataHeaderSize is the fixed part of a DATA frame before the nick:
	// type(1) + flags(1) + uid(4) + ttl(1) + sender(6) + nicklen(1).
	DataHeaderSize = 14

	// AckFrameSize is the exact size of an ACK frame.
	AckFrameSize = 13

	// HelloHeaderSize is the fixed part of a HELLO frame before the nick.
	HelloHeaderSize = 10
)

// DefaultTTL is the initial time-to-live of a locally originated DATA.
const DefaultTTL uint8 = 15

// Address is a 6-byte node identifier, derived from the device unique id.
type Address [6]byte

// String returns the address as a printable hex string.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// IsZero checks if the address is all zeroes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AddressFromBytes builds an Address from a 6-byte slice.
func AddressFromBytes(b []byte) Address {
	var a Address
	copy(a[:], b)
	return a
}

// GenerateUID generates a random 32 bit message ID.
func GenerateUID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on the supported targets; keep the
		// frame well-formed anyway.
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(b[:])
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	ErrTruncatedFrame = errors.New("truncated frame")
	ErrUnknownType    = errors.New("unknown message type")
	ErrBadUTF8        = errors.New("invalid UTF-8 in frame")
	ErrNickTooLong    = errors.New("nick longer than 255 bytes")
)

// Encrypter encrypts an encoded DATA frame under a named group key.
// Implemented by the keychain; the codec only needs this narrow surface.
type Encrypter interface {
	Encrypt(packet []byte, keyName string) ([]byte, error)
}

// Decrypter tries every known group key against an encrypted DATA frame.
// ok is false when no key matches.
type Decrypter interface {
	Decrypt(packet []byte) (keyName string, plain []byte, ok bool)
}

// Message represents a FreakWAN message, and is also responsible for the
// encoding and decoding of messages sent to the "wire". DATA messages carry
// a nickname and either text or a media blob; ACK messages reference the
// uid they acknowledge; HELLO messages advertise node presence. The Text
// field holds the message body for DATA and the status line for HELLO.
type Message struct {
	Type      uint8
	Flags     uint16
	UID       uint32
	TTL       uint8
	Sender    Address
	Nick      string
	Text      string
	MediaType uint8
	MediaData []byte
	AckType   uint8 // ACK only: type of the acknowledged message
	Seen      uint8 // HELLO only: neighbors known by the sender

	// KeyName selects the encryption key for outgoing messages. On
	// decoded messages it is set to the key that decrypted the frame.
	KeyName string

	// NoKey is true for encrypted frames no key of ours decrypts. The
	// original ciphertext is preserved so the frame can still be relayed.
	NoKey  bool
	packet []byte

	// In-memory annotations, never on the wire.
	CTime    time.Time
	SendTime time.Time
	NumTX    int
	RSSI     int

	mu       sync.Mutex
	acks     map[Address]struct{}
	canceled bool
}

// NewDataMessage creates a locally originated DATA message carrying text.
func NewDataMessage(sender Address, nick, text, keyName string) *Message {
	now := time.Now()
	return &Message{
		Type:     MessageTypeData,
		UID:      GenerateUID(),
		TTL:      DefaultTTL,
		Sender:   sender,
		Nick:     nick,
		Text:     text,
		KeyName:  keyName,
		CTime:    now,
		SendTime: now,
		NumTX:    1,
	}
}

// NewMediaMessage creates a locally originated DATA message carrying a
// media blob.
func NewMediaMessage(sender Address, nick string, mediaType uint8, mediaData []byte, keyName string) *Message {
	m := NewDataMessage(sender, nick, "", keyName)
	m.Flags |= FlagMedia
	m.MediaType = mediaType
	m.MediaData = mediaData
	return m
}

// NewAckMessage creates an ACK for the given DATA message.
func NewAckMessage(sender Address, acked *Message) *Message {
	now := time.Now()
	return &Message{
		Type:     MessageTypeAck,
		UID:      acked.UID,
		AckType:  acked.Type,
		Sender:   sender,
		CTime:    now,
		SendTime: now,
		NumTX:    1,
	}
}

// NewHelloMessage creates a HELLO advertising our presence.
func NewHelloMessage(sender Address, nick, status string, seen uint8) *Message {
	now := time.Now()
	return &Message{
		Type:     MessageTypeHello,
		Sender:   sender,
		Nick:     nick,
		Text:     status,
		Seen:     seen,
		CTime:    now,
		SendTime: now,
		NumTX:    1,
	}
}

// RegisterAck records an ACK received from the given sender and returns
// the resulting number of distinct ackers.
func (m *Message) RegisterAck(from Address) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acks == nil {
		m.acks = make(map[Address]struct{})
	}
	m.acks[from] = struct{}{}
	return len(m.acks)
}

// AckCount returns the number of distinct nodes that acked this message.
func (m *Message) AckCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acks)
}

// Cancel suppresses any transmission of this message still pending in the
// send queue, without scanning the queue to remove it.
func (m *Message) Cancel() {
	m.mu.Lock()
	m.canceled = true
	m.mu.Unlock()
}

// Canceled reports whether the message send was canceled.
func (m *Message) Canceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// Age returns the time elapsed since the message was created or received.
func (m *Message) Age() time.Duration {
	return time.Since(m.CTime)
}

// Encode turns the message into its binary wire representation. For DATA
// messages with a key name set, the frame is encrypted with the provided
// Encrypter; a nil Encrypter is reported as an error rather than sending
// in the clear a message the user asked to protect.
func (m *Message) Encode(enc Encrypter) ([]byte, error) {
	switch m.Type {
	case MessageTypeData:
		return m.encodeData(enc)
	case MessageTypeAck:
		buf := make([]byte, AckFrameSize)
		buf[0] = m.Type
		buf[1] = byte(m.Flags)
		binary.LittleEndian.PutUint32(buf[2:6], m.UID)
		buf[6] = m.AckType
		copy(buf[7:13], m.Sender[:])
		return buf, nil
	case MessageTypeHello:
		if len(m.Nick) > 255 {
			return nil, ErrNickTooLong
		}
		buf := make([]byte, HelloHeaderSize, HelloHeaderSize+len(m.Nick)+len(m.Text))
		buf[0] = m.Type
		buf[1] = byte(m.Flags)
		copy(buf[2:8], m.Sender[:])
		buf[8] = m.Seen
		buf[9] = byte(len(m.Nick))
		buf = append(buf, m.Nick...)
		buf = append(buf, m.Text...)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
}

func (m *Message) encodeData(enc Encrypter) ([]byte, error) {
	if m.NoKey {
		// Frame we could not decrypt: re-emit the plaintext header with
		// the current ttl/flags and the saved ciphertext verbatim.
		buf := make([]byte, 7, 7+len(m.packet)-7)
		buf[0] = m.Type
		buf[1] = byte(m.Flags)
		binary.LittleEndian.PutUint32(buf[2:6], m.UID)
		buf[6] = m.TTL
		return append(buf, m.packet[7:]...), nil
	}
	if len(m.Nick) > 255 {
		return nil, ErrNickTooLong
	}

	flags := byte(m.Flags)
	if m.KeyName != "" {
		flags |= byte(FlagEncrypted)
	}
	buf := make([]byte, DataHeaderSize, DataHeaderSize+len(m.Nick)+len(m.Text)+1+len(m.MediaData))
	buf[0] = m.Type
	buf[1] = flags
	binary.LittleEndian.PutUint32(buf[2:6], m.UID)
	buf[6] = m.TTL
	copy(buf[7:13], m.Sender[:])
	buf[13] = byte(len(m.Nick))
	buf = append(buf, m.Nick...)
	if m.Flags&FlagMedia != 0 {
		buf = append(buf, m.MediaType)
		buf = append(buf, m.MediaData...)
	} else {
		buf = append(buf, m.Text...)
	}

	if m.KeyName == "" {
		return buf, nil
	}
	if enc == nil {
		return nil, fmt.Errorf("no keychain available to encrypt under key '%s'", m.KeyName)
	}
	return enc.Encrypt(buf, m.KeyName)
}

// Decode fills the message with the data found in the wire representation
// in buf. Encrypted DATA frames are tried against the Decrypter; when no
// key matches, the message is returned with NoKey set and the ciphertext
// preserved, useful only for relaying.
func (m *Message) Decode(buf []byte, dec Decrypter) error {
	if len(buf) < 2 {
		return ErrTruncatedFrame
	}
	mtype := buf[0]
	flags := uint16(buf[1])

	if mtype == MessageTypeData && flags&FlagEncrypted != 0 {
		var keyName string
		var plain []byte
		ok := false
		if dec != nil {
			keyName, plain, ok = dec.Decrypt(buf)
		}
		if !ok {
			// No valid key. Keep the raw frame for relaying and decode
			// only the unencrypted part of the header.
			if len(buf) < 7 {
				return ErrTruncatedFrame
			}
			m.Type = mtype
			m.Flags = uint16(buf[1])
			m.UID = binary.LittleEndian.Uint32(buf[2:6])
			m.TTL = buf[6]
			m.NoKey = true
			m.packet = append([]byte(nil), buf...)
			m.touch()
			return nil
		}
		m.KeyName = keyName
		buf = plain
	}

	switch mtype {
	case MessageTypeData:
		return m.decodeData(buf)
	case MessageTypeAck:
		if len(buf) != AckFrameSize {
			return ErrTruncatedFrame
		}
		m.Type = buf[0]
		m.Flags = uint16(buf[1])
		m.UID = binary.LittleEndian.Uint32(buf[2:6])
		m.AckType = buf[6]
		m.Sender = AddressFromBytes(buf[7:13])
		m.touch()
		return nil
	case MessageTypeHello:
		if len(buf) < HelloHeaderSize {
			return ErrTruncatedFrame
		}
		nickLen := int(buf[9])
		if len(buf) < HelloHeaderSize+nickLen {
			return ErrTruncatedFrame
		}
		nick := buf[HelloHeaderSize : HelloHeaderSize+nickLen]
		status := buf[HelloHeaderSize+nickLen:]
		if !utf8.Valid(nick) || !utf8.Valid(status) {
			return ErrBadUTF8
		}
		m.Type = buf[0]
		m.Flags = uint16(buf[1])
		m.Sender = AddressFromBytes(buf[2:8])
		m.Seen = buf[8]
		m.Nick = string(nick)
		m.Text = string(status)
		m.touch()
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrUnknownType, mtype)
	}
}

func (m *Message) decodeData(buf []byte) error {
	if len(buf) < DataHeaderSize {
		return ErrTruncatedFrame
	}
	nickLen := int(buf[13])
	if len(buf) < DataHeaderSize+nickLen {
		return ErrTruncatedFrame
	}
	nick := buf[DataHeaderSize : DataHeaderSize+nickLen]
	if !utf8.Valid(nick) {
		return ErrBadUTF8
	}
	m.Type = buf[0]
	m.Flags = uint16(buf[1])
	m.UID = binary.LittleEndian.Uint32(buf[2:6])
	m.TTL = buf[6]
	m.Sender = AddressFromBytes(buf[7:13])
	m.Nick = string(nick)

	payload := buf[DataHeaderSize+nickLen:]
	if m.Flags&FlagMedia != 0 {
		if len(payload) < 1 {
			return ErrTruncatedFrame
		}
		m.MediaType = payload[0]
		m.MediaData = append([]byte(nil), payload[1:]...)
	} else {
		if !utf8.Valid(payload) {
			return ErrBadUTF8
		}
		m.Text = string(payload)
	}
	m.touch()
	return nil
}

func (m *Message) touch() {
	now := time.Now()
	m.CTime = now
	m.SendTime = now
	if m.NumTX == 0 {
		m.NumTX = 1
	}
}

// FromEncoded creates a message object from the wire representation.
func FromEncoded(buf []byte, dec Decrypter) (*Message, error) {
	m := &Message{}
	if err := m.Decode(buf, dec); err != nil {
		return nil, err
	}
	return m, nil
}

// SensorDataString turns a sensor-data media payload into a string that
// can be parsed by other programs, as "fieldtype:value" pairs.
func (m *Message) SensorDataString() string {
	data := m.MediaData
	var b strings.Builder
	for off := 0; off < len(data); {
		fieldType := data[off]
		off++
		switch fieldType {
		case SensorDataTemperature, SensorDataAirHumidity,
			SensorDataGroundHumidity, SensorDataBattery:
			if len(data)-off < 4 {
				return "field data missing"
			}
			bits := binary.LittleEndian.Uint32(data[off : off+4])
			off += 4
			fmt.Fprintf(&b, "%d:%.2f ", fieldType, math.Float32frombits(bits))
		default:
			return "field type error"
		}
	}
	return b.String()
}

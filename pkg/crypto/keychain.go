// Package crypto implements the FreakWAN group keychain and the
// authenticated encryption envelope applied to DATA frames.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

const (
	// Key derivation labels. These are part of the interoperable surface:
	// every node of the network derives the same subkeys from a shared
	// secret.
	aesKeyLabel = "AES14159265358979323846"
	macKeyLabel = "MAC26433832795028841971"

	// MACSize is the truncated HMAC-SHA256 tag appended to encrypted
	// frames. The low 4 bits of the last tag byte carry the padding
	// length instead of MAC bits.
	MACSize = 10

	// ivFieldSize is the random entropy field feeding IV derivation.
	ivFieldSize = 4

	// minEncryptedFrame is header(7) + IV field(4) + one data byte + MAC.
	minEncryptedFrame = 11 + 1 + MACSize
)

var (
	ErrNoSuchKey     = errors.New("no key with the specified name")
	ErrFrameTooShort = errors.New("frame too short to encrypt")
	ErrBadKeyName    = errors.New("invalid key name")
)

// Keychain loads and saves group keys from/to disk, and implements the
// packet encryption and decryption. The on-disk store is a directory of
// raw shared secrets, one file per key, filename = key name. In memory
// each secret is reduced to a 16-byte digest the subkeys derive from.
type Keychain struct {
	dir  string
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewKeychain creates a keychain backed by the given directory, creating
// it if needed, and loads the stored keys.
func NewKeychain(dir string) (*Keychain, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keychain dir: %v", err)
	}
	kc := &Keychain{dir: dir}
	if err := kc.loadKeys(); err != nil {
		return nil, err
	}
	return kc, nil
}

// loadKeys loads all the stored secrets in memory.
func (kc *Keychain) loadKeys() error {
	entries, err := os.ReadDir(kc.dir)
	if err != nil {
		return fmt.Errorf("failed to read keychain dir: %v", err)
	}
	keys := make(map[string][]byte)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		secret, err := os.ReadFile(filepath.Join(kc.dir, e.Name()))
		if err != nil {
			continue // Unreadable entries are skipped, not fatal.
		}
		keys[e.Name()] = sha16(secret)
	}
	kc.mu.Lock()
	kc.keys = keys
	kc.mu.Unlock()
	return nil
}

// ListKeys returns all the available key names, sorted.
func (kc *Keychain) ListKeys() []string {
	kc.mu.RLock()
	names := make([]string, 0, len(kc.keys))
	for name := range kc.keys {
		names = append(names, name)
	}
	kc.mu.RUnlock()
	sort.Strings(names)
	return names
}

// HasKey returns true if the key exists.
func (kc *Keychain) HasKey(name string) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	_, ok := kc.keys[name]
	return ok
}

// AddKey adds a new key into the keychain, overwriting an old one with
// the same name if any.
func (kc *Keychain) AddKey(name string, secret []byte) error {
	if name == "" || name != filepath.Base(name) || name[0] == '.' {
		return ErrBadKeyName
	}
	if err := os.WriteFile(filepath.Join(kc.dir, name), secret, 0600); err != nil {
		return fmt.Errorf("failed to store key: %v", err)
	}
	return kc.loadKeys()
}

// DelKey deletes the specified key from disk and memory.
func (kc *Keychain) DelKey(name string) error {
	kc.mu.Lock()
	defer kc.mu.Unlock()
	if _, ok := kc.keys[name]; !ok {
		return ErrNoSuchKey
	}
	delete(kc.keys, name)
	if err := os.Remove(filepath.Join(kc.dir, name)); err != nil {
		return fmt.Errorf("failed to remove key file: %v", err)
	}
	return nil
}

// Fingerprint returns a short BLAKE2b fingerprint of the stored secret,
// useful to compare keychains across devices without exposing the key.
func (kc *Keychain) Fingerprint(name string) (string, error) {
	secret, err := os.ReadFile(filepath.Join(kc.dir, name))
	if err != nil {
		return "", ErrNoSuchKey
	}
	sum := blake2b.Sum256(secret)
	return fmt.Sprintf("%x", sum[:4]), nil
}

// deriveKeys derives the AES and HMAC subkeys from a loaded key.
func deriveKeys(key []byte) (aesKey, macKey []byte) {
	return hmacSHA256(key, aesKeyLabel)[:16], hmacSHA256(key, macKeyLabel)
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

// sha16 returns the SHA256 digest truncated to 16 bytes.
func sha16(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:16]
}

// Encrypt expects an already encoded DATA frame and returns its encrypted
// version:
//
//	header(7, in clear) | IV entropy(4) | ciphertext | MAC(10)
//
// The ttl byte and the Relayed flag bit are zeroed while computing the IV
// and the MAC: they are mutated at each relay hop and must stay outside
// the authenticated region. The low 4 bits of the last MAC byte carry the
// zero-padding length of the ciphertext.
func (kc *Keychain) Encrypt(packet []byte, keyName string) ([]byte, error) {
	kc.mu.RLock()
	key, ok := kc.keys[keyName]
	kc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchKey, keyName)
	}
	if len(packet) < protocol.DataHeaderSize {
		return nil, ErrFrameTooShort
	}

	aesKey, macKey := deriveKeys(key)

	dataLen := len(packet) - 7 // 7 bytes plaintext header.
	paddingLen := (16 - dataLen%16) % 16
	encr := make([]byte, ivFieldSize+len(packet)+paddingLen+MACSize)

	// Copy the header, with the relay-mutable fields canonicalized.
	encr[0] = packet[0]
	encr[1] = packet[1] &^ byte(protocol.FlagRelayed)
	copy(encr[2:6], packet[2:6])
	encr[6] = 0 // TTL, zeroed for IV and MAC.

	if _, err := rand.Read(encr[7:11]); err != nil {
		return nil, fmt.Errorf("failed to generate IV entropy: %v", err)
	}

	// Data section: plaintext now, ciphertext after the CBC pass. The
	// tail bytes left at zero are the padding.
	copy(encr[11:11+dataLen], packet[7:])

	// The actual initialization vector covers the whole 11 byte prefix.
	iv := sha16(encr[:11])

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encr[11:len(encr)-MACSize], encr[11:len(encr)-MACSize])

	// Truncated MAC over header + ciphertext, with the padding length
	// stored in the low nibble of the last byte.
	h := hmac.New(sha256.New, macKey)
	h.Write(encr[:len(encr)-MACSize])
	copy(encr[len(encr)-MACSize:], h.Sum(nil)[:MACSize])
	encr[len(encr)-1] = (encr[len(encr)-1] & 0xf0) | byte(paddingLen)

	// Restore the real flags and TTL in the clear header.
	encr[1] = packet[1]
	encr[6] = packet[6]
	return encr, nil
}

// Decrypt tries every possible key against the encrypted frame. If no
// match is found ok is false, otherwise it returns the name of the
// matching key and the decrypted frame, which reuses the received header
// so the relayed flags and ttl survive.
func (kc *Keychain) Decrypt(packet []byte) (keyName string, plain []byte, ok bool) {
	if len(packet) < minEncryptedFrame {
		return "", nil, false
	}
	ctLen := len(packet) - 11 - MACSize
	if ctLen <= 0 || ctLen%aes.BlockSize != 0 {
		return "", nil, false
	}

	// Canonicalize the mutable header fields and detach the padding
	// length nibble before checking the MAC.
	canon := append([]byte(nil), packet...)
	canon[1] &^= byte(protocol.FlagRelayed)
	canon[6] = 0
	paddingLen := int(canon[len(canon)-1] & 0x0f)
	canon[len(canon)-1] &= 0xf0
	tag := canon[len(canon)-MACSize:]

	kc.mu.RLock()
	defer kc.mu.RUnlock()
	for name, key := range kc.keys {
		aesKey, macKey := deriveKeys(key)

		h := hmac.New(sha256.New, macKey)
		h.Write(canon[:len(canon)-MACSize])
		myTag := h.Sum(nil)[:MACSize]
		myTag[MACSize-1] &= 0xf0
		if !hmac.Equal(tag, myTag) {
			continue
		}

		iv := sha16(canon[:11])
		block, err := aes.NewCipher(aesKey)
		if err != nil {
			return "", nil, false
		}
		data := make([]byte, ctLen)
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(data, packet[11:len(packet)-MACSize])
		if paddingLen >= len(data) {
			continue // Tag matched but padding is absurd: corrupt frame.
		}

		// Rebuild the plaintext frame: received header, then the data
		// section with the padding removed.
		orig := make([]byte, 7+len(data)-paddingLen)
		copy(orig[:7], packet[:7])
		copy(orig[7:], data[:len(data)-paddingLen])
		return name, orig, true
	}
	return "", nil, false
}

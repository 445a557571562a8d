package crypto

import (
	"bytes"
	"testing"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// Plaintext DATA frame: uid 0x12345678, ttl 15, nick "alice", text "hi".
func testFrame() []byte {
	return []byte{
		0x00, 0x00, 0x78, 0x56, 0x34, 0x12, 0x0F,
		0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01,
		0x05, 'a', 'l', 'i', 'c', 'e', 'h', 'i',
	}
}

func testKeychain(t *testing.T) *Keychain {
	t.Helper()
	kc, err := NewKeychain(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeychain() error: %v", err)
	}
	if err := kc.AddKey("grp", []byte("secret")); err != nil {
		t.Fatalf("AddKey() error: %v", err)
	}
	return kc
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kc := testKeychain(t)
	frame := testFrame()

	encr, err := kc.Encrypt(frame, "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// Clear header survives in the encrypted frame.
	if !bytes.Equal(encr[:7], frame[:7]) {
		t.Errorf("clear header = % x, want % x", encr[:7], frame[:7])
	}
	// Ciphertext region is a whole number of AES blocks.
	if ctLen := len(encr) - 11 - MACSize; ctLen%16 != 0 || ctLen == 0 {
		t.Errorf("ciphertext length = %d", ctLen)
	}
	// The padding nibble must match the data length.
	wantPad := (16 - (len(frame)-7)%16) % 16
	if got := int(encr[len(encr)-1] & 0x0f); got != wantPad {
		t.Errorf("padding nibble = %d, want %d", got, wantPad)
	}

	name, plain, ok := kc.Decrypt(encr)
	if !ok {
		t.Fatal("Decrypt() found no matching key")
	}
	if name != "grp" {
		t.Errorf("key name = %q, want grp", name)
	}
	if !bytes.Equal(plain, frame) {
		t.Errorf("decrypted frame = % x, want % x", plain, frame)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	kc := testKeychain(t)
	a, err := kc.Encrypt(testFrame(), "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	b, err := kc.Encrypt(testFrame(), "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same frame produced identical bytes")
	}
}

func TestBitFlipRejection(t *testing.T) {
	kc := testKeychain(t)
	encr, err := kc.Encrypt(testFrame(), "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	for i := 0; i < len(encr); i++ {
		for bit := 0; bit < 8; bit++ {
			// The relay-mutable fields are excluded from the MAC:
			// flags bit 0 and the whole ttl byte.
			if (i == 1 && bit == 0) || i == 6 {
				continue
			}
			// The padding nibble is not MAC material either:
			// flipping it only changes the recovered plaintext
			// length, so this loop skips the nibble.
			if i == len(encr)-1 && bit < 4 {
				continue
			}
			corrupted := append([]byte(nil), encr...)
			corrupted[i] ^= 1 << bit
			if _, _, ok := kc.Decrypt(corrupted); ok {
				t.Fatalf("bit flip at byte %d bit %d accepted", i, bit)
			}
		}
	}
}

func TestMutableHeaderTolerance(t *testing.T) {
	kc := testKeychain(t)
	encr, err := kc.Encrypt(testFrame(), "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// A relay sets the Relayed flag and decrements the TTL.
	relayed := append([]byte(nil), encr...)
	relayed[1] |= byte(protocol.FlagRelayed)
	relayed[6]--

	name, plain, ok := kc.Decrypt(relayed)
	if !ok {
		t.Fatal("Decrypt() rejected a legitimately relayed frame")
	}
	if name != "grp" {
		t.Errorf("key name = %q, want grp", name)
	}
	// The decrypted frame reuses the received header.
	if plain[1]&byte(protocol.FlagRelayed) == 0 {
		t.Error("Relayed flag lost in decrypted frame")
	}
	if plain[6] != testFrame()[6]-1 {
		t.Errorf("ttl = %d, want %d", plain[6], testFrame()[6]-1)
	}
}

func TestDecryptUnknownKey(t *testing.T) {
	kc := testKeychain(t)
	encr, err := kc.Encrypt(testFrame(), "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	other, err := NewKeychain(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeychain() error: %v", err)
	}
	if err := other.AddKey("grp", []byte("different secret")); err != nil {
		t.Fatalf("AddKey() error: %v", err)
	}
	if _, _, ok := other.Decrypt(encr); ok {
		t.Error("Decrypt() succeeded with the wrong secret")
	}
}

func TestEncryptErrors(t *testing.T) {
	kc := testKeychain(t)
	if _, err := kc.Encrypt(testFrame(), "nope"); err == nil {
		t.Error("Encrypt() with unknown key name succeeded")
	}
	if _, err := kc.Encrypt([]byte{0, 0, 1, 2, 3, 4, 5}, "grp"); err != ErrFrameTooShort {
		t.Errorf("Encrypt() short frame error = %v, want ErrFrameTooShort", err)
	}
}

func TestDecryptRejectsTruncated(t *testing.T) {
	kc := testKeychain(t)
	if _, _, ok := kc.Decrypt([]byte{0x00, 0x10, 1, 2, 3}); ok {
		t.Error("Decrypt() accepted a truncated frame")
	}
	// Ciphertext region not block-aligned.
	buf := make([]byte, 11+17+MACSize)
	if _, _, ok := kc.Decrypt(buf); ok {
		t.Error("Decrypt() accepted a misaligned frame")
	}
}

func TestKeychainPersistence(t *testing.T) {
	dir := t.TempDir()
	kc, err := NewKeychain(dir)
	if err != nil {
		t.Fatalf("NewKeychain() error: %v", err)
	}
	if err := kc.AddKey("grp", []byte("secret")); err != nil {
		t.Fatalf("AddKey() error: %v", err)
	}
	encr, err := kc.Encrypt(testFrame(), "grp")
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}

	// A fresh keychain over the same directory holds the same keys.
	reloaded, err := NewKeychain(dir)
	if err != nil {
		t.Fatalf("NewKeychain() error: %v", err)
	}
	if !reloaded.HasKey("grp") {
		t.Fatal("reloaded keychain lost the key")
	}
	if _, _, ok := reloaded.Decrypt(encr); !ok {
		t.Error("reloaded keychain cannot decrypt")
	}

	if err := reloaded.DelKey("grp"); err != nil {
		t.Fatalf("DelKey() error: %v", err)
	}
	if reloaded.HasKey("grp") {
		t.Error("key still present after DelKey()")
	}
	if err := reloaded.DelKey("grp"); err != ErrNoSuchKey {
		t.Errorf("DelKey() on missing key error = %v, want ErrNoSuchKey", err)
	}
}

func TestListKeysAndFingerprint(t *testing.T) {
	kc := testKeychain(t)
	if err := kc.AddKey("alpha", []byte("a")); err != nil {
		t.Fatalf("AddKey() error: %v", err)
	}
	names := kc.ListKeys()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "grp" {
		t.Errorf("ListKeys() = %v", names)
	}
	fp, err := kc.Fingerprint("grp")
	if err != nil || len(fp) != 8 {
		t.Errorf("Fingerprint() = %q, %v", fp, err)
	}
	if err := kc.AddKey("../evil", []byte("x")); err != ErrBadKeyName {
		t.Errorf("AddKey() with path traversal error = %v, want ErrBadKeyName", err)
	}
}

package crypto

import (
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// DeviceAddress derives the 6-byte sender id for this device from an
// immutable per-host identifier. The machine id is preferred; the
// hostname is the fallback for platforms that do not expose one.
func DeviceAddress() protocol.Address {
	var seed []byte
	if b, err := os.ReadFile("/etc/machine-id"); err == nil && len(b) > 0 {
		seed = b
	} else if host, err := os.Hostname(); err == nil {
		seed = []byte(host)
	} else {
		seed = []byte("freakwan")
	}
	sum := blake2b.Sum256(seed)
	return protocol.AddressFromBytes(sum[len(sum)-6:])
}

// HardwareNick returns a human readable nickname for the device,
// composed using the device address bytes.
func HardwareNick(addr protocol.Address) string {
	consonants := "kvprmnzflst"
	vowels := "aeiou"
	nick := make([]byte, 0, 6)
	for i := 0; i+1 < len(addr); i += 2 {
		nick = append(nick, consonants[int(addr[i])%len(consonants)])
		nick = append(nick, vowels[int(addr[i+1])%len(vowels)])
	}
	return string(nick)
}

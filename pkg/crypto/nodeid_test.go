package crypto

import (
	"testing"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

func TestDeviceAddressStable(t *testing.T) {
	a := DeviceAddress()
	b := DeviceAddress()
	if a != b {
		t.Errorf("DeviceAddress() not stable: %s vs %s", a, b)
	}
	if a.IsZero() {
		t.Error("DeviceAddress() is zero")
	}
}

func TestHardwareNick(t *testing.T) {
	nick := HardwareNick(protocol.Address{1, 2, 3, 4, 5, 6})
	if len(nick) != 6 {
		t.Errorf("HardwareNick() = %q, want 6 chars", nick)
	}
	// Same address, same nick.
	if nick != HardwareNick(protocol.Address{1, 2, 3, 4, 5, 6}) {
		t.Error("HardwareNick() not deterministic")
	}
	// Alternating consonant/vowel pattern.
	for i, c := range nick {
		set := "kvprmnzflst"
		if i%2 == 1 {
			set = "aeiou"
		}
		found := false
		for _, s := range set {
			if c == s {
				found = true
			}
		}
		if !found {
			t.Errorf("char %d of %q outside expected set", i, nick)
		}
	}
}

package mesh

import (
	"errors"
	"fmt"
	"sort"
)

// RXHandler is called by the radio driver when a frame is received, with
// the RSSI in dBm and the CRC status reported by the modem. It runs in
// the driver's interrupt context: implementations must only enqueue work
// and never block.
type RXHandler func(frame []byte, rssi int, badCRC bool)

// TXHandler is called by the radio driver when a transmission completes.
type TXHandler func()

// Radio is the abstract half-duplex LoRa radio the engine drives. The
// concrete chip drivers (SX1276, SX1262, simulators) live outside the
// mesh core and implement this contract.
type Radio interface {
	// Configure applies the modem parameters. Called at startup and
	// whenever the user changes a radio setting.
	Configure(params RadioParams) error

	// Receive enters continuous receive mode; frames arrive through the
	// RX handler.
	Receive() error

	// Send transmits one frame; completion arrives through the TX
	// handler.
	Send(frame []byte) error

	// ModemIsReceivingPacket reports whether a reception is in progress,
	// used as a listen-before-talk hint.
	ModemIsReceivingPacket() bool

	// TXInProgress reports whether a transmission is in flight.
	TXInProgress() bool

	// Receiving reports whether the modem is in receive mode.
	Receiving() bool

	// Reset hard-resets the chip. The engine uses it as the TX watchdog
	// recovery action; Configure and Receive must be called again after.
	Reset() error

	// SetHandlers installs the frame and TX-done callbacks.
	SetHandlers(onRX RXHandler, onTXDone TXHandler)
}

// RadioParams are the LoRa modem parameters.
type RadioParams struct {
	FreqHz      uint32
	BandwidthHz uint32
	CodingRate  uint8
	Spreading   uint8
	TXPowerDBM  int
}

// Parameter ranges. Bandwidth is restricted to the values the modem
// supports; coding rate, spreading and power to the chip limits.
var (
	ValidBandwidths = []uint32{7800, 10400, 15600, 20800, 31250, 41700,
		62500, 125000, 250000, 500000}

	MinCodingRate, MaxCodingRate uint8 = 5, 8
	MinSpreading, MaxSpreading   uint8 = 6, 12
	MinTXPower, MaxTXPower             = 2, 20
)

var (
	ErrBadBandwidth  = errors.New("invalid bandwidth")
	ErrBadCodingRate = errors.New("invalid coding rate")
	ErrBadSpreading  = errors.New("invalid spreading")
	ErrBadTXPower    = errors.New("invalid tx power")
)

// Validate checks every parameter against the supported ranges.
func (p RadioParams) Validate() error {
	valid := false
	for _, bw := range ValidBandwidths {
		if p.BandwidthHz == bw {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %d", ErrBadBandwidth, p.BandwidthHz)
	}
	if p.CodingRate < MinCodingRate || p.CodingRate > MaxCodingRate {
		return fmt.Errorf("%w: %d (use %d-%d)", ErrBadCodingRate,
			p.CodingRate, MinCodingRate, MaxCodingRate)
	}
	if p.Spreading < MinSpreading || p.Spreading > MaxSpreading {
		return fmt.Errorf("%w: %d (use %d-%d)", ErrBadSpreading,
			p.Spreading, MinSpreading, MaxSpreading)
	}
	if p.TXPowerDBM < MinTXPower || p.TXPowerDBM > MaxTXPower {
		return fmt.Errorf("%w: %d (use %d-%d dBm)", ErrBadTXPower,
			p.TXPowerDBM, MinTXPower, MaxTXPower)
	}
	return nil
}

// Preset is a named bandwidth/coding/spreading triplet trading range for
// speed. Presets are part of the interoperable surface: both ends of a
// link must use the same values.
type Preset struct {
	Spreading   uint8
	CodingRate  uint8
	BandwidthHz uint32
}

// Presets is the fixed dictionary of radio presets.
var Presets = map[string]Preset{
	"superfast": {Spreading: 7, CodingRate: 5, BandwidthHz: 500000},
	"veryfast":  {Spreading: 8, CodingRate: 6, BandwidthHz: 250000},
	"fast":      {Spreading: 9, CodingRate: 8, BandwidthHz: 250000},
	"mid":       {Spreading: 10, CodingRate: 8, BandwidthHz: 250000},
	"far":       {Spreading: 11, CodingRate: 8, BandwidthHz: 125000},
	"veryfar":   {Spreading: 12, CodingRate: 8, BandwidthHz: 125000},
	"superfar":  {Spreading: 12, CodingRate: 8, BandwidthHz: 62500},
}

// PresetNames returns the preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

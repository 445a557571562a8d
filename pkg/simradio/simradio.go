// Package simradio implements the radio contract over a UDP multicast
// group. Every process joined to the group behaves like a node on the
// same LoRa channel, which makes it possible to run a whole mesh on a
// desk, without radios, for development and integration testing.
package simradio

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/freakwan/freakwan-node/pkg/mesh"
)

// DefaultGroup is the multicast group simulated nodes join.
const DefaultGroup = "239.72.87.1:7278"

// Simulated reception strength range, in dBm.
const (
	rssiMin = -95
	rssiMax = -40
)

// frames are prefixed with the instance id, so a node does not hear its
// own transmissions (a half-duplex radio never does).
const instanceIDSize = 8

// Radio is a simulated LoRa radio on a UDP multicast medium. The
// transmission time is derived from the configured modem parameters, so
// duty cycle figures stay meaningful.
type Radio struct {
	group string

	mu           sync.Mutex
	conn         *net.UDPConn
	groupAddr    *net.UDPAddr
	params       mesh.RadioParams
	onRX         mesh.RXHandler
	onTXDone     mesh.TXHandler
	receiving    bool
	txInProgress bool
	instanceID   [instanceIDSize]byte
	stop         chan struct{}
}

// New creates a simulated radio on the given multicast group, in
// "host:port" form. An empty group selects the default.
func New(group string) *Radio {
	if group == "" {
		group = DefaultGroup
	}
	r := &Radio{group: group}
	if _, err := rand.Read(r.instanceID[:]); err != nil {
		binary.LittleEndian.PutUint64(r.instanceID[:], uint64(time.Now().UnixNano()))
	}
	return r
}

// SetHandlers installs the frame and TX-done callbacks.
func (r *Radio) SetHandlers(onRX mesh.RXHandler, onTXDone mesh.TXHandler) {
	r.mu.Lock()
	r.onRX = onRX
	r.onTXDone = onTXDone
	r.mu.Unlock()
}

// Configure stores the modem parameters after validating them.
func (r *Radio) Configure(params mesh.RadioParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.params = params
	r.mu.Unlock()
	return nil
}

// Receive joins the multicast group and starts delivering frames to the
// RX handler.
func (r *Radio) Receive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receiving {
		return nil
	}

	groupAddr, err := net.ResolveUDPAddr("udp4", r.group)
	if err != nil {
		return fmt.Errorf("failed to resolve multicast group: %v", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("failed to join multicast group: %v", err)
	}
	conn.SetReadBuffer(64 * 1024)

	r.conn = conn
	r.groupAddr = groupAddr
	r.receiving = true
	r.stop = make(chan struct{})
	go r.readLoop(conn, r.stop)
	return nil
}

func (r *Radio) readLoop(conn *net.UDPConn, stop chan struct{}) {
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				log.Printf("[simradio] read error: %v", err)
				return
			}
		}
		if n <= instanceIDSize {
			continue
		}
		var id [instanceIDSize]byte
		copy(id[:], buf[:instanceIDSize])
		if id == r.instanceID {
			continue // our own transmission
		}
		frame := append([]byte(nil), buf[instanceIDSize:n]...)

		r.mu.Lock()
		onRX := r.onRX
		r.mu.Unlock()
		if onRX != nil {
			// The simulated medium never corrupts frames; the rssi is
			// drawn at random, links on a desk have no geometry.
			onRX(frame, rssiMin+mrand.Intn(rssiMax-rssiMin+1), false)
		}
	}
}

// Send transmits one frame to the group. The transmitter stays busy for
// the computed air time, then the TX-done callback fires, like a real
// chip raising its TX-done interrupt.
func (r *Radio) Send(frame []byte) error {
	r.mu.Lock()
	if r.conn == nil {
		r.mu.Unlock()
		return fmt.Errorf("radio not receiving, no medium joined")
	}
	if r.txInProgress {
		r.mu.Unlock()
		return fmt.Errorf("transmission already in progress")
	}
	r.txInProgress = true
	conn, groupAddr := r.conn, r.groupAddr
	params := r.params
	r.mu.Unlock()

	packet := append(append([]byte(nil), r.instanceID[:]...), frame...)
	if _, err := conn.WriteToUDP(packet, groupAddr); err != nil {
		r.mu.Lock()
		r.txInProgress = false
		r.mu.Unlock()
		return fmt.Errorf("failed to write to medium: %v", err)
	}

	time.AfterFunc(AirTime(params, len(frame)), func() {
		r.mu.Lock()
		r.txInProgress = false
		done := r.onTXDone
		r.mu.Unlock()
		if done != nil {
			done()
		}
	})
	return nil
}

// ModemIsReceivingPacket is always false: UDP datagrams arrive whole, a
// reception can never be caught half-way.
func (r *Radio) ModemIsReceivingPacket() bool { return false }

// TXInProgress reports whether the simulated transmitter is busy.
func (r *Radio) TXInProgress() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.txInProgress
}

// Receiving reports whether the group is joined.
func (r *Radio) Receiving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receiving
}

// Reset leaves the medium and clears the modem state, like a hard chip
// reset would.
func (r *Radio) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.receiving = false
	r.txInProgress = false
	return nil
}

// AirTime computes the LoRa time-on-air of a payload under the given
// modem parameters (explicit header, CRC on, 8 preamble symbols).
func AirTime(p mesh.RadioParams, payloadLen int) time.Duration {
	sf := int(p.Spreading)
	bw := float64(p.BandwidthHz)
	cr := int(p.CodingRate) - 4 // 5..8 -> 1..4

	symTime := float64(int(1)<<sf) / bw // seconds per symbol

	// Low data rate optimization kicks in on slow symbol rates.
	de := 0
	if symTime > 0.016 {
		de = 1
	}

	num := 8*payloadLen - 4*sf + 28 + 16
	den := 4 * (sf - 2*de)
	nPayload := (num + den - 1) / den // ceil
	if nPayload < 0 {
		nPayload = 0
	}
	symbols := 8.0 + float64(nPayload*(cr+4))
	preamble := 8 + 4.25

	return time.Duration((preamble + symbols) * symTime * float64(time.Second))
}

// Package mesh implements the FreakWAN messaging engine: the receive
// dispatch, flood relaying with duplicate suppression, implicit
// acknowledgements, the neighbor table, the transmit scheduler with its
// duty-cycle cap and TX watchdog, and the periodic tasks.
package mesh

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/freakwan/freakwan-node/pkg/crypto"
	"github.com/freakwan/freakwan-node/pkg/metrics"
	"github.com/freakwan/freakwan-node/pkg/protocol"
	"github.com/freakwan/freakwan-node/pkg/storage"
)

// Engine timing constants.
const (
	// Main cron period, with jitter applied at each tick.
	cronPeriod = 100 * time.Millisecond
	cronJitter = 20 * time.Millisecond

	// Delay window between retransmissions of the same message.
	TXAgainMinDelay = 3 * time.Second
	TXAgainMaxDelay = 8 * time.Second

	// A transmission lasting longer than this means the radio is stuck.
	txWatchdogTimeout = 60 * time.Second

	// HELLO emission window.
	helloMinPeriod = 60 * time.Second
	helloMaxPeriod = 120 * time.Second

	// Base period of the automatic test messages.
	autoMsgPeriod = 150 * time.Second

	// Nap length of the low battery guard.
	lowBatterySleep = 5 * time.Second
)

// Config is the runtime configuration of the engine. It is mutated at
// runtime by the command controller, always through UpdateConfig.
type Config struct {
	Nick        string
	Status      string
	Quiet       bool
	CheckCRC    bool
	AutoMsg     bool
	Promiscuous bool

	Radio RadioParams

	DutyCycleCap   float64 // percent, transmissions refused above this
	RelayNumTX     int
	RelayMaxDelay  time.Duration
	RelayRSSILimit int

	SleepBatteryPerc int
}

// MessageStore archives surfaced messages. Implemented by the sqlite
// archive; the engine only needs this narrow surface.
type MessageStore interface {
	Store(*protocol.Message) error
}

// BatteryGauge reads the battery state from whatever power chip the
// board carries.
type BatteryGauge interface {
	Percentage() int
	Microvolts() int
}

type rxFrame struct {
	buf    []byte
	rssi   int
	badCRC bool
}

// FreakWAN is the mesh messaging engine. It owns the subsystems and
// reacts to radio events; local transports inject messages through the
// command controller and observe traffic through the OnMessage callback.
type FreakWAN struct {
	addr     protocol.Address
	radio    Radio
	keychain *crypto.Keychain
	journal  *storage.Journal

	cache     *ProcessedCache
	neighbors *NeighborTable
	queue     *SendQueue
	duty      *DutyCycle

	cfgMu sync.RWMutex
	cfg   Config

	rxCh      chan rxFrame
	startTime time.Time

	archive MessageStore
	battery BatteryGauge

	// OnMessage surfaces received DATA messages to the local transports
	// (serial console, HTTP API, short-range links).
	OnMessage func(*protocol.Message)

	// OnRawFrame receives undecodable frames in promiscuous mode.
	OnRawFrame func(frame []byte, rssi int)

	// TXLED drives the transmit led, if the board has one.
	TXLED func(on bool)

	// DeepSleep puts the board to sleep for the given duration. Used by
	// the low battery guard; nil on boards without power management.
	DeepSleep func(time.Duration)

	// HardReset restarts the device. Wired by the board support code.
	HardReset func()

	crashDumpPath string
}

// NewFreakWAN creates the engine. The radio is expected to be not yet
// configured; Run takes care of that.
func NewFreakWAN(addr protocol.Address, cfg Config, radio Radio, keychain *crypto.Keychain, journal *storage.Journal) *FreakWAN {
	if cfg.Nick == "" {
		cfg.Nick = crypto.HardwareNick(addr)
	}
	fw := &FreakWAN{
		addr:          addr,
		radio:         radio,
		keychain:      keychain,
		journal:       journal,
		cache:         NewProcessedCache(0),
		neighbors:     NewNeighborTable(),
		queue:         NewSendQueue(0),
		duty:          NewDutyCycle(0, 0),
		cfg:           cfg,
		rxCh:          make(chan rxFrame, 32),
		startTime:     time.Now(),
		crashDumpPath: "crash.txt",
	}
	radio.SetHandlers(fw.onRXFrame, fw.onTXDone)
	return fw
}

// AttachArchive attaches a store for surfaced messages.
func (fw *FreakWAN) AttachArchive(store MessageStore) {
	fw.archive = store
}

// SetBatteryGauge attaches the battery gauge.
func (fw *FreakWAN) SetBatteryGauge(g BatteryGauge) {
	fw.battery = g
}

// Address returns the 6-byte sender id of this node.
func (fw *FreakWAN) Address() protocol.Address { return fw.addr }

// Keychain returns the group keychain.
func (fw *FreakWAN) Keychain() *crypto.Keychain { return fw.keychain }

// Journal returns the message journal.
func (fw *FreakWAN) Journal() *storage.Journal { return fw.journal }

// Neighbors returns the neighbor table.
func (fw *FreakWAN) Neighbors() *NeighborTable { return fw.neighbors }

// DutyCycle returns the duty cycle tracker.
func (fw *FreakWAN) DutyCycle() *DutyCycle { return fw.duty }

// QueueLen returns the current send queue length.
func (fw *FreakWAN) QueueLen() int { return fw.queue.Len() }

// Battery returns the battery gauge, or nil.
func (fw *FreakWAN) Battery() BatteryGauge { return fw.battery }

// Uptime returns the time since the engine was created.
func (fw *FreakWAN) Uptime() time.Duration { return time.Since(fw.startTime) }

// ConfigSnapshot returns a copy of the current configuration.
func (fw *FreakWAN) ConfigSnapshot() Config {
	fw.cfgMu.RLock()
	defer fw.cfgMu.RUnlock()
	return fw.cfg
}

// UpdateConfig applies a mutation to the configuration.
func (fw *FreakWAN) UpdateConfig(mutate func(*Config)) {
	fw.cfgMu.Lock()
	mutate(&fw.cfg)
	fw.cfgMu.Unlock()
}

// ReconfigureRadio resets the radio and applies the current parameters,
// re-entering receive mode. Called after any radio setting change.
func (fw *FreakWAN) ReconfigureRadio() error {
	cfg := fw.ConfigSnapshot()
	if err := fw.radio.Reset(); err != nil {
		return fmt.Errorf("failed to reset radio: %v", err)
	}
	if err := fw.radio.Configure(cfg.Radio); err != nil {
		return fmt.Errorf("failed to configure radio: %v", err)
	}
	return fw.radio.Receive()
}

// Run configures the radio and runs the engine tasks until the stop
// channel is closed.
func (fw *FreakWAN) Run(stop <-chan struct{}) error {
	cfg := fw.ConfigSnapshot()

	// Waking up from a low-battery deep sleep with the charge still too
	// low: flash the TX led and go straight back to sleep, without even
	// initializing the radio.
	if fw.battery != nil && fw.DeepSleep != nil {
		for fw.battery.Percentage() < cfg.SleepBatteryPerc {
			fw.flashTXLED(3)
			fw.DeepSleep(lowBatterySleep)
		}
	}

	if err := fw.radio.Configure(cfg.Radio); err != nil {
		return fmt.Errorf("failed to configure radio: %v", err)
	}
	if err := fw.radio.Receive(); err != nil {
		return fmt.Errorf("failed to enter receive mode: %v", err)
	}
	log.Printf("[net] node %s (%s) on air: fr:%d bw:%d sp:%d cr:%d pw:%d",
		fw.addr, cfg.Nick, cfg.Radio.FreqHz, cfg.Radio.BandwidthHz,
		cfg.Radio.Spreading, cfg.Radio.CodingRate, cfg.Radio.TXPowerDBM)

	go fw.dispatchTask(stop)
	go fw.cronTask(stop)
	go fw.helloTask(stop)
	go fw.autoMsgTask(stop)

	<-stop
	return nil
}

// onRXFrame runs in the radio driver context. It only enqueues the frame
// for the dispatcher task and never blocks: when the engine is behind,
// the frame is dropped like a collision on the air would drop it.
func (fw *FreakWAN) onRXFrame(frame []byte, rssi int, badCRC bool) {
	buf := append([]byte(nil), frame...)
	select {
	case fw.rxCh <- rxFrame{buf: buf, rssi: rssi, badCRC: badCRC}:
	default:
	}
}

// flashTXLED blinks the TX led the given number of times.
func (fw *FreakWAN) flashTXLED(times int) {
	if fw.TXLED == nil {
		return
	}
	for i := 0; i < times; i++ {
		fw.TXLED(true)
		time.Sleep(50 * time.Millisecond)
		fw.TXLED(false)
		time.Sleep(50 * time.Millisecond)
	}
}

// onTXDone runs in the radio driver context when a transmission ends.
func (fw *FreakWAN) onTXDone() {
	fw.duty.EndTX()
	if fw.TXLED != nil {
		fw.TXLED(false)
	}
}

// SendAsynchronously appends a locally originated message to the send
// queue, to be transmitted numTX times, the first one within maxDelay.
// With relay set the mesh is asked to repeat the message. It returns
// false when the send queue is full.
func (fw *FreakWAN) SendAsynchronously(m *protocol.Message, maxDelay time.Duration, numTX int, relay bool) bool {
	if numTX < 1 {
		numTX = 1
	}
	m.NumTX = numTX
	if relay {
		m.Flags |= protocol.FlagPleaseRelay
	}
	m.SendTime = time.Now().Add(randDelay(maxDelay))

	// Our own DATA messages go into the processed cache right away, so
	// relayed copies coming back to us are recognized as duplicates.
	if m.Type == protocol.MessageTypeData {
		fw.cache.Insert(m)
	}
	if !fw.queue.Append(m) {
		log.Printf("[net] send queue full, dropping message uid:%08x", m.UID)
		return false
	}
	return true
}

// surface delivers a received DATA message to the user: journal,
// archive, local transports.
func (fw *FreakWAN) surface(m *protocol.Message) {
	if m.Flags&protocol.FlagMedia != 0 {
		log.Printf("[msg] %s %s> [%d bytes of media] rssi:%d",
			m.Sender, m.Nick, len(m.MediaData), m.RSSI)
	} else {
		log.Printf("[msg] %s %s> %s rssi:%d", m.Sender, m.Nick, m.Text, m.RSSI)
	}

	if fw.journal != nil {
		if encoded, err := m.Encode(fw.keychain); err == nil {
			if err := fw.journal.Append(encoded); err != nil {
				log.Printf("[journal] append failed: %v", err)
			}
		}
	}
	if fw.archive != nil {
		if err := fw.archive.Store(m); err != nil {
			log.Printf("[archive] store failed: %v", err)
		}
	}
	if fw.OnMessage != nil {
		fw.OnMessage(m)
	}
}

// safely runs one unit of work, surviving a panic. Queues and caches are
// emptied before anything else so that the logging and the crash dump
// cannot die of memory exhaustion; then a dump is written to persistent
// storage and the engine attempts to continue.
func (fw *FreakWAN) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			fw.queue.Clear()
			fw.cache.Clear()
			log.Printf("[crash] %s: %v", name, r)
			dump := fmt.Sprintf("%v\n\n%s", r, debug.Stack())
			if err := os.WriteFile(fw.crashDumpPath, []byte(dump), 0644); err != nil {
				log.Printf("[crash] dump not saved: %v", err)
			}
		}
	}()
	fn()
}

// randDelay returns a random duration in [0, max].
func randDelay(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

// randBetween returns a random duration in [min, max].
func randBetween(min, max time.Duration) time.Duration {
	return min + randDelay(max-min)
}

// updateGauges refreshes the exported metrics.
func (fw *FreakWAN) updateGauges() {
	metrics.DutyCyclePerc.Set(fw.duty.Percentage())
	metrics.Neighbors.Set(float64(fw.neighbors.Count()))
	metrics.SendQueueLen.Set(float64(fw.queue.Len()))
}

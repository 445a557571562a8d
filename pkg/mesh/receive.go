package mesh

import (
	"log"
	"time"

	"github.com/freakwan/freakwan-node/pkg/metrics"
	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// dispatchTask consumes the frames handed over by the radio callback.
func (fw *FreakWAN) dispatchTask(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case f := <-fw.rxCh:
			fw.safely("rx dispatch", func() { fw.processFrame(f) })
		}
	}
}

// processFrame implements the receive path: CRC gate, decode, dedup,
// then the per-type reaction.
func (fw *FreakWAN) processFrame(f rxFrame) {
	metrics.FramesReceived.Inc()
	cfg := fw.ConfigSnapshot()

	if f.badCRC && cfg.CheckCRC {
		log.Printf("[net] bad CRC frame dropped (%d bytes, rssi:%d)", len(f.buf), f.rssi)
		return
	}

	m, err := protocol.FromEncoded(f.buf, fw.keychain)
	if err != nil {
		metrics.DecodeErrors.Inc()
		log.Printf("[net] decode error: %v (frame % x)", err, f.buf)
		if cfg.Promiscuous && fw.OnRawFrame != nil {
			fw.OnRawFrame(f.buf, f.rssi)
		}
		return
	}
	m.RSSI = f.rssi
	if f.badCRC {
		m.Flags |= protocol.FlagBadCRC
	}

	// Encrypted traffic of groups we don't belong to: worth relaying,
	// never surfaced nor acknowledged.
	if m.NoKey {
		if fw.cache.Has(m.UID) {
			metrics.DuplicatesDropped.Inc()
			return
		}
		fw.cache.Insert(m)
		fw.maybeRelay(m, cfg)
		return
	}

	switch m.Type {
	case protocol.MessageTypeData:
		fw.handleData(m, cfg)
	case protocol.MessageTypeAck:
		fw.handleAck(m)
	case protocol.MessageTypeHello:
		fw.handleHello(m)
	}
}

func (fw *FreakWAN) handleData(m *protocol.Message, cfg Config) {
	if fw.cache.Has(m.UID) {
		metrics.DuplicatesDropped.Inc()
		if !cfg.Promiscuous {
			return
		}
		// Promiscuous mode shows duplicates too, but never re-relays
		// nor re-acknowledges them.
		fw.surface(m)
		return
	}
	fw.cache.Insert(m)

	// A non-relayed DATA proves the sender is in radio range; a relayed
	// copy only proves the relayer is, and the relayer is not named in
	// the frame. Only the former refreshes the neighbor table.
	if m.Flags&protocol.FlagRelayed == 0 {
		fw.neighbors.Upsert(m)
	}

	fw.surface(m)
	fw.maybeAck(m, cfg)
	fw.maybeRelay(m, cfg)
}

// maybeAck acknowledges a DATA received straight from its originator.
// Media messages are not acked: they are often fired in bursts by
// unattended senders that do not listen for replies.
func (fw *FreakWAN) maybeAck(m *protocol.Message, cfg Config) {
	if cfg.Quiet || m.Flags&(protocol.FlagRelayed|protocol.FlagMedia) != 0 {
		return
	}
	ack := protocol.NewAckMessage(fw.addr, m)
	fw.SendAsynchronously(ack, 0, 1, false)
}

// maybeRelay applies the relay gating rules and, when the message
// qualifies, re-queues it with the Relayed flag and a decremented ttl.
func (fw *FreakWAN) maybeRelay(m *protocol.Message, cfg Config) {
	if m.Type != protocol.MessageTypeData && !m.NoKey {
		return
	}
	if m.Flags&protocol.FlagPleaseRelay == 0 || cfg.Quiet {
		return
	}
	// A strong signal means the originator is close to us: our copy
	// would reach nobody new.
	if m.RSSI > cfg.RelayRSSILimit {
		return
	}
	if m.TTL <= 1 {
		return
	}
	m.TTL--
	m.Flags |= protocol.FlagRelayed
	m.NumTX = cfg.RelayNumTX
	m.SendTime = time.Now().Add(randDelay(cfg.RelayMaxDelay))
	if fw.queue.Append(m) {
		metrics.FramesRelayed.Inc()
		log.Printf("[net] relaying uid:%08x ttl:%d", m.UID, m.TTL)
	}
}

// handleAck records the acker in the original message ack-set. Once
// every neighbor acked, further retransmissions are useless and the
// message is canceled.
func (fw *FreakWAN) handleAck(m *protocol.Message) {
	orig, ok := fw.cache.Get(m.UID)
	if !ok {
		return
	}
	metrics.AcksReceived.Inc()
	acks := orig.RegisterAck(m.Sender)
	if neighbors := fw.neighbors.Count(); neighbors > 0 && acks >= neighbors {
		orig.Cancel()
		log.Printf("[net] uid:%08x acknowledged by all %d neighbors", m.UID, neighbors)
	}
}

// handleHello upserts the sender in the neighbor table.
func (fw *FreakWAN) handleHello(m *protocol.Message) {
	if fw.neighbors.Upsert(m) {
		log.Printf("[net] new node sensed: %s (%s) seen:%d", m.Sender, m.Nick, m.Seen)
	}
}

package mesh

import (
	"log"
	"time"

	"github.com/freakwan/freakwan-node/pkg/metrics"
)

// sendMessagesInQueue drains the send queue, within the regulatory duty
// cycle cap and deferring to in-progress receptions (listen before talk).
// Called at every cron tick.
func (fw *FreakWAN) sendMessagesInQueue() {
	cfg := fw.ConfigSnapshot()

	if fw.duty.Percentage() >= cfg.DutyCycleCap {
		return
	}
	if fw.radio.ModemIsReceivingPacket() {
		return
	}

	due := fw.queue.PopDue(time.Now())
	for i, m := range due {
		if m.Canceled() {
			continue
		}

		if fw.radio.TXInProgress() {
			// A transmission lasting this long means the chip latched
			// up: hard-reset it and start over.
			if fw.duty.CurrentTXTime() > txWatchdogTimeout {
				log.Printf("[net] TX watchdog: radio stuck, resetting")
				fw.duty.EndTX()
				if err := fw.ReconfigureRadio(); err != nil {
					log.Printf("[net] watchdog recovery failed: %v", err)
				}
			}
			// Half duplex: one frame in flight at most. Back off and
			// retry at the next tick.
			fw.queue.Requeue(m)
			for _, rest := range due[i+1:] {
				fw.queue.Requeue(rest)
			}
			break
		}

		frame, err := m.Encode(fw.keychain)
		if err != nil {
			log.Printf("[net] encoding failed, message dropped: %v", err)
			m.Cancel()
			continue
		}

		fw.duty.StartTX()
		if fw.TXLED != nil {
			fw.TXLED(true)
		}
		if err := fw.radio.Send(frame); err != nil {
			log.Printf("[net] send failed: %v", err)
			fw.duty.EndTX()
			if fw.TXLED != nil {
				fw.TXLED(false)
			}
			fw.queue.Requeue(m)
			for _, rest := range due[i+1:] {
				fw.queue.Requeue(rest)
			}
			break
		}
		metrics.FramesSent.Inc()

		// Schedule the next transmission of the same message, if any.
		if m.NumTX > 1 && !m.Canceled() && !cfg.Quiet {
			m.NumTX--
			m.SendTime = time.Now().Add(randBetween(TXAgainMinDelay, TXAgainMaxDelay))
			fw.queue.Requeue(m)
		}
	}
}

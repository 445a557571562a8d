package mesh

import (
	"fmt"
	"log"
	"time"

	"github.com/freakwan/freakwan-node/pkg/protocol"
)

// cronTask is the engine heartbeat: it drains the send queue, runs the
// incremental cache eviction, refreshes the gauges and enforces the low
// battery guard. The tick has a random jitter so that nodes booted by
// the same power event do not stay synchronized forever.
func (fw *FreakWAN) cronTask(stop <-chan struct{}) {
	tick := 0
	for {
		delay := cronPeriod - cronJitter + randDelay(2*cronJitter)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
		tick++
		fw.safely("cron", func() {
			fw.sendMessagesInQueue()
			if tick%10 == 0 { // about once per second
				fw.cache.EvictPass()
				fw.updateGauges()
			}
			if tick%100 == 0 { // about every ten seconds
				fw.checkBattery()
			}
		})
	}
}

// checkBattery puts the board to sleep when the battery charge gets
// dangerously low, to avoid damaging it.
func (fw *FreakWAN) checkBattery() {
	if fw.battery == nil || fw.DeepSleep == nil {
		return
	}
	cfg := fw.ConfigSnapshot()
	perc := fw.battery.Percentage()
	if perc >= cfg.SleepBatteryPerc {
		return
	}
	log.Printf("[power] battery at %d%%, entering deep sleep", perc)
	// Stay asleep until the charge is back over the threshold with some
	// margin, so a borderline battery does not flap.
	for fw.battery.Percentage() < cfg.SleepBatteryPerc+3 {
		fw.DeepSleep(lowBatterySleep)
	}
}

// helloTask periodically advertises our presence. Stale neighbors are
// evicted first, so the advertised count reflects who is really around.
func (fw *FreakWAN) helloTask(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(randBetween(helloMinPeriod, helloMaxPeriod)):
		}
		fw.safely("hello", func() {
			if dropped := fw.neighbors.Evict(NeighborMaxAge); dropped > 0 {
				log.Printf("[net] %d stale neighbors evicted", dropped)
			}
			cfg := fw.ConfigSnapshot()
			if cfg.Quiet {
				return
			}
			seen := fw.neighbors.Count()
			if seen > 255 {
				seen = 255
			}
			hello := protocol.NewHelloMessage(fw.addr, cfg.Nick, cfg.Status, uint8(seen))
			fw.SendAsynchronously(hello, 0, 1, false)
		})
	}
}

// autoMsgTask sends periodic test messages when the automsg setting is
// enabled, useful to check coverage while moving antennas around.
func (fw *FreakWAN) autoMsgTask(stop <-chan struct{}) {
	counter := 0
	for {
		select {
		case <-stop:
			return
		case <-time.After(autoMsgPeriod + randDelay(autoMsgPeriod/2)):
		}
		fw.safely("automsg", func() {
			cfg := fw.ConfigSnapshot()
			if !cfg.AutoMsg || cfg.Quiet {
				return
			}
			counter++
			text := fmt.Sprintf("Hi %d", counter)
			m := protocol.NewDataMessage(fw.addr, cfg.Nick, text, "")
			fw.SendAsynchronously(m, 0, 3, true)
		})
	}
}

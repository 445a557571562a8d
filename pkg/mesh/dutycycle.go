package mesh

import (
	"sync"
	"time"
)

// Duty cycle defaults: 12 slots of 5 minutes give a 1 hour window.
const (
	DefaultDutySlots    = 12
	DefaultSlotDuration = 5 * time.Minute
)

type dutySlot struct {
	txTime time.Duration
	epoch  int64
}

// DutyCycle tracks the percentage of time the radio transmitter was
// active over a sliding window. Each time the TX is activated StartTX
// must be called, and EndTX when it ends.
//
// Time is divided in slots of fixed duration. Each slot knows the total
// tx time accumulated while it was the current slot; the percentage is
// the average over the slots still inside the window. Slots are stamped
// with an epoch (wall seconds divided by the slot duration) so a slot
// reused after wrapping around is detected and reset.
type DutyCycle struct {
	mu       sync.Mutex
	slotDur  time.Duration
	slots    []dutySlot
	txStart  time.Time
	txActive bool
	now      func() time.Time
}

// NewDutyCycle creates a tracker with the given number of slots of the
// given duration. Zero values select the defaults.
func NewDutyCycle(slotsNum int, slotDur time.Duration) *DutyCycle {
	if slotsNum <= 0 {
		slotsNum = DefaultDutySlots
	}
	if slotDur <= 0 {
		slotDur = DefaultSlotDuration
	}
	d := &DutyCycle{
		slotDur: slotDur,
		slots:   make([]dutySlot, slotsNum),
		now:     time.Now,
	}
	// Epoch -1 marks a slot as invalid, so slots are not counted before
	// they hold actual data.
	for i := range d.slots {
		d.slots[i].epoch = -1
	}
	return d
}

// epoch returns an integer that increments once every slot duration.
func (d *DutyCycle) epoch() int64 {
	return d.now().Unix() / int64(d.slotDur/time.Second)
}

// StartTX records the start of a transmission.
func (d *DutyCycle) StartTX() {
	d.mu.Lock()
	d.txStart = d.now()
	d.txActive = true
	d.mu.Unlock()
}

// CurrentTXTime returns for how long the in-progress transmission has
// been active, or zero if the transmitter is off.
func (d *DutyCycle) CurrentTXTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.txActive {
		return 0
	}
	return d.now().Sub(d.txStart)
}

// EndTX accounts the elapsed transmission time to the current slot,
// rotating the slot if its stored epoch is stale.
func (d *DutyCycle) EndTX() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.txActive {
		return
	}
	txTime := d.now().Sub(d.txStart)
	d.txActive = false

	epoch := d.epoch()
	slot := &d.slots[int(epoch)%len(d.slots)]
	if slot.epoch != epoch {
		slot.epoch = epoch
		slot.txTime = 0
	}
	slot.txTime += txTime
}

// Percentage returns the duty cycle as a number from 0 to 100, averaged
// over the slots still inside the window.
func (d *DutyCycle) Percentage() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	epoch := d.epoch()
	oldest := epoch - int64(len(d.slots))
	if oldest < 0 {
		oldest = 0
	}
	var txTime time.Duration
	validSlots := 0
	for _, slot := range d.slots {
		if slot.epoch > oldest {
			txTime += slot.txTime
			validSlots++
		}
	}
	if validSlots == 0 {
		return 0
	}
	window := d.slotDur * time.Duration(validSlots)
	return float64(txTime) / float64(window) * 100
}

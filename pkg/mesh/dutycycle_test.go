package mesh

import (
	"testing"
	"time"
)

func fakeClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestDutyCycleAccounting(t *testing.T) {
	now, clock := fakeClock(time.Unix(1_000_000, 0))
	d := NewDutyCycle(12, 5*time.Minute)
	d.now = clock

	if got := d.Percentage(); got != 0 {
		t.Errorf("Percentage() with no data = %f, want 0", got)
	}

	d.StartTX()
	*now = now.Add(30 * time.Second)
	if got := d.CurrentTXTime(); got != 30*time.Second {
		t.Errorf("CurrentTXTime() = %v, want 30s", got)
	}
	d.EndTX()

	// One valid slot: 30s over 300s.
	if got := d.Percentage(); got < 9.9 || got > 10.1 {
		t.Errorf("Percentage() = %f, want ~10", got)
	}
	if got := d.CurrentTXTime(); got != 0 {
		t.Errorf("CurrentTXTime() after EndTX = %v, want 0", got)
	}
}

func TestDutyCycleCutoffScenario(t *testing.T) {
	// 29s of transmission within the last 300s must report >= 9.6%.
	now, clock := fakeClock(time.Unix(2_000_000, 0))
	d := NewDutyCycle(12, 5*time.Minute)
	d.now = clock

	d.StartTX()
	*now = now.Add(29 * time.Second)
	d.EndTX()

	if got := d.Percentage(); got < 9.6 {
		t.Errorf("Percentage() = %f, want >= 9.6", got)
	}
}

func TestDutyCycleWindowExpiry(t *testing.T) {
	now, clock := fakeClock(time.Unix(3_000_000, 0))
	d := NewDutyCycle(12, 5*time.Minute)
	d.now = clock

	d.StartTX()
	*now = now.Add(30 * time.Second)
	d.EndTX()

	// Way past the 1 hour window the old slot no longer counts.
	*now = now.Add(2 * time.Hour)
	if got := d.Percentage(); got != 0 {
		t.Errorf("Percentage() after window = %f, want 0", got)
	}
}

func TestDutyCycleSlotRotation(t *testing.T) {
	now, clock := fakeClock(time.Unix(4_000_000, 0))
	d := NewDutyCycle(12, 5*time.Minute)
	d.now = clock

	// Fill the same wall slot twice, one window apart: the second use
	// must reset the stale counter, not add to it.
	d.StartTX()
	*now = now.Add(60 * time.Second)
	d.EndTX()

	*now = now.Add(time.Hour - 60*time.Second) // exactly one full window
	d.StartTX()
	*now = now.Add(6 * time.Second)
	d.EndTX()

	// Only the 6s interval is in scope: 6/300 = 2%.
	if got := d.Percentage(); got < 1.9 || got > 2.1 {
		t.Errorf("Percentage() = %f, want ~2", got)
	}
}

func TestDutyCycleAveragesValidSlots(t *testing.T) {
	now, clock := fakeClock(time.Unix(5_000_000, 0))
	d := NewDutyCycle(12, 5*time.Minute)
	d.now = clock

	for i := 0; i < 3; i++ {
		d.StartTX()
		*now = now.Add(15 * time.Second)
		d.EndTX()
		*now = now.Add(5 * time.Minute)
	}
	// Three valid slots with 15s each: 45/900 = 5%.
	if got := d.Percentage(); got < 4.9 || got > 5.1 {
		t.Errorf("Percentage() = %f, want ~5", got)
	}
}

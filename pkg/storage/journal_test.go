package storage

import (
	"bytes"
	"fmt"
	"testing"
)

func TestJournalAppendAndRead(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 5, 20)
	if err != nil {
		t.Fatalf("NewJournal() error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := j.Append([]byte(fmt.Sprintf("entry %d", i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}
	if j.NumRecords() != 3 {
		t.Fatalf("NumRecords() = %d, want 3", j.NumRecords())
	}

	// Newest first.
	records, err := j.GetRecords(0, 3)
	if err != nil {
		t.Fatalf("GetRecords() error: %v", err)
	}
	want := []string{"entry 2", "entry 1", "entry 0"}
	for i, w := range want {
		if string(records[i]) != w {
			t.Errorf("records[%d] = %q, want %q", i, records[i], w)
		}
	}

	// Indexed read skips the newest.
	records, err = j.GetRecords(1, 1)
	if err != nil {
		t.Fatalf("GetRecords() error: %v", err)
	}
	if len(records) != 1 || string(records[0]) != "entry 1" {
		t.Errorf("GetRecords(1,1) = %q", records)
	}
}

func TestJournalRejectsOversized(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 5, 10)
	if err != nil {
		t.Fatalf("NewJournal() error: %v", err)
	}
	if err := j.Append(bytes.Repeat([]byte{'x'}, 11)); err != ErrRecordTooLarge {
		t.Errorf("Append() oversized error = %v, want ErrRecordTooLarge", err)
	}
}

func TestJournalRetention(t *testing.T) {
	histLen := 5
	j, err := NewJournal(t.TempDir(), histLen, 20)
	if err != nil {
		t.Fatalf("NewJournal() error: %v", err)
	}

	// After any number of appends, the histLen most recent records are
	// still retrievable, newest first.
	for i := 0; i < 23; i++ {
		if err := j.Append([]byte(fmt.Sprintf("entry %d", i))); err != nil {
			t.Fatalf("Append() error at %d: %v", i, err)
		}
		records, err := j.GetRecords(0, histLen)
		if err != nil {
			t.Fatalf("GetRecords() error at %d: %v", i, err)
		}
		expect := histLen
		if i+1 < histLen {
			expect = i + 1
		}
		if len(records) < expect {
			t.Fatalf("after %d appends only %d records retrievable", i+1, len(records))
		}
		for k := 0; k < expect; k++ {
			want := fmt.Sprintf("entry %d", i-k)
			if string(records[k]) != want {
				t.Fatalf("after %d appends records[%d] = %q, want %q",
					i+1, k, records[k], want)
			}
		}
	}
}

func TestJournalCrossFileRead(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 3, 20)
	if err != nil {
		t.Fatalf("NewJournal() error: %v", err)
	}
	// Enough appends to have both files populated.
	for i := 0; i < 5; i++ {
		j.Append([]byte(fmt.Sprintf("e%d", i)))
	}
	records, err := j.GetRecords(0, 100)
	if err != nil {
		t.Fatalf("GetRecords() error: %v", err)
	}
	if len(records) < 3 {
		t.Fatalf("only %d records readable", len(records))
	}
	// Records stay contiguous and ordered across the file boundary.
	for k := range records {
		want := fmt.Sprintf("e%d", 4-k)
		if string(records[k]) != want {
			t.Errorf("records[%d] = %q, want %q", k, records[k], want)
		}
	}
}

func TestJournalReset(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 5, 20)
	if err != nil {
		t.Fatalf("NewJournal() error: %v", err)
	}
	j.Append([]byte("x"))
	j.Reset()
	if j.NumRecords() != 0 {
		t.Errorf("NumRecords() after Reset = %d", j.NumRecords())
	}
	records, err := j.GetRecords(0, 10)
	if err != nil || records != nil {
		t.Errorf("GetRecords() after Reset = %v, %v", records, err)
	}
}

func TestJournalOutOfRange(t *testing.T) {
	j, err := NewJournal(t.TempDir(), 5, 20)
	if err != nil {
		t.Fatalf("NewJournal() error: %v", err)
	}
	j.Append([]byte("only"))
	if records, _ := j.GetRecords(5, 1); records != nil {
		t.Errorf("GetRecords() past the end = %q", records)
	}
	if records, _ := j.GetRecords(0, 0); records != nil {
		t.Errorf("GetRecords() with zero count = %q", records)
	}
}

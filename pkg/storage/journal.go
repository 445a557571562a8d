// Package storage implements the persistent state of a FreakWAN node:
// the fixed-record message journal, the user settings file, and the
// sqlite archive of surfaced messages.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Journal defaults.
const (
	DefaultHistLen    = 100
	DefaultRecordSize = 256
)

var ErrRecordTooLarge = errors.New("record larger than journal record size")

// Journal is an append-only history of surfaced messages. To avoid any
// in-place rewrite, and in general to ask very little of rudimentary
// flash filesystems, two files are used (hist1 and hist2) and records are
// only ever appended to one of them, or a whole file deleted. Records are
// fixed size, so the record count of a file follows from its length and
// reads can seek at fixed offsets.
//
// Append keeps writing to the current file while it holds at most
// histLen records. The append that takes it to histLen+1 records first
// deletes the other file, and the next append switches to that emptied
// file. This way at least histLen of the most recent records always
// survive, across crashes, using append-only writes and whole-file
// deletes alone.
type Journal struct {
	mu         sync.Mutex
	files      [2]string
	histLen    int
	recordSize int
}

// NewJournal creates a journal inside the given folder, creating the
// folder if needed. Zero histLen or recordSize select the defaults.
func NewJournal(folder string, histLen, recordSize int) (*Journal, error) {
	if histLen <= 0 {
		histLen = DefaultHistLen
	}
	if recordSize <= 0 {
		recordSize = DefaultRecordSize
	}
	if err := os.MkdirAll(folder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal folder: %v", err)
	}
	return &Journal{
		files:      [2]string{filepath.Join(folder, "hist1"), filepath.Join(folder, "hist2")},
		histLen:    histLen,
		recordSize: recordSize,
	}, nil
}

// fileRecords returns the record count of one of the two files. A file
// that does not exist counts zero records.
func (j *Journal) fileRecords(fileID int) int {
	info, err := os.Stat(j.files[fileID])
	if err != nil {
		return 0
	}
	return int(info.Size() / int64(j.recordSize+4))
}

// selectFile returns the ID (0 or 1) of the file new entries should be
// appended to.
func (j *Journal) selectFile() int {
	len0 := j.fileRecords(0)
	len1 := j.fileRecords(1)

	// Same length: both missing (normal at first boot), or corruption.
	// Use the first file either way.
	if len0 == len1 {
		os.Remove(j.files[1])
		return 0
	}

	// Only a single file exists: keep using it while within limits,
	// else switch to the other one.
	if len0 == 0 || len1 == 0 {
		file := 0
		if len0 == 0 {
			file = 1
		}
		if j.fileRecords(file) <= j.histLen {
			return file
		}
		return (file + 1) % 2
	}

	// Both files exist: append to the shorter one. This also covers a
	// histLen change that left both files over the new limit.
	if len0 < len1 {
		return 0
	}
	return 1
}

// Append stores one record. Records larger than the configured record
// size are rejected.
func (j *Journal) Append(data []byte) error {
	if len(data) > j.recordSize {
		return ErrRecordTooLarge
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	fileID := j.selectFile()

	// Delete the other file if this append fills the current one.
	if j.fileRecords(fileID) >= j.histLen {
		os.Remove(j.files[(fileID+1)%2])
	}

	// The only record header is 4 bytes of length. Records are fixed
	// size, the remaining space is padding.
	record := make([]byte, 4+j.recordSize)
	binary.LittleEndian.PutUint32(record[:4], uint32(len(data)))
	copy(record[4:], data)

	f, err := os.OpenFile(j.files[fileID], os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(record); err != nil {
		return fmt.Errorf("failed to append record: %v", err)
	}
	return nil
}

// NumRecords returns the total number of stored records.
func (j *Journal) NumRecords() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.fileRecords(0) + j.fileRecords(1)
}

// GetRecords returns up to count stored records, newest first, starting
// at the given index: 0 is the newest record, 1 the one before it, and
// so forth.
func (j *Journal) GetRecords(index, count int) ([][]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	len0, len1 := j.fileRecords(0), j.fileRecords(1)
	total := len0 + len1
	if total == 0 || index >= total || count <= 0 {
		return nil, nil
	}

	// The longer file holds the oldest records, the shorter the newest
	// ones. Ties count the second file as the older one: on equal
	// lengths selectFile appends to the first file.
	older, newer := 0, 1
	olderLen := len0
	if len0 <= len1 {
		older, newer = 1, 0
		olderLen = len1
	}

	var result [][]byte
	for i := index; i < total && len(result) < count; i++ {
		// Position from the oldest record.
		pos := total - 1 - i
		var rec []byte
		var err error
		if pos < olderLen {
			rec, err = j.readRecord(older, pos)
		} else {
			rec, err = j.readRecord(newer, pos-olderLen)
		}
		if err != nil {
			return result, err
		}
		result = append(result, rec)
	}
	return result, nil
}

// readRecord reads the record at the given position of one file.
func (j *Journal) readRecord(fileID, pos int) ([]byte, error) {
	f, err := os.Open(j.files[fileID])
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %v", err)
	}
	defer f.Close()
	if _, err := f.Seek(int64(pos)*int64(4+j.recordSize), io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek journal record: %v", err)
	}
	record := make([]byte, 4+j.recordSize)
	if _, err := io.ReadFull(f, record); err != nil {
		return nil, fmt.Errorf("failed to read journal record: %v", err)
	}
	rlen := binary.LittleEndian.Uint32(record[:4])
	if int(rlen) > j.recordSize {
		return nil, fmt.Errorf("corrupt journal record at %d", pos)
	}
	return record[4 : 4+rlen], nil
}

// Reset removes all the history.
func (j *Journal) Reset() {
	j.mu.Lock()
	os.Remove(j.files[0])
	os.Remove(j.files[1])
	j.mu.Unlock()
}

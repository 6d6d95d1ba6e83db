// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package msgauth

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/loom-foundation/loom/lib/codec"
)

// journalRotateBytes is the size at which the active journal segment
// is rotated. One record is ~60 bytes, so a segment holds well over a
// full replay window of traffic at any realistic message rate.
const journalRotateBytes = 1 << 20

// journalRecord is one accepted nonce. Encoded as deterministic CBOR,
// appended to the active segment.
type journalRecord struct {
	Nonce      string `cbor:"n"`
	ObservedMS int64  `cbor:"t"`
}

// Journal is an append-only record of accepted nonces backing the
// in-memory cache across restarts. The active segment is raw CBOR;
// on rotation the previous segment is recompressed with zstd and the
// active file starts empty. At most one rotated segment is kept —
// anything older is past the replay window by construction.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	size int64
}

// OpenJournal opens (creating if needed) the journal at path. The
// parent directory is created with 0700.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("msgauth: creating journal directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("msgauth: opening journal: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("msgauth: stat journal: %w", err)
	}
	return &Journal{path: path, file: file, size: info.Size()}, nil
}

// Append writes one record. Rotates the segment first when the active
// file has grown past the rotation threshold.
func (j *Journal) Append(nonce string, observed time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return errors.New("msgauth: journal is closed")
	}

	if j.size >= journalRotateBytes {
		if err := j.rotateLocked(); err != nil {
			return err
		}
	}

	data, err := codec.Marshal(journalRecord{Nonce: nonce, ObservedMS: observed.UnixMilli()})
	if err != nil {
		return fmt.Errorf("msgauth: encoding journal record: %w", err)
	}
	n, err := j.file.Write(data)
	j.size += int64(n)
	if err != nil {
		return fmt.Errorf("msgauth: appending journal record: %w", err)
	}
	return nil
}

// Replay invokes apply for every record in the rotated segment (if
// any) and then the active segment, oldest first. Decode errors stop
// the replay of that segment silently — a torn tail record is
// expected after a crash, and replay is best effort.
func (j *Journal) Replay(apply func(nonce string, observed time.Time)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rotated := j.path + ".1.zst"
	if file, err := os.Open(rotated); err == nil {
		reader, err := zstd.NewReader(file)
		if err == nil {
			replayStream(reader, apply)
			reader.Close()
		}
		file.Close()
	}

	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("msgauth: opening journal for replay: %w", err)
	}
	defer file.Close()
	replayStream(file, apply)
	return nil
}

// Close releases the active segment file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func replayStream(r io.Reader, apply func(nonce string, observed time.Time)) {
	decoder := codec.NewDecoder(r)
	for {
		var record journalRecord
		if err := decoder.Decode(&record); err != nil {
			return
		}
		apply(record.Nonce, time.UnixMilli(record.ObservedMS))
	}
}

// rotateLocked compresses the active segment to <path>.1.zst
// (replacing any previous rotation) and truncates the active file.
func (j *Journal) rotateLocked() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("msgauth: closing journal for rotation: %w", err)
	}

	source, err := os.Open(j.path)
	if err != nil {
		return fmt.Errorf("msgauth: reopening journal for rotation: %w", err)
	}

	temporary := j.path + ".1.zst.tmp"
	destination, err := os.OpenFile(temporary, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		source.Close()
		return fmt.Errorf("msgauth: creating rotated segment: %w", err)
	}

	writer, err := zstd.NewWriter(destination)
	if err == nil {
		_, err = io.Copy(writer, source)
		if closeErr := writer.Close(); err == nil {
			err = closeErr
		}
	}
	source.Close()
	if closeErr := destination.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(temporary)
		return fmt.Errorf("msgauth: compressing rotated segment: %w", err)
	}
	if err := os.Rename(temporary, j.path+".1.zst"); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("msgauth: renaming rotated segment: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("msgauth: reopening journal after rotation: %w", err)
	}
	j.file = file
	j.size = 0
	return nil
}

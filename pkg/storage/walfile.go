package storage

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/merklekv/mobile/pkg/log"
	"github.com/merklekv/mobile/pkg/types"
)

// WriteAheadLog is the single-file append-only persistence log described
// in the design: one canonical-CBOR ChangeEvent record per successful
// apply, length-prefixed so a truncated trailing write can be detected
// and discarded on replay.
type WriteAheadLog struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	mode cbor.EncMode
}

// OpenWAL opens (or creates) the log at path in append mode.
func OpenWAL(path string) (*WriteAheadLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}

	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		f.Close()
		return nil, err
	}

	return &WriteAheadLog{
		file: f,
		buf:  bufio.NewWriter(f),
		mode: mode,
	}, nil
}

// Append writes one canonical CBOR record for event, length-prefixed
// with a 4-byte big-endian length, and flushes.
func (w *WriteAheadLog) Append(event types.ChangeEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payload, err := w.mode.Marshal(event)
	if err != nil {
		return err
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := w.buf.Write(lenPrefix[:]); err != nil {
		return err
	}
	if _, err := w.buf.Write(payload); err != nil {
		return err
	}
	return w.Sync()
}

// Sync flushes buffered writes to the underlying file.
func (w *WriteAheadLog) Sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// Close flushes and closes the underlying file.
func (w *WriteAheadLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Replay reads every complete record from the beginning of the file and
// returns the corresponding StorageEntries in log order, oldest first.
// The caller applies them through the normal LWW path so the final state
// reflects the post-LWW winner regardless of physical order. A corrupt
// or truncated trailing record is cut off the file and logged as a
// warning rather than failing the whole replay.
func (w *WriteAheadLog) Replay() ([]types.StorageEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := bufio.NewReader(w.file)

	var entries []types.StorageEntry
	var good int64
	corrupt := false
	for {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
			if err == io.EOF {
				break
			}
			log.Logger.Warn().Err(err).Msg("storage: truncated length prefix, stopping replay")
			corrupt = true
			break
		}

		length := binary.BigEndian.Uint32(lenPrefix[:])
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			log.Logger.Warn().Err(err).Msg("storage: truncated record payload, stopping replay")
			corrupt = true
			break
		}

		var event types.ChangeEvent
		if err := cbor.Unmarshal(payload, &event); err != nil {
			log.Logger.Warn().Err(err).Msg("storage: corrupt record, stopping replay")
			corrupt = true
			break
		}
		entries = append(entries, event.ToEntry())
		good += int64(len(lenPrefix) + len(payload))
	}

	if corrupt {
		if err := w.file.Truncate(good); err != nil {
			return nil, err
		}
	}
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return entries, nil
}

// Package snapshot implements the on-disk framing for a cache snapshot: the
// coalescer's persisted fingerprint -> result map, written atomically so a
// crash mid-write never corrupts the file a restart would load.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"

	"attrsvc/internal/format"
)

// Version is the snapshot format version encoded in the header.
const Version = 1

// Record is one persisted cache entry. Key is the hex fingerprint string;
// Value is caller-defined and encoded with msgpack, so internal/coalescer's
// result type never needs to be known by this package.
type Record struct {
	Key             string
	Value           msgpack.RawMessage
	CreatedUnixNano int64
}

// Write encodes records to path atomically: it writes to a temp file in the
// same directory, then renames over the destination, so readers never
// observe a partial file.
func Write(path string, records []Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if err := encode(tmp, records); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: encoding: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("snapshot: renaming into place: %w", err)
	}
	return nil
}

func encode(w io.Writer, records []Record) error {
	var body bytes.Buffer
	if err := binary.Write(&body, binary.BigEndian, uint32(len(records))); err != nil {
		return err
	}
	for _, r := range records {
		payload, err := msgpack.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling record %q: %w", r.Key, err)
		}
		if err := binary.Write(&body, binary.BigEndian, uint32(len(payload))); err != nil {
			return err
		}
		if _, err := body.Write(payload); err != nil {
			return err
		}
	}

	h := format.Header{Type: format.TypeCacheSnapshot, Version: Version}
	hdr := h.Encode()
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(body.Bytes()); err != nil {
		return err
	}
	checksum := xxhash.Sum64(body.Bytes())
	return binary.Write(w, binary.BigEndian, checksum)
}

// Read decodes a snapshot file written by Write. A missing file is returned
// as os.IsNotExist-compatible error for the caller to treat as "no
// snapshot yet".
func Read(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var hdrBuf [format.HeaderSize]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return nil, fmt.Errorf("snapshot: reading header: %w", err)
	}
	if _, err := format.DecodeAndValidate(hdrBuf[:], format.TypeCacheSnapshot, Version); err != nil {
		return nil, fmt.Errorf("snapshot: invalid header: %w", err)
	}

	rest, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading body: %w", err)
	}
	if len(rest) < 8 {
		return nil, fmt.Errorf("snapshot: file too short for checksum")
	}
	body, checksumBytes := rest[:len(rest)-8], rest[len(rest)-8:]
	want := binary.BigEndian.Uint64(checksumBytes)
	if got := xxhash.Sum64(body); got != want {
		return nil, fmt.Errorf("snapshot: checksum mismatch: got %x want %x", got, want)
	}

	br := bytes.NewReader(body)
	var count uint32
	if err := binary.Read(br, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("snapshot: reading record count: %w", err)
	}
	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		var length uint32
		if err := binary.Read(br, binary.BigEndian, &length); err != nil {
			return nil, fmt.Errorf("snapshot: reading record %d length: %w", i, err)
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("snapshot: reading record %d payload: %w", i, err)
		}
		var rec Record
		if err := msgpack.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("snapshot: unmarshaling record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Package snapshot stores the last known state of a session as a zstd
// compressed file: one JSON header line followed by the JSON session.
package snapshot

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"storyloom.ai/internal/session"
)

const Version = 1

type Header struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	LastSeq   uint64    `json:"last_seq"`
	SavedAt   time.Time `json:"saved_at"`
}

type SnapshotV1 struct {
	Header  Header           `json:"header"`
	Session *session.Session `json:"session"`
}

// New builds a snapshot of sess; sess is cloned.
func New(sess *session.Session, savedAt time.Time) SnapshotV1 {
	return SnapshotV1{
		Header: Header{
			Version:   Version,
			SessionID: sess.ID,
			LastSeq:   sess.LastSeq,
			SavedAt:   savedAt.UTC(),
		},
		Session: sess.Clone(),
	}
}

// Path is the conventional file for sessionID under dir.
func Path(dir, sessionID string) string {
	return filepath.Join(dir, sessionID+".snap.zst")
}

// Write replaces path atomically.
func Write(path string, snap SnapshotV1) error {
	if snap.Session == nil {
		return fmt.Errorf("snapshot without session")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := writeFile(tmp, snap); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func writeFile(path string, snap SnapshotV1) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := json.NewEncoder(bw).Encode(snap.Session); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func Read(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &snap.Header); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	var sess session.Session
	if err := json.NewDecoder(br).Decode(&sess); err != nil {
		return snap, fmt.Errorf("decode session: %w", err)
	}
	if sess.ID != snap.Header.SessionID {
		return snap, fmt.Errorf("header names session %q, body holds %q", snap.Header.SessionID, sess.ID)
	}
	snap.Session = &sess
	return snap, nil
}

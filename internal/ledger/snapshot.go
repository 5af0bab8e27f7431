package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

const snapshotVersion = 1

type snapshot struct {
	Version      int           `cbor:"version"`
	NextID       uint64        `cbor:"next_id"`
	Paused       bool          `cbor:"paused"`
	Entitlements []Entitlement `cbor:"entitlements"`
	Events       []Event       `cbor:"events"`
	Token        *tokenState   `cbor:"token,omitempty"`
}

// tokenSnapshotter is implemented by tokens whose balances travel with the
// ledger snapshot (the in-memory Token).
type tokenSnapshotter interface {
	exportState() tokenState
	importState(tokenState)
}

// Snapshot encodes the complete ledger state, including the event log and,
// for an in-memory Token, balances and allowances.
func (l *Ledger) Snapshot() ([]byte, error) {
	l.mu.Lock()
	snap := snapshot{
		Version:      snapshotVersion,
		NextID:       l.nextID,
		Paused:       l.pause.Paused(),
		Entitlements: make([]Entitlement, 0, len(l.records)),
		Events:       make([]Event, len(l.log.events)),
	}
	for _, e := range l.records {
		snap.Entitlements = append(snap.Entitlements, *e)
	}
	copy(snap.Events, l.log.events)
	// Exported under l.mu so balances match the entitlements captured above.
	if ts, ok := l.token.(tokenSnapshotter); ok {
		st := ts.exportState()
		snap.Token = &st
	}
	l.mu.Unlock()

	sort.Slice(snap.Entitlements, func(i, j int) bool { return snap.Entitlements[i].ID < snap.Entitlements[j].ID })

	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode ledger snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the ledger state with a snapshot produced by Snapshot.
func (l *Ledger) Restore(data []byte) error {
	var snap snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode ledger snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported ledger snapshot version %d", snap.Version)
	}
	for i, ev := range snap.Events {
		if ev.Seq != uint64(i)+1 {
			return fmt.Errorf("ledger snapshot event log has gap at position %d (seq %d)", i, ev.Seq)
		}
	}

	records := make(map[uint64]*Entitlement, len(snap.Entitlements))
	owners := NewOwnershipRegistry()
	for i := range snap.Entitlements {
		e := snap.Entitlements[i]
		if e.ID == 0 || e.ID > snap.NextID {
			return fmt.Errorf("ledger snapshot has entitlement id %d beyond counter %d", e.ID, snap.NextID)
		}
		records[e.ID] = &e
		owners.Assign(e.ID, e.Owner)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.Token != nil {
		if ts, ok := l.token.(tokenSnapshotter); ok {
			ts.importState(*snap.Token)
		}
	}
	l.nextID = snap.NextID
	l.records = records
	l.owners = owners
	l.pause.set(snap.Paused)
	l.log.events = snap.Events
	return nil
}

// WriteSnapshotFile writes a snapshot atomically (temp file + rename).
func (l *Ledger) WriteSnapshotFile(path string) error {
	data, err := l.Snapshot()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".ledger-*.cbor")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// LoadSnapshotFile restores from path. A missing file is not an error; the
// ledger stays empty.
func (l *Ledger) LoadSnapshotFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	if err := l.Restore(data); err != nil {
		return false, err
	}
	return true, nil
}

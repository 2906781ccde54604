/* SPDX-License-Identifier: MIT */

// Package peertable implements the concurrent fingerprint -> PeerEntry
// map described in spec.md §3/§4.2. The locking discipline is carried
// over from device.Device's "peers" field in the teacher lineage: one
// RWMutex guarding a plain map, readers and writers serialised, snapshots
// taken under the read lock and handed back as an independent slice.
package peertable

import (
	"sync"
	"time"

	"github.com/wylited/lsendd/model"
)

// Entry is (DeviceRecord, last-seen network address, last-seen timestamp).
type Entry struct {
	Record   model.DeviceRecord
	Address  string
	LastSeen time.Time
}

// Table is the concurrent peer map. The zero value is not usable; use New.
type Table struct {
	selfFingerprint string

	mu    sync.RWMutex
	peers map[string]Entry
}

// New returns an empty Table that silently refuses to hold an entry
// whose fingerprint equals selfFingerprint (spec.md §3 invariant).
func New(selfFingerprint string) *Table {
	return &Table{
		selfFingerprint: selfFingerprint,
		peers:           make(map[string]Entry),
	}
}

// Upsert inserts or replaces the entry for record.Fingerprint, refreshing
// the source address and timestamp atomically. A record matching the
// local fingerprint is a silent no-op; it reports whether it upserted.
func (t *Table) Upsert(record model.DeviceRecord, address string) bool {
	if record.IsSelf(t.selfFingerprint) {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[record.Fingerprint] = Entry{
		Record:   record,
		Address:  address,
		LastSeen: time.Now(),
	}
	return true
}

// Remove drops fingerprint from the table, if present.
func (t *Table) Remove(fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, fingerprint)
}

// Lookup returns the entry for fingerprint, if present.
func (t *Table) Lookup(fingerprint string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.peers[fingerprint]
	return e, ok
}

// Snapshot returns an independent copy of the current peer set.
func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, e)
	}
	return out
}

// Clear empties the table; used by the IPC "refresh" command.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = make(map[string]Entry)
}

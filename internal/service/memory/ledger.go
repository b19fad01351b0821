package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const ledgerFile = "sequences.json"

// ledgerEntry tracks the sequence counter of one persona. Floor is the last
// sequence number that existed when the collection was last cleared.
type ledgerEntry struct {
	Last  int64 `json:"last"`
	Floor int64 `json:"floor"`
}

// sequenceLedger hands out per-persona sequence numbers and survives restarts when
// backed by a file. An empty path keeps it in memory.
type sequenceLedger struct {
	mu      sync.Mutex
	path    string
	entries map[string]ledgerEntry
}

func openLedger(dir string) (*sequenceLedger, error) {
	l := &sequenceLedger{entries: make(map[string]ledgerEntry)}
	if dir == "" {
		return l, nil
	}

	l.path = filepath.Join(dir, ledgerFile)
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sequence ledger: %w", err)
	}
	if err := json.Unmarshal(raw, &l.entries); err != nil {
		return nil, fmt.Errorf("decode sequence ledger: %w", err)
	}
	return l, nil
}

// seqScan reports the lowest and highest sequence numbers still stored.
type seqScan func() (lo, hi int64, err error)

// reconcile makes sure the counter is not behind what is already stored, e.g.
// when the ledger file was lost but the collection survived. scan is only
// called when the ledger cannot vouch for the stored turns.
func (l *sequenceLedger) reconcile(personaID string, stored int, scan seqScan) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[personaID]
	if ok && entry.Last-entry.Floor >= int64(stored) {
		return nil
	}
	if stored > 0 {
		lo, hi, err := scan()
		if err != nil {
			return fmt.Errorf("recover sequence counter: %w", err)
		}
		if hi > entry.Last {
			entry.Last = hi
		}
		// Recent walks down to Floor, so keep it just below the oldest stored turn.
		if lo-1 > entry.Floor {
			entry.Floor = lo - 1
		}
	}
	l.entries[personaID] = entry
	return l.persistLocked()
}

func (l *sequenceLedger) next(personaID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[personaID]
	entry := prev
	entry.Last++
	l.entries[personaID] = entry
	if err := l.persistLocked(); err != nil {
		l.entries[personaID] = prev
		return 0, err
	}
	return entry.Last, nil
}

func (l *sequenceLedger) reset(personaID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[personaID]
	entry.Floor = entry.Last
	l.entries[personaID] = entry
	return l.persistLocked()
}

func (l *sequenceLedger) bounds(personaID string) (floor, last int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entries[personaID]
	return entry.Floor, entry.Last
}

func (l *sequenceLedger) persistLocked() error {
	if l.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sequence ledger: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write sequence ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replace sequence ledger: %w", err)
	}
	return nil
}

// Package staging manages the local scratch space media items pass through
// between download and upload. Paths are unique per item so concurrent jobs
// never contend on a file, and the Ledger tracks which paths are live so the
// reaper can tell orphans from work in flight.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const dirPerm os.FileMode = 0o750

// Dir hands out staging paths under one root directory.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	if root == "" {
		root = "staging"
	}
	return &Dir{root: root}
}

// Root returns the staging root directory.
func (d *Dir) Root() string { return d.root }

// EnsureRoot creates the staging root if it does not exist.
func (d *Dir) EnsureRoot() error {
	if err := os.MkdirAll(d.root, dirPerm); err != nil {
		return fmt.Errorf("ensure staging root: %w", err)
	}
	return nil
}

// Path builds a collision-free staging path for one media item. The hint
// carries a filename whose extension is worth preserving; everything else
// about the name is synthetic.
func (d *Dir) Path(jobID string, index int, hint string) string {
	name := fmt.Sprintf("%s-%d-%s%s", jobID, index, uuid.NewString()[:8], filepath.Ext(hint))
	return filepath.Join(d.root, name)
}

// Remove deletes a staging file. A path that is already gone counts as
// removed.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove staging file: %w", err)
	}
	return nil
}

// Ledger is the set of staging paths currently owned by an in-flight item.
// The sequencer registers paths around each transfer; the reaper treats any
// on-disk file absent from the ledger as a candidate orphan.
type Ledger struct {
	mu    sync.Mutex
	paths map[string]struct{}
}

func NewLedger() *Ledger {
	return &Ledger{paths: make(map[string]struct{})}
}

func (l *Ledger) Add(path string) {
	l.mu.Lock()
	l.paths[path] = struct{}{}
	l.mu.Unlock()
}

func (l *Ledger) Remove(path string) {
	l.mu.Lock()
	delete(l.paths, path)
	l.mu.Unlock()
}

func (l *Ledger) Contains(path string) bool {
	l.mu.Lock()
	_, ok := l.paths[path]
	l.mu.Unlock()
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	n := len(l.paths)
	l.mu.Unlock()
	return n
}

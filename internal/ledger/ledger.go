// Package ledger records the kernels kforge installed so they can be listed and removed later.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/kforge/internal/logging"
)

// Outcome is the lifecycle state of an installed kernel.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeRemoved Outcome = "removed"
)

// Entry is one installed kernel, keyed by Version.
type Entry struct {
	Version       string    `json:"version"`
	KernelRelease string    `json:"kernel_release"`
	Profile       string    `json:"profile"`
	CustomName    string    `json:"custom_name,omitempty"`
	InstalledAt   time.Time `json:"installed_at"`
	RemovedAt     time.Time `json:"removed_at,omitzero"`
	Outcome       Outcome   `json:"outcome"`
}

// Active reports whether the kernel is still installed.
func (e Entry) Active() bool { return e.Outcome == OutcomeSuccess }

const (
	documentVersion   = 1
	fileName          = "ledger.json"
	lockName          = "ledger.lock"
	DefaultMaxRemoved = 20
)

var (
	ErrNotFound      = errors.New("ledger entry not found")
	ErrLedgerCorrupt = errors.New("ledger corrupt")
)

// CorruptError reports a ledger file that could not be decoded and was moved aside.
type CorruptError struct {
	Path    string
	MovedTo string
	Err     error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("ledger %s is corrupt (moved to %s): %v", e.Path, e.MovedTo, e.Err)
}

func (e *CorruptError) Unwrap() []error { return []error{ErrLedgerCorrupt, e.Err} }

type document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// Store is the JSON ledger under Dir. Read-modify-write cycles are serialized within the process
// by a mutex and across processes by flock(2) on a lock file.
type Store struct {
	Dir    string
	Logger *slog.Logger
	// MaxRemoved bounds the removed entries kept for history; active entries are never pruned.
	MaxRemoved int
	// Warn receives non-fatal problems such as a corrupt file. Defaults to logging them.
	Warn func(error)
	// Now defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, logger *slog.Logger) *Store {
	return &Store{Dir: dir, Logger: logger}
}

// Path is the ledger file location.
func (store *Store) Path() string { return filepath.Join(store.Dir, fileName) }

// Record inserts or replaces the entry for entry.Version, marking it installed now.
func (store *Store) Record(entry Entry) (Entry, error) {
	if entry.Version == "" {
		return Entry{}, errors.New("ledger entry requires a version")
	}
	entry.InstalledAt = store.now()
	entry.RemovedAt = time.Time{}
	entry.Outcome = OutcomeSuccess

	err := store.update(func(doc *document) error {
		doc.Entries = slices.DeleteFunc(doc.Entries, func(e Entry) bool { return e.Version == entry.Version })
		doc.Entries = append(doc.Entries, entry)
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	store.logger().Info("recorded kernel", "version", entry.Version, "kernel_release", entry.KernelRelease)
	return entry, nil
}

// List returns all entries, newest installation first.
func (store *Store) List() ([]Entry, error) {
	var entries []Entry
	err := store.view(func(doc *document) {
		entries = append([]Entry{}, doc.Entries...)
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(entries, func(a, b Entry) int { return b.InstalledAt.Compare(a.InstalledAt) })
	return entries, nil
}

// Get returns the entry for version.
func (store *Store) Get(version string) (Entry, error) {
	var (
		found Entry
		ok    bool
	)
	err := store.view(func(doc *document) {
		found, ok = lookup(doc, version)
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, version)
	}
	return found, nil
}

// MarkRemoved flags the entry for version as removed.
func (store *Store) MarkRemoved(version string) (Entry, error) {
	var updated Entry
	err := store.update(func(doc *document) error {
		i := slices.IndexFunc(doc.Entries, func(e Entry) bool { return e.Version == version })
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, version)
		}
		doc.Entries[i].Outcome = OutcomeRemoved
		doc.Entries[i].RemovedAt = store.now()
		updated = doc.Entries[i]
		return nil
	})
	if err != nil {
		return Entry{}, err
	}
	store.logger().Info("marked kernel removed", "version", version)
	return updated, nil
}

func lookup(doc *document, version string) (Entry, bool) {
	for _, e := range doc.Entries {
		if e.Version == version {
			return e, true
		}
	}
	return Entry{}, false
}

func (store *Store) view(fn func(doc *document)) error {
	return store.locked(func() error {
		doc, err := store.load()
		if err != nil {
			return err
		}
		fn(doc)
		return nil
	})
}

func (store *Store) update(fn func(doc *document) error) error {
	return store.locked(func() error {
		doc, err := store.load()
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		store.prune(doc)
		return store.save(doc)
	})
}

func (store *Store) locked(fn func() error) error {
	if store.Dir == "" {
		return errors.New("ledger directory is not configured")
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	if err := os.MkdirAll(store.Dir, 0o755); err != nil {
		return err
	}
	lock, err := os.OpenFile(filepath.Join(store.Dir, lockName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger lock: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	return fn()
}

// load reads the document. A corrupt file is moved aside and an empty ledger is returned.
func (store *Store) load() (*document, error) {
	path := store.Path()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &document{Version: documentVersion}, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return &document{Version: documentVersion}, nil
	}

	var doc document
	decodeErr := json.Unmarshal(data, &doc)
	if decodeErr == nil && doc.Version != documentVersion {
		decodeErr = fmt.Errorf("unsupported ledger version %d", doc.Version)
	}
	if decodeErr == nil {
		return &doc, nil
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, store.now().Unix())
	if err := os.Rename(path, aside); err != nil {
		return nil, fmt.Errorf("move corrupt ledger aside: %w", errors.Join(decodeErr, err))
	}
	store.warn(&CorruptError{Path: path, MovedTo: aside, Err: decodeErr})
	return &document{Version: documentVersion}, nil
}

// save writes doc atomically: temp file in the same directory, fsync, rename.
func (store *Store) save(doc *document) error {
	doc.Version = documentVersion
	if doc.Entries == nil {
		doc.Entries = []Entry{}
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(store.Dir, fileName+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), store.Path())
}

// prune drops the oldest removed entries beyond MaxRemoved.
func (store *Store) prune(doc *document) {
	limit := store.MaxRemoved
	if limit <= 0 {
		limit = DefaultMaxRemoved
	}
	removed := []Entry{}
	for _, e := range doc.Entries {
		if e.Outcome == OutcomeRemoved {
			removed = append(removed, e)
		}
	}
	if len(removed) <= limit {
		return
	}
	slices.SortFunc(removed, func(a, b Entry) int { return a.RemovedAt.Compare(b.RemovedAt) })
	drop := map[string]bool{}
	for _, e := range removed[:len(removed)-limit] {
		drop[e.Version] = true
	}
	doc.Entries = slices.DeleteFunc(doc.Entries, func(e Entry) bool {
		return e.Outcome == OutcomeRemoved && drop[e.Version]
	})
}

func (store *Store) now() time.Time {
	if store.Now != nil {
		return store.Now().UTC()
	}
	return time.Now().UTC()
}

func (store *Store) warn(err error) {
	if store.Warn != nil {
		store.Warn(err)
		return
	}
	store.logger().Warn("ledger problem", "error", err)
}

func (store *Store) logger() *slog.Logger {
	return logging.Ensure(store.Logger).With("component", "ledger")
}

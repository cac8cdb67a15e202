// Package backup implements Cage's C6 component: a JSON-backed backup
// registry with generation numbering and pluggable retention,
// following the same atomic read-modify-write discipline the pack's
// trust store uses for its own JSON persistence, extended with a
// cross-process advisory lock since the registry file is shared state
// (spec §5).
package backup

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/padlokk/cage/internal/cageerr"
)

const registrySchemaVersion = 1

// Entry is one backup copy of a source file. OriginalPath is not a
// field here: the on-disk document keys entries by original path (spec
// §6), so an Entry only needs to describe the backup copy itself.
type Entry struct {
	BackupPath string    `json:"backup_path"`
	CreatedAt  time.Time `json:"created_at"`
	SizeBytes  uint64    `json:"size_bytes"`
	Generation int       `json:"generation"`
}

func (e Entry) ageDays(now time.Time) float64 {
	return now.Sub(e.CreatedAt).Hours() / 24
}

// Document is the on-disk shape of <backup-dir>/.cage_backups.json:
// "entries" maps each absolute original path to its list of backups,
// per spec §6's BackupEntry data model.
type Document struct {
	Version int               `json:"version"`
	Entries map[string][]Entry `json:"entries"`
}

// Registry is a handle on one backup directory's registry file. It
// serializes in-process access with a mutex and cross-process access
// with an advisory file lock (spec §5's "exclusive lock for the
// read-modify-write cycle").
type Registry struct {
	dir  string
	path string
	mu   sync.Mutex
}

// Open returns a Registry rooted at dir, creating dir if absent. It
// does not read the registry file yet -- each operation does its own
// locked read-modify-write cycle.
func Open(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("backup: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &Registry{dir: dir, path: filepath.Join(dir, ".cage_backups.json")}, nil
}

func (r *Registry) load() (*Document, error) {
	data, err := os.ReadFile(r.path) // #nosec G304 -- r.path is derived from a caller-configured backup directory.
	if err != nil {
		if os.IsNotExist(err) {
			return &Document{Version: registrySchemaVersion, Entries: make(map[string][]Entry)}, nil
		}
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = registrySchemaVersion
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string][]Entry)
	}
	return &doc, nil
}

// save writes the registry atomically: write to "<path>.tmp", fsync,
// rename over the canonical name (spec §4.6).
func (r *Registry) save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := r.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, r.path)
}

// CreateBackup copies path into the registry's backup directory,
// assigns it generation 1, and bumps every existing entry for that
// path by one -- spec §4.6's "on backup create" sequence, guarded by
// both the in-process mutex and a cross-process file lock.
func (r *Registry) CreateBackup(path string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := lockRegistry(r.path)
	if err != nil {
		return Entry{}, cageerr.Wrap(cageerr.IoError, "failed to acquire backup registry lock", err)
	}
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return Entry{}, cageerr.Wrap(cageerr.IoError, "failed to read backup registry", err)
	}

	backupPath, size, err := r.copyToBackup(path)
	if err != nil {
		return Entry{}, cageerr.Wrap(cageerr.IoError, "failed to copy backup file", err)
	}

	if doc.Entries == nil {
		doc.Entries = make(map[string][]Entry)
	}
	existing := doc.Entries[path]
	for i := range existing {
		existing[i].Generation++
	}
	entry := Entry{
		BackupPath: backupPath,
		Generation: 1,
		CreatedAt:  time.Now().UTC(),
		SizeBytes:  size,
	}
	doc.Entries[path] = append([]Entry{entry}, existing...)

	if err := r.save(doc); err != nil {
		return Entry{}, cageerr.Wrap(cageerr.IoError, "failed to persist backup registry", err)
	}
	return entry, nil
}

func (r *Registry) copyToBackup(path string) (string, uint64, error) {
	base := filepath.Base(path)
	stamp := time.Now().UTC().Format("20060102T150405.000000000Z")
	dest := filepath.Join(r.dir, fmt.Sprintf("%s.%s.bak", base, stamp))
	n := 1
	for {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(r.dir, fmt.Sprintf("%s.%s.bak.conflict%d", base, stamp, n))
		n++
	}

	src, err := os.Open(path) // #nosec G304 -- path is the caller's own source file being backed up.
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) // #nosec G304
	if err != nil {
		return "", 0, err
	}
	written, err := io.Copy(out, src)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dest)
		return "", 0, err
	}
	return dest, uint64(written), nil
}

// RestoreByGeneration copies the backup for (originalPath, generation)
// back over originalPath, leaving the registry unchanged.
func (r *Registry) RestoreByGeneration(originalPath string, generation int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	unlock, err := lockRegistry(r.path)
	if err != nil {
		return cageerr.Wrap(cageerr.IoError, "failed to acquire backup registry lock", err)
	}
	defer unlock()

	doc, err := r.load()
	if err != nil {
		return cageerr.Wrap(cageerr.IoError, "failed to read backup registry", err)
	}
	var found *Entry
	for i, e := range doc.Entries[originalPath] {
		if e.Generation == generation {
			found = &doc.Entries[originalPath][i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("backup: no entry for %s generation %d", originalPath, generation)
	}

	src, err := os.Open(found.BackupPath) // #nosec G304
	if err != nil {
		return cageerr.Wrap(cageerr.IoError, "failed to open backup file", err)
	}
	defer src.Close()
	out, err := os.OpenFile(originalPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600) // #nosec G304
	if err != nil {
		return cageerr.Wrap(cageerr.IoError, "failed to open restore target", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return cageerr.Wrap(cageerr.IoError, "failed to restore backup contents", err)
	}
	return out.Close()
}

// Entries returns a snapshot of the registry's current entries for
// originalPath, ordered by generation ascending.
func (r *Registry) Entries(originalPath string) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	return doc.Entries[originalPath], nil
}

package backup

import (
	"os"
	"time"

	"github.com/padlokk/cage/internal/cageerr"
)

// PolicyKind selects one of the four retention shapes spec §4.6 names.
type PolicyKind int

const (
	KeepAll PolicyKind = iota
	KeepDays
	KeepLast
	KeepLastAndDays
)

// Policy is a retention rule for one file's backup history. Days and
// Last are only meaningful for the PolicyKind(s) that use them.
type Policy struct {
	Kind PolicyKind
	Days float64
	Last int
}

// keep reports whether entry survives under p, evaluated at now.
func (p Policy) keep(e Entry, now time.Time) bool {
	switch p.Kind {
	case KeepAll:
		return true
	case KeepDays:
		return e.ageDays(now) <= p.Days
	case KeepLast:
		return e.Generation <= p.Last
	case KeepLastAndDays:
		return e.Generation <= p.Last || e.ageDays(now) <= p.Days
	default:
		return true
	}
}

// ApplyRetention deletes backup files that fall outside p for
// originalPath, then rewrites the registry to drop their entries.
// Files are deleted before the registry is rewritten; if any file
// deletion fails, retention aborts with RetentionPartial and the
// registry is left untouched (spec §4.6).
func (r *Registry) ApplyRetention(originalPath string, p Policy) error {
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

	now := time.Now().UTC()
	var keep []Entry
	var toDelete []Entry
	for _, e := range doc.Entries[originalPath] {
		if p.keep(e, now) {
			keep = append(keep, e)
		} else {
			toDelete = append(toDelete, e)
		}
	}
	if len(toDelete) == 0 {
		return nil
	}

	var failed []string
	for _, e := range toDelete {
		if err := os.Remove(e.BackupPath); err != nil && !os.IsNotExist(err) {
			failed = append(failed, e.BackupPath)
		}
	}
	if len(failed) > 0 {
		return &cageerr.Error{
			Kind:       cageerr.RetentionPartial,
			Message:    "retention aborted: one or more backup files could not be deleted",
			FailedList: failed,
		}
	}

	if len(keep) == 0 {
		delete(doc.Entries, originalPath)
	} else {
		doc.Entries[originalPath] = renumberGenerations(keep)
	}
	return r.save(doc)
}

// renumberGenerations renumbers one path's surviving entries to a
// contiguous 1..=N, lowest (most recent) generation first, so the registry invariant
// in spec §4.6 ("generations are exactly 1..=N") holds after retention.
func renumberGenerations(entries []Entry) []Entry {
	for lo := 0; lo < len(entries); lo++ {
		for hi := lo + 1; hi < len(entries); hi++ {
			if entries[hi].Generation < entries[lo].Generation {
				entries[lo], entries[hi] = entries[hi], entries[lo]
			}
		}
	}
	for rank := range entries {
		entries[rank].Generation = rank + 1
	}
	return entries
}

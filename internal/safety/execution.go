package safety

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/padlokk/cage/internal/cageerr"
)

func newDangerModeNotPermitted() error {
	return cageerr.New(cageerr.DangerModeNotPermitted, fmt.Sprintf("danger_mode requires %s=1", DangerModeEnvVar))
}

// sidecarSuffix matches spec §4.5's literal path shape
// "<path>.tmp.recover"; the "<path>.tmp.<nonce>" temp path is built
// inline in Begin.
const sidecarSuffix = ".tmp.recover"

// InPlaceOp tracks one in-place execution's temp output and recovery
// sidecar so the caller (the engine) can commit or roll back. The zero
// value is not usable; construct with Begin.
type InPlaceOp struct {
	sourcePath  string
	tempPath    string
	sidecarPath string
	dangerMode  bool
	committed   bool
}

// Begin starts an in-place operation: it writes the recovery sidecar
// (unless dangerMode) and allocates a temp output path. Callers must
// eventually call Commit on success or Rollback on failure; deferring
// Rollback immediately after Begin and calling Commit explicitly on
// the success path gives the "drop guarantee" spec §4.5 describes --
// Rollback is a no-op once Commit has run.
func Begin(sourcePath string, dangerMode bool, passphrase string) (*InPlaceOp, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, cageerr.Wrap(cageerr.IoError, "failed to generate temp file nonce", err)
	}
	op := &InPlaceOp{
		sourcePath: sourcePath,
		tempPath:   sourcePath + ".tmp." + nonce,
		dangerMode: dangerMode,
	}
	if !dangerMode {
		op.sidecarPath = sourcePath + sidecarSuffix
		if err := writeSidecar(op.sidecarPath, sourcePath, passphrase); err != nil {
			return nil, cageerr.Wrap(cageerr.IoError, "failed to write recovery sidecar", err)
		}
	}
	return op, nil
}

// TempPath is where the adapter should write its output.
func (op *InPlaceOp) TempPath() string { return op.tempPath }

// SidecarPath is empty when dangerMode is true (no sidecar was ever created).
func (op *InPlaceOp) SidecarPath() string { return op.sidecarPath }

// Commit finalizes a successful operation: atomically rename the temp
// output over the source, preserving mode (and best-effort
// timestamps), then remove the sidecar.
func (op *InPlaceOp) Commit() error {
	if op.committed {
		return nil
	}
	info, statErr := os.Stat(op.sourcePath)

	if statErr == nil {
		if err := os.Chmod(op.tempPath, info.Mode().Perm()); err != nil {
			op.Rollback()
			return cageerr.WithPath(asInPlaceFailed(err, op.sidecarPath), op.sourcePath)
		}
	}
	if err := os.Rename(op.tempPath, op.sourcePath); err != nil {
		op.Rollback()
		return cageerr.WithPath(asInPlaceFailed(err, op.sidecarPath), op.sourcePath)
	}
	if statErr == nil {
		// Best-effort: preserve the original mtime (atime is set to now). Failure here
		// does not make the operation unrecoverable -- the data is
		// already safely in place -- so it is not treated as an error.
		_ = os.Chtimes(op.sourcePath, time.Now(), info.ModTime())
	}

	op.committed = true
	if op.sidecarPath != "" {
		_ = os.Remove(op.sidecarPath)
	}
	return nil
}

// Rollback removes the partial temp output and leaves the sidecar in
// place, satisfying spec §4.5's "on any failure" and "rollback"
// clauses. It is safe to call multiple times and after Commit (no-op).
func (op *InPlaceOp) Rollback() {
	if op.committed {
		return
	}
	_ = os.Remove(op.tempPath)
	// Sidecar is deliberately retained: it is the recovery artifact
	// InPlaceFailedRecoverable points callers at.
}

func asInPlaceFailed(cause error, sidecarPath string) *cageerr.Error {
	return &cageerr.Error{
		Kind:        cageerr.InPlaceFailedRecoverable,
		Message:     "in-place finalize failed",
		Err:         cause,
		SidecarPath: sidecarPath,
	}
}

func randomNonce() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func writeSidecar(sidecarPath, originalPath, passphrase string) error {
	dir := filepath.Dir(sidecarPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	var body string
	if passphrase != "" {
		body = fmt.Sprintf("ORIGINAL: %s\nPASSPHRASE: %s\nINSTRUCTIONS: the in-place operation on %q did not finish. "+
			"If a file named %q.tmp.* exists alongside this sidecar, it is the incomplete output and can be discarded. "+
			"The original file at %q was not modified unless this sidecar has already been removed, which indicates "+
			"the operation completed successfully.\n",
			originalPath, passphrase, originalPath, originalPath, originalPath)
	} else {
		body = fmt.Sprintf("ORIGINAL: %s\nINSTRUCTIONS: the in-place operation on %q did not finish. "+
			"If a file named %q.tmp.* exists alongside this sidecar, it is the incomplete output and can be discarded. "+
			"The original file at %q was not modified unless this sidecar has already been removed, which indicates "+
			"the operation completed successfully.\n",
			originalPath, originalPath, originalPath, originalPath)
	}
	tmp, err := os.CreateTemp(dir, "cage-sidecar-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), sidecarPath)
}

// Package safety implements Cage's C5 component: the gate checks and
// recovery protocol that guard in-place operations (result written
// back over the source path). Nothing in this package talks to age or
// the engine directly -- it only decides whether an in-place write may
// proceed and how to make one crash-safe.
package safety

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// DangerModeEnvVar is the environment variable gate 2 requires to be
// set to permit danger_mode in-place operations (spec §4.5, §6).
const DangerModeEnvVar = "DANGER_MODE"

// ConfirmFunc is the embedder-supplied interactive confirmation
// callback for gate 3. It receives the path about to be overwritten
// and returns whether the user confirmed.
type ConfirmFunc func(path string) bool

// Gates bundles the inputs gate evaluation needs beyond the request
// itself: the confirmation callback and, for gate 4's stat checks, an
// os.Stat/statfs-style free-space probe the caller can fake in tests.
type Gates struct {
	// Confirm is invoked for gate 3 when IAmSure is false. A nil
	// Confirm with IAmSure false means "no embedder confirmation path
	// available" -- the operation aborts (spec §4.5 gate 3).
	Confirm ConfirmFunc

	// IsInteractive reports whether a confirmation prompt could even
	// be shown; DefaultGates sets it to check stdin with
	// golang.org/x/term, and a nil IsInteractive counts as interactive.
	IsInteractive func() bool

	// FreeBytes reports free space at the path's filesystem; overridable
	// in tests. Defaults to a real statfs-based check on unix.
	FreeBytes func(path string) (uint64, error)
}

// DefaultGates returns a Gates wired to the real terminal and
// filesystem.
func DefaultGates() *Gates {
	return &Gates{
		IsInteractive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
		FreeBytes:     freeBytesAt,
	}
}

// CheckRequest is the minimal view of a request Gates.Evaluate needs;
// internal/request.Request satisfies it via the accessor methods
// already exposed there.
type CheckRequest interface {
	InPlace() bool
	DangerMode() bool
	IAmSure() bool
}

// Evaluate runs all four in-place gates in order against sourcePath,
// stopping at the first failure (spec §4.5 "all must pass").
func (g *Gates) Evaluate(req CheckRequest, sourcePath string) error {
	// Gate 1: explicit in-place flag.
	if !req.InPlace() {
		return fmt.Errorf("safety: in-place flag not set, gates do not apply")
	}

	// Gate 2: danger mode requires the environment opt-in.
	if req.DangerMode() {
		if os.Getenv(DangerModeEnvVar) != "1" {
			return newDangerModeNotPermitted()
		}
	}

	// Gate 3: interactive confirmation unless i_am_sure.
	if !req.IAmSure() {
		interactive := true
		if g.IsInteractive != nil {
			interactive = g.IsInteractive()
		}
		if !interactive || g.Confirm == nil {
			return fmt.Errorf("safety: confirmation required but no interactive session or confirmation callback is available")
		}
		if !g.Confirm(sourcePath) {
			return fmt.Errorf("safety: operation not confirmed")
		}
	}

	// Gate 4: source file existence, regularity, writability, free space.
	return checkSourceFile(sourcePath, g.freeBytes())
}

func (g *Gates) freeBytes() func(string) (uint64, error) {
	if g.FreeBytes != nil {
		return g.FreeBytes
	}
	return freeBytesAt
}

func checkSourceFile(path string, freeBytes func(string) (uint64, error)) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("safety: source path check: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("safety: source path %s is not a regular file", path)
	}
	if info.Mode().Perm()&0o200 == 0 {
		return fmt.Errorf("safety: source path %s is not writable", path)
	}
	free, err := freeBytes(path)
	if err != nil {
		return fmt.Errorf("safety: free space check: %w", err)
	}
	need := uint64(info.Size()) * 2
	if free < need {
		return fmt.Errorf("safety: insufficient free space: need %d bytes, have %d", need, free)
	}
	return nil
}

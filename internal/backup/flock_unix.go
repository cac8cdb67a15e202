//go:build unix

package backup

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockRegistry takes an exclusive advisory lock on "<path>.lock" for
// the duration of one read-modify-write cycle, giving cross-process
// mutual exclusion on top of the in-process mutex (spec §5). The lock
// file itself is never read; its only role is the flock.
func lockRegistry(path string) (func(), error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600) // #nosec G304 -- path is the registry's own configured location.
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

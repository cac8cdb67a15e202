//go:build unix

package safety

import "golang.org/x/sys/unix"

// freeBytesAt reports free space on the filesystem containing path,
// computed from statfs the way gate 4 (spec §4.5) requires.
func freeBytesAt(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

//go:build !windows

package catalog

import "golang.org/x/sys/unix"

// diskFree returns the free bytes available to unprivileged callers on the
// volume containing path.
func diskFree(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}

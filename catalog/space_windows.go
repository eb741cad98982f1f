//go:build windows

package catalog

import "golang.org/x/sys/windows"

// diskFree returns the free bytes available to unprivileged callers on the
// volume containing path.
func diskFree(path string) (int64, error) {
	var free, total, totalFree uint64
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return int64(free), nil
}

//go:build linux

package zram

import "golang.org/x/sys/unix"

// blockDeviceSize queries the byte size of a block device node.
func blockDeviceSize(fd int) (int64, error) {
	size, err := unix.IoctlGetInt(fd, unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}

//go:build !linux

package zram

import "errors"

// blockDeviceSize is unsupported off Linux; regular files still work.
func blockDeviceSize(fd int) (int64, error) {
	return 0, errors.New("block device size probe not supported on this platform")
}

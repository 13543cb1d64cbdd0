package pipeline

import "golang.org/x/sys/unix"

// availableBytes returns the free space available to an unprivileged user
// at path, per spec §4.6 step 4's "archiveRoot has >= 1 GiB free" precheck.
func availableBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

//go:build linux

package coordinator

import "golang.org/x/sys/unix"

// DiskCapacity reports free space on the filesystem holding the chunk store.
type DiskCapacity struct {
	Path string
}

func (d DiskCapacity) Available() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(d.Path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * st.Bsize, nil
}

//go:build !linux

package coordinator

// DiskCapacity reports free space on the filesystem holding the chunk store.
// On platforms without a statfs binding it assumes space is sufficient.
type DiskCapacity struct {
	Path string
}

func (d DiskCapacity) Available() (int64, error) {
	return int64(MinFreeSpace), nil
}

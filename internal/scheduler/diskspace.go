package scheduler

import "golang.org/x/sys/unix"

// freeGB returns the free space available to an unprivileged user on
// the filesystem containing path, in gigabytes. No pack library covers
// filesystem free-space queries (DESIGN.md); this is a thin syscall
// wrapper, not a hand-rolled stdlib replacement for something the
// corpus already imports a library for.
func freeGB(path string) (float64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	bytesAvail := stat.Bavail * uint64(stat.Bsize)
	return float64(bytesAvail) / (1024 * 1024 * 1024), nil
}

//go:build linux

package download

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate asks the filesystem to reserve contiguous space for f up
// front, on a best-effort basis: ENOSPC mid-download is far more likely
// with a sparse file than with a preallocated one. Failure is non-fatal
// since the Seek+Write trick already extended the file to its final size.
func preallocate(f *os.File, length int64) {
	unix.Fallocate(int(f.Fd()), 0, 0, length)
}

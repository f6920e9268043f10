//go:build !linux

package download

import "os"

// preallocate is a no-op outside Linux: the Seek+Write trick in openFiles
// already extends the file to its final size.
func preallocate(f *os.File, length int64) {}

//go:build !unix

package storage

import "os"

// lockFile is a no-op where flock is unavailable; only one process may use
// a file store there.
func lockFile(f *os.File) error { return nil }

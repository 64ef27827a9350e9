//go:build !unix

package storage

// lockFile is a no-op where advisory locks are unavailable; the in-process
// mutex and the version check still guard appends.
func lockFile(string) (func(), error) {
	return func() {}, nil
}

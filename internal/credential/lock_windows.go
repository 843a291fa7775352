//go:build windows

package credential

// lockPath is a no-op on Windows. Refreshes are still coalesced within a
// process; only cross-process serialization is lost.
func lockPath(string) (unlock func(), err error) {
	return func() {}, nil
}

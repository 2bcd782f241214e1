package mgmt

import "os"

// removeStaleSocket unlinks a leftover socket file from a previous,
// crashed server instance before binding a fresh listener to the same
// path.
func removeStaleSocket(path string) {
	os.Remove(path)
}

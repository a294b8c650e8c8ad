//go:build darwin

package tiered

import "golang.org/x/sys/unix"

// platformICloudEvicted checks the com.apple.ubiquity.is-evicted
// extended attribute macOS sets on iCloud Drive placeholder files.
func platformICloudEvicted(path string) bool {
	buf := make([]byte, 1)
	n, err := unix.Getxattr(path, "com.apple.ubiquity.is-evicted", buf)
	if err != nil || n == 0 {
		return false
	}
	return buf[0] == 1
}

//go:build !darwin

package tiered

// platformICloudEvicted is a no-op outside macOS: iCloud Drive
// placeholder eviction only exists on that platform.
func platformICloudEvicted(path string) bool {
	return false
}

//go:build !linux

package gpu

func systemMemory() (total, free int64) {
	return defaultTotalMemory, defaultFreeMemory
}

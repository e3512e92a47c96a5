package convstore

import "os"

// The SMS feature toggle is one character in one file: '1' enabled,
// '0' disabled. A missing or unreadable file means enabled, so a wiped
// filesystem fails open rather than silencing the device.

// LoadEnabled reads the toggle file.
func LoadEnabled(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	return len(data) == 0 || data[0] != '0'
}

// SaveEnabled writes the toggle file, reporting success.
func SaveEnabled(path string, enabled bool) bool {
	b := []byte{'1'}
	if !enabled {
		b[0] = '0'
	}
	return os.WriteFile(path, b, 0o644) == nil
}

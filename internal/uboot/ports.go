package uboot

import (
	"os"
	"path/filepath"
	"sort"
)

const sysTTY = "/sys/class/tty"

// Ports lists serial devices that are backed by real hardware. Entries in
// /sys/class/tty without a device node are virtual consoles and are
// skipped.
func Ports() ([]string, error) {
	entries, err := os.ReadDir(sysTTY)
	if err != nil {
		return nil, err
	}
	var ports []string
	for _, entry := range entries {
		if _, err := os.Stat(filepath.Join(sysTTY, entry.Name(), "device")); err != nil {
			continue
		}
		ports = append(ports, filepath.Join("/dev", entry.Name()))
	}
	sort.Strings(ports)
	return ports, nil
}

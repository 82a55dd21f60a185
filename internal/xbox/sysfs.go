package xbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// sysfsDevice is the slice of sysfs state needed to recognize the receiver
// and address it through usbfs.
type sysfsDevice struct {
	Name   string
	BusNum int
	DevNum int
	VID    uint16
	PID    uint16
}

// Address is the backend address for this device, "bus:devnum".
func (s sysfsDevice) Address() string {
	return fmt.Sprintf("%d:%d", s.BusNum, s.DevNum)
}

// enumerateSysfs lists USB devices under root (normally
// /sys/bus/usb/devices), skipping interface entries.
func enumerateSysfs(root string) ([]sysfsDevice, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read sysfs usb directory: %w", err)
	}

	var devices []sysfsDevice
	for _, entry := range entries {
		name := entry.Name()

		// Interfaces contain ':'; devices contain '-' or are root hubs.
		if strings.Contains(name, ":") {
			continue
		}
		if !strings.Contains(name, "-") && !strings.HasPrefix(name, "usb") {
			continue
		}

		dir := filepath.Join(root, name)
		vid, err := readSysfsHex16(filepath.Join(dir, "idVendor"))
		if err != nil {
			continue
		}
		pid, err := readSysfsHex16(filepath.Join(dir, "idProduct"))
		if err != nil {
			continue
		}
		busNum, err := readSysfsInt(filepath.Join(dir, "busnum"))
		if err != nil {
			continue
		}
		devNum, err := readSysfsInt(filepath.Join(dir, "devnum"))
		if err != nil {
			continue
		}

		devices = append(devices, sysfsDevice{
			Name:   name,
			BusNum: busNum,
			DevNum: devNum,
			VID:    vid,
			PID:    pid,
		})
	}
	return devices, nil
}

func readSysfsHex16(path string) (uint16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}

func readSysfsInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

//go:build windows

package serialport

import (
	"fmt"
	"strings"

	"golang.org/x/sys/windows/registry"
)

const usbEnumPath = `SYSTEM\CurrentControlSet\Enum\USB`

// manufacturer reads the Mfg value of the USB device instance. The instance
// named after the serial number wins; otherwise the first one that has a
// value is used.
func manufacturer(vid, pid, serial string) string {
	if vid == "" || pid == "" {
		return ""
	}

	path := fmt.Sprintf(`%s\VID_%s&PID_%s`, usbEnumPath, strings.ToUpper(vid), strings.ToUpper(pid))
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.ENUMERATE_SUB_KEYS)
	if err != nil {
		return ""
	}
	defer func() {
		_ = k.Close()
	}()

	instances, err := k.ReadSubKeyNames(-1)
	if err != nil {
		return ""
	}

	for _, inst := range instances {
		if serial != "" && strings.EqualFold(inst, serial) {
			if name := readMfg(path + `\` + inst); name != "" {
				return name
			}
		}
	}
	for _, inst := range instances {
		if name := readMfg(path + `\` + inst); name != "" {
			return name
		}
	}

	return ""
}

func readMfg(path string) string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE)
	if err != nil {
		return ""
	}
	defer func() {
		_ = k.Close()
	}()

	v, _, err := k.GetStringValue("Mfg")
	if err != nil {
		return ""
	}
	return mfgName(v)
}

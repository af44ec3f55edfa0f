//go:build !windows

package serialport

func manufacturer(_, _, _ string) string {
	return ""
}

//go:build !windows

package autostart

import "errors"

var ErrUnsupported = errors.New("autostart is only supported on windows")

func isEnabled(string) (bool, error) {
	return false, nil
}

func enable(string, string) error {
	return ErrUnsupported
}

func disable(string) error {
	return nil
}

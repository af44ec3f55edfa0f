// Package autostart registers SerialLink to run headless at user login.
package autostart

import (
	"fmt"
	"strings"
)

// AppName is the name the login entry is stored under.
const AppName = "SerialLink"

// Command builds the command line stored in the login entry. The executable
// is always quoted so paths with spaces survive.
func Command(executablePath string, args ...string) string {
	command := fmt.Sprintf("\"%s\"", executablePath)
	if len(args) > 0 {
		command += " " + strings.Join(args, " ")
	}
	return command
}

// Set enables or disables the login entry for executablePath.
func Set(enabled bool, executablePath string, args ...string) error {
	if !enabled {
		return disable(AppName)
	}
	return enable(AppName, Command(executablePath, args...))
}

// Enabled reports whether a login entry exists.
func Enabled() (bool, error) {
	return isEnabled(AppName)
}

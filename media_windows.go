//go:build windows
// +build windows

package main

import (
	"errors"
	"os/exec"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"
)

// newPlatformBackend creates the media backend for the current platform
func newPlatformBackend(logger zerolog.Logger) (MediaBackend, error) {
	if maj, _, _ := windows.RtlGetNtVersionNumbers(); maj < 10 {
		return nil, errors.New("media sessions require Windows 10 or later")
	}
	encoded, err := encodePowerShell(gsmtcScript)
	if err != nil {
		return nil, err
	}
	command := func() *exec.Cmd {
		cmd := exec.Command("powershell.exe",
			"-NoLogo", "-NoProfile", "-NonInteractive",
			"-ExecutionPolicy", "Bypass",
			"-EncodedCommand", encoded)
		cmd.SysProcAttr = &syscall.SysProcAttr{
			HideWindow:    true,
			CreationFlags: windows.CREATE_NO_WINDOW,
		}
		return cmd
	}
	return newGSMTCBackend(command, logger), nil
}

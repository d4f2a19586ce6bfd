//go:build windows

package security

import (
	"golang.org/x/sys/windows"
)

func isElevated() (bool, error) {
	token := windows.GetCurrentProcessToken()
	return token.IsElevated(), nil
}

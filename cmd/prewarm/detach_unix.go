//go:build !windows

package main

import "syscall"

// detached puts the server into its own session, so closing the terminal
// doesn't kill it.
func detached() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

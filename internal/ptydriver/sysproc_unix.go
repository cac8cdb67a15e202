//go:build unix

package ptydriver

import "syscall"

// cttyAttr builds the SysProcAttr that makes the pty slave the child's
// controlling terminal without making it the child's stdin/stdout/
// stderr. cttyFd is the file descriptor number the slave will occupy
// inside the child's own fd table: stdin/stdout/stderr always take 0,
// 1, 2, so the slave passed as the sole entry in cmd.ExtraFiles lands
// at 3. This is what lets age's open("/dev/tty") resolve to our pty
// even while the data-plane stdin/stdout are separate pipes (spec
// §4.1, §4.9 design notes: "prompts through a terminal, data through
// pipes").
func cttyAttr(cttyFd int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    cttyFd,
	}
}

const ptySupported = true

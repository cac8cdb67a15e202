//go:build !unix

package ptydriver

import "syscall"

func cttyAttr(cttyFd int) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

const ptySupported = false

//go:build !windows

package worker

import "syscall"

// osIdentity is the real syscall-backed identity.
type osIdentity struct{}

func (osIdentity) Setgid(gid int) error { return syscall.Setgid(gid) }
func (osIdentity) Setuid(uid int) error { return syscall.Setuid(uid) }
func (osIdentity) Getuid() int          { return syscall.Getuid() }
func (osIdentity) Getgid() int          { return syscall.Getgid() }
func (osIdentity) Umask(mask int) int   { return syscall.Umask(mask) }

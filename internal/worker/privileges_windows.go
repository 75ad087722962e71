//go:build windows

package worker

import "errors"

// osIdentity exists so the package compiles on Windows; workers only run on
// Unix hosts.
type osIdentity struct{}

func (osIdentity) Setgid(int) error { return errors.ErrUnsupported }
func (osIdentity) Setuid(int) error { return errors.ErrUnsupported }
func (osIdentity) Getuid() int      { return -1 }
func (osIdentity) Getgid() int      { return -1 }
func (osIdentity) Umask(int) int    { return 0 }

package worker

import "fmt"

// identity abstracts the process-identity syscalls so the drop sequence can
// be tested without being root.
type identity interface {
	Setgid(gid int) error
	Setuid(uid int) error
	Getuid() int
	Getgid() int
	Umask(mask int) int
}

// dropPrivileges switches the process to the workspace owner's identity.
// Group first, then user: once setuid succeeds the process can no longer
// change its groups. The result is verified because on some kernels a failed
// transition is reported as success for threads the runtime already spawned.
// A (0,0) target skips the drop entirely, which is the development-mode path.
func dropPrivileges(sys identity, uid, gid int) error {
	if uid < 0 || gid < 0 {
		return fmt.Errorf("worker: invalid target identity uid=%d gid=%d", uid, gid)
	}

	if uid == 0 && gid == 0 {
		sys.Umask(0o022)
		return nil
	}

	if err := sys.Setgid(gid); err != nil {
		return fmt.Errorf("worker: setgid %d: %w", gid, err)
	}
	if err := sys.Setuid(uid); err != nil {
		return fmt.Errorf("worker: setuid %d: %w", uid, err)
	}

	if got := sys.Getuid(); got != uid {
		return fmt.Errorf("worker: uid verification failed: have %d, want %d", got, uid)
	}
	if got := sys.Getgid(); got != gid {
		return fmt.Errorf("worker: gid verification failed: have %d, want %d", got, gid)
	}
	if uid != 0 && sys.Getuid() == 0 {
		return fmt.Errorf("worker: still root after privilege drop")
	}

	sys.Umask(0o022)
	return nil
}

package worker

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeIdentity records the drop sequence. ignoreSetuid/ignoreSetgid simulate
// kernels that report success without actually switching.
type fakeIdentity struct {
	calls []string

	uid, gid     int
	setgidErr    error
	setuidErr    error
	ignoreSetuid bool
	ignoreSetgid bool
	umasks       []int
}

func (f *fakeIdentity) Setgid(gid int) error {
	f.calls = append(f.calls, fmt.Sprintf("setgid(%d)", gid))
	if f.setgidErr != nil {
		return f.setgidErr
	}
	if !f.ignoreSetgid {
		f.gid = gid
	}
	return nil
}

func (f *fakeIdentity) Setuid(uid int) error {
	f.calls = append(f.calls, fmt.Sprintf("setuid(%d)", uid))
	if f.setuidErr != nil {
		return f.setuidErr
	}
	if !f.ignoreSetuid {
		f.uid = uid
	}
	return nil
}

func (f *fakeIdentity) Getuid() int { return f.uid }
func (f *fakeIdentity) Getgid() int { return f.gid }

func (f *fakeIdentity) Umask(mask int) int {
	f.calls = append(f.calls, "umask")
	f.umasks = append(f.umasks, mask)
	return 0
}

func TestDropPrivilegesGroupBeforeUser(t *testing.T) {
	sys := &fakeIdentity{}
	require.NoError(t, dropPrivileges(sys, 1001, 2002))
	require.Equal(t, []string{"setgid(2002)", "setuid(1001)", "umask"}, sys.calls)
	require.Equal(t, []int{0o022}, sys.umasks)
}

func TestDropPrivilegesSkippedForRootTarget(t *testing.T) {
	sys := &fakeIdentity{}
	require.NoError(t, dropPrivileges(sys, 0, 0))
	require.Equal(t, []string{"umask"}, sys.calls)
}

func TestDropPrivilegesSetgidFailureStopsEarly(t *testing.T) {
	sys := &fakeIdentity{setgidErr: errors.New("eperm")}
	err := dropPrivileges(sys, 1001, 2002)
	require.ErrorContains(t, err, "setgid 2002")
	require.Equal(t, []string{"setgid(2002)"}, sys.calls)
}

func TestDropPrivilegesSetuidFailure(t *testing.T) {
	sys := &fakeIdentity{setuidErr: errors.New("eperm")}
	err := dropPrivileges(sys, 1001, 2002)
	require.ErrorContains(t, err, "setuid 1001")
	require.Empty(t, sys.umasks)
}

func TestDropPrivilegesVerifiesUID(t *testing.T) {
	sys := &fakeIdentity{ignoreSetuid: true}
	err := dropPrivileges(sys, 1001, 2002)
	require.ErrorContains(t, err, "uid verification failed")
	require.Empty(t, sys.umasks, "umask must not run after a failed drop")
}

func TestDropPrivilegesVerifiesGID(t *testing.T) {
	sys := &fakeIdentity{ignoreSetgid: true}
	err := dropPrivileges(sys, 1001, 2002)
	require.ErrorContains(t, err, "gid verification failed")
}

func TestDropPrivilegesRejectsNegativeIdentity(t *testing.T) {
	sys := &fakeIdentity{}
	require.Error(t, dropPrivileges(sys, -1, 0))
	require.Error(t, dropPrivileges(sys, 0, -1))
	require.Empty(t, sys.calls)
}

package monitor

import "testing"

// setBeforeRegisterLock installs fn as the Register race hook for the
// duration of the test.
func setBeforeRegisterLock(t *testing.T, fn func()) {
	t.Helper()
	testHookBeforeRegisterLock = fn
	t.Cleanup(func() { testHookBeforeRegisterLock = nil })
}

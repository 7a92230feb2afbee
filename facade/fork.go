package facade

import "github.com/ghetzel/tssx/bridge"

// AfterFork is the fork hook from spec.md §6: "An override of fork calls
// the real fork; in the child, before returning control, it invokes
// bridge_add_user to walk the session table and increment every
// connection's open_count." Go's runtime does not support a bare fork(2)
// that safely returns into a multithreaded process (see SPEC_FULL.md §H),
// so there is no raw fork() override to wire this to; a real post-fork
// child (one that inherits an already-mapped segment rather than attaching
// to it itself) is the only caller that should invoke this directly.
func AfterFork() error {
	return bridge.Global.AddUser()
}

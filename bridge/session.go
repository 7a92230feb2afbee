package bridge

import "github.com/ghetzel/tssx/connection"

// Session describes one file descriptor's fate in the Bridge's session
// table, per spec.md §4.4. A Session either carries a Connection (fast path
// enabled), is present without one (a kernel-only descriptor the facade
// still tracks so it knows not to look again), or is absent entirely (slot
// empty / invalid).
type Session struct {
	present    bool
	connection *connection.Connection
}

// KernelOnly returns a Session marking a descriptor as present but without
// a fast path — e.g. a socket that failed the domain/type eligibility check
// in facade.SocketIsStreamAndDomain.
func KernelOnly() *Session {
	return &Session{present: true}
}

// WithConnection returns a Session wrapping a live Connection, the fast
// path case.
func WithConnection(conn *connection.Connection) *Session {
	return &Session{present: true, connection: conn}
}

// HasConnection is the hot-path predicate the facade hinges fast-vs-slow
// dispatch on, mirroring session_has_connection in spec.md §4.4. A nil
// Session (empty slot) never has a connection.
func (s *Session) HasConnection() bool {
	return s != nil && s.connection != nil
}

// Present reports whether this slot is occupied at all (fast path or
// kernel-only), as opposed to being an empty/invalid slot.
func (s *Session) Present() bool {
	return s != nil && s.present
}

// Connection returns the wrapped Connection, or nil if this Session has
// none.
func (s *Session) Connection() *connection.Connection {
	if s == nil {
		return nil
	}
	return s.connection
}

// Package facade implements the CORE side of the Interception Façade
// contract from spec.md §6. The façade's other half — interposing the
// actual libc socket/read/write/accept/connect/close/fork symbols a
// dynamic-linker preload would hook — is explicitly out of scope (spec.md
// §1: "the actual interposition stubs for individual libc calls ... only
// their contracts captured in §6"). This package provides exactly the
// queries, commands, and handshake helpers spec.md §6 names, so that
// interposition machinery (not part of this repo) has a concrete Go
// contract to call into.
//
// Grounded on include/tssx/overrides.h from original_source, which defines
// the same four core-facing calls (connection_write, connection_read,
// get_buffer, socket_is_stream_and_domain) plus the real_* function-pointer
// typedefs this package's Real* wrappers stand in for.
package facade

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ghetzel/tssx/bridge"
	"github.com/ghetzel/tssx/connection"
	"github.com/ghetzel/tssx/internal/logging"
	"github.com/ghetzel/tssx/internal/ring"
	"github.com/ghetzel/tssx/internal/tssxerr"
)

var log = logging.With("facade")

// ConnectionWrite writes up to len(data) bytes to fd's connection buffer
// for the given direction. miss is true when fd has no connection (spec.md
// §7's FAST_PATH_MISS): the caller should fall through to the real write
// syscall. A non-nil err is a genuine ring buffer error (e.g. TIMED_OUT);
// per spec.md §7 partial transfers (n < len(data), err == nil) are never
// errors.
func ConnectionWrite(fd int, data []byte, which connection.Which) (n int, miss bool, err error) {
	session := bridge.Global.Lookup(fd)
	if !session.HasConnection() {
		return 0, true, nil
	}
	n, err = session.Connection().Buffer(which).Write(data)
	return n, false, err
}

// ConnectionRead reads up to len(dst) bytes from fd's connection buffer for
// the given direction. See ConnectionWrite for the miss/err contract.
func ConnectionRead(fd int, dst []byte, which connection.Which) (n int, miss bool, err error) {
	session := bridge.Global.Lookup(fd)
	if !session.HasConnection() {
		return 0, true, nil
	}
	n, err = session.Connection().Buffer(which).Read(dst)
	return n, false, err
}

// GetBuffer returns conn's ring buffer for the given direction, the
// get_buffer(conn, which_buffer) query from spec.md §6.
func GetBuffer(conn *connection.Connection, which connection.Which) *ring.Buffer {
	return conn.Buffer(which)
}

// nonBlockingTypeBits masks off the type-level flags Linux allows to be
// OR'd into socket(2)'s type argument, so the stream/domain check below
// isn't defeated by a caller passing SOCK_STREAM|SOCK_NONBLOCK.
const nonBlockingTypeBits = unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

// SocketIsStreamAndDomain is the socket_is_stream_and_domain(domain, type)
// predicate from spec.md §6: only AF_UNIX/AF_LOCAL SOCK_STREAM sockets are
// fast-path eligible. AF_UNIX and AF_LOCAL are the same constant on every
// platform golang.org/x/sys/unix supports, matching overrides.h's
// "(AF_UNIX | AF_LOCAL, SOCK_STREAM)" framing of a single pair.
func SocketIsStreamAndDomain(domain, typ int) bool {
	return domain == unix.AF_UNIX && (typ & ^nonBlockingTypeBits) == unix.SOCK_STREAM
}

// SendSegmentID writes a connection's segment id across an accepted kernel
// socket using the real write, the server side of the handshake spec.md §6
// describes ("On accept the server creates a Connection, then sends the
// segment identifier ... over the accepted kernel socket using the real
// write").
func SendSegmentID(fd int, segmentID int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(segmentID))
	if _, err := RealWrite(fd, buf[:]); err != nil {
		return fmt.Errorf("facade: send segment id: %w", err)
	}
	return nil
}

// RecvSegmentID reads a segment id sent by SendSegmentID using the real
// read, the client side of the handshake.
func RecvSegmentID(fd int) (int, error) {
	var buf [8]byte
	n, err := RealRead(fd, buf[:])
	if err != nil {
		return 0, fmt.Errorf("facade: recv segment id: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("facade: recv segment id: short read of %d bytes: %w", n, tssxerr.ErrInvalidState)
	}
	return int(binary.LittleEndian.Uint64(buf[:])), nil
}

// Accept performs the server side of connect/accept from spec.md §6: it
// creates a Connection, registers it in the Bridge under fd, and sends the
// segment id to the peer so the client side can Dial into the same
// segment.
func Accept(fd int, opts *connection.Options) (*connection.Connection, error) {
	conn, err := connection.Create(opts)
	if err != nil {
		return nil, fmt.Errorf("facade: accept: %w", err)
	}

	if err := SendSegmentID(fd, conn.SegmentID); err != nil {
		_ = conn.Disconnect()
		return nil, err
	}

	if err := bridge.Global.Insert(fd, bridge.WithConnection(conn)); err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("facade: accept: register session: %w", err)
	}

	log.WithField("fd", fd).WithField("segment_id", conn.SegmentID).Info("accepted fast-path connection")

	return conn, nil
}

// Dial performs the client side of connect/accept from spec.md §6: it
// reads the segment id the server sent, attaches to that segment, and
// registers the resulting Connection under fd.
func Dial(fd int, opts *connection.Options) (*connection.Connection, error) {
	segmentID, err := RecvSegmentID(fd)
	if err != nil {
		return nil, fmt.Errorf("facade: dial: %w", err)
	}

	conn, err := connection.Setup(segmentID, opts)
	if err != nil {
		return nil, fmt.Errorf("facade: dial: %w", err)
	}

	if err := bridge.Global.Insert(fd, bridge.WithConnection(conn)); err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("facade: dial: register session: %w", err)
	}

	log.WithField("fd", fd).WithField("segment_id", conn.SegmentID).Info("dialed fast-path connection")

	return conn, nil
}

// Close releases fd's fast-path resources, if any, and erases its session
// slot. Called from an override of close(2).
func Close(fd int) error {
	session := bridge.Global.Lookup(fd)
	if session.HasConnection() {
		if err := session.Connection().Disconnect(); err != nil {
			log.WithError(err).WithField("fd", fd).Error("error disconnecting on close")
		}
	}
	return bridge.Global.Erase(fd)
}

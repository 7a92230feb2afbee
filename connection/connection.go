// Package connection implements the Connection layer of spec.md §4.3: a
// reference-counted pair of ring buffers (server→client and client→server)
// plus a shared open-count, all co-located in one shared memory segment.
//
// Grounded on original_source/source/connection.c, the only retrieved
// original-source file for this layer: create_connection/setup_connection,
// connection_add_user, disconnect, and the segment-size accumulators are all
// direct translations of that file's functions, adapted from C structs and
// a raw shmget segment_id into Go types and the internal/segment package.
package connection

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ghetzel/tssx/internal/logging"
	"github.com/ghetzel/tssx/internal/ring"
	"github.com/ghetzel/tssx/internal/segment"
	"github.com/ghetzel/tssx/internal/tssxerr"
)

var log = logging.With("connection")

// Which selects one of a connection's two ring buffers, per spec.md §4.3's
// "directional enum {server, client}". The Connection itself stays
// role-agnostic; callers of the facade package (cmd/tssx's pump, for one)
// pass the Which value that matches their role.
type Which int

const (
	ServerBuffer Which = iota
	ClientBuffer
)

// Options carries the per-connection configuration the handshake must agree
// on between both peers, mirroring ConnectionOptions /
// DEFAULT_OPTIONS in original_source/source/connection.c.
type Options struct {
	ServerBufferSize int
	ServerTimeouts   ring.Timeouts
	ClientBufferSize int
	ClientTimeouts   ring.Timeouts
}

// DefaultOptions is the process-global default both sides of a handshake
// use when the connecting code does not override it, matching
// DEFAULT_OPTIONS in original_source/source/connection.c. The handshake
// (spec.md §6) does not transmit Options; both sides must already agree on
// these values before connect/accept, by using DefaultOptions or an
// equally-agreed override.
var DefaultOptions = Options{
	ServerBufferSize: 64 * 1024,
	ServerTimeouts:   ring.Timeouts{Read: ring.InfiniteTimeout(), Write: ring.InfiniteTimeout()},
	ClientBufferSize: 64 * 1024,
	ClientTimeouts:   ring.Timeouts{Read: ring.InfiniteTimeout(), Write: ring.InfiniteTimeout()},
}

const openCountSize = 8 // sizeof(atomic uint64)

func align8(n int) int {
	return (n + 7) &^ 7
}

// segmentSize sizes the segment as atomic_counter + buffer_header +
// server_capacity + buffer_header + client_capacity, per spec.md §4.3's
// Creation contract. Each component is rounded up to 8 bytes so the atomic
// fields inside each buffer's header stay naturally aligned — spec.md §3
// only assumes alignment of an atomic counter, not zero padding, so the
// padding itself is this implementation's choice to make the layout valid
// in Go. The C accumulator this is grounded on
// (_options_segment_size/_connection_segment_size in connection.c) starts
// from an uninitialized local; spec.md §9 flags that as a bug and this
// implementation starts the accumulator at zero.
func segmentSize(opts *Options) int {
	size := 0
	size += align8(openCountSize)
	size += align8(ring.SegmentSize(opts.ServerBufferSize))
	size += align8(ring.SegmentSize(opts.ClientBufferSize))
	return size
}

func serverOffset() int {
	return align8(openCountSize)
}

func clientOffset(opts *Options) int {
	return serverOffset() + align8(ring.SegmentSize(opts.ServerBufferSize))
}

// Connection is a per-process handle referencing the segment id, the shared
// open_count, and the two ring buffers. A Connection becomes invalid once
// Disconnect returns; the Bridge is responsible for clearing any Session
// slot that referenced it so later use cannot reach it.
type Connection struct {
	SegmentID int

	region    []byte
	openCount *uint64
	server    *ring.Buffer
	client    *ring.Buffer
}

// Create sizes and creates a new segment for this connection (server side),
// attaches it, places the two ring buffers at their layout offsets, and
// initializes open_count to 1. Mirrors create_connection in
// original_source/source/connection.c.
func Create(opts *Options) (*Connection, error) {
	if opts == nil {
		opts = &DefaultOptions
	}

	seg, err := segment.Create(segmentSize(opts))
	if err != nil {
		return nil, fmt.Errorf("connection: create: %w", err)
	}

	region, err := seg.Attach()
	if err != nil {
		return nil, fmt.Errorf("connection: create: attach: %w", err)
	}

	conn, err := bind(seg.ID, region, opts)
	if err != nil {
		return nil, err
	}

	atomic.StoreUint64(conn.openCount, 1)

	log.WithField("segment_id", conn.SegmentID).Info("created connection")

	return conn, nil
}

// Setup attaches to an already-created segment (client side, or any
// post-handoff peer), binds the two buffer pointers at the same layout
// offsets the creator used, then atomically increments open_count. opts MUST
// describe the same buffer sizes the creator used; the handshake is
// responsible for that agreement, per spec.md §4.3. Mirrors
// setup_connection in original_source/source/connection.c.
func Setup(segmentID int, opts *Options) (*Connection, error) {
	if opts == nil {
		opts = &DefaultOptions
	}

	seg, err := segment.Open(segmentID)
	if err != nil {
		return nil, fmt.Errorf("connection: setup: %w", err)
	}

	region, err := seg.Attach()
	if err != nil {
		return nil, fmt.Errorf("connection: setup: attach: %w", err)
	}

	conn, err := bind(seg.ID, region, opts)
	if err != nil {
		return nil, err
	}

	atomic.AddUint64(conn.openCount, 1)

	log.WithField("segment_id", conn.SegmentID).Info("attached connection")

	return conn, nil
}

// bind constructs a Connection handle over an already-attached region,
// initializing (or re-initializing, matching original_source's behavior of
// calling the same buffer constructor on both the create and setup paths)
// both ring buffers at their fixed offsets.
func bind(segmentID int, region []byte, opts *Options) (*Connection, error) {
	need := segmentSize(opts)
	if len(region) < need {
		return nil, fmt.Errorf("connection: attached region too small: have %d, need %d: %w", len(region), need, tssxerr.ErrInvalidArgument)
	}

	openCount := (*uint64)(unsafe.Pointer(&region[0]))

	serverOff := serverOffset()
	server, err := ring.New(region[serverOff:], opts.ServerBufferSize, opts.ServerTimeouts)
	if err != nil {
		return nil, fmt.Errorf("connection: server buffer: %w", err)
	}

	clientOff := clientOffset(opts)
	client, err := ring.New(region[clientOff:], opts.ClientBufferSize, opts.ClientTimeouts)
	if err != nil {
		return nil, fmt.Errorf("connection: client buffer: %w", err)
	}

	return &Connection{
		SegmentID: segmentID,
		region:    region,
		openCount: openCount,
		server:    server,
		client:    client,
	}, nil
}

// AddUser increments open_count. Called by bridge.Bridge.AddUser for every
// session carrying a connection in a forked child, so the child's eventual
// independent Disconnect does not prematurely destroy the segment. Mirrors
// connection_add_user in original_source/source/connection.c.
func (c *Connection) AddUser() {
	atomic.AddUint64(c.openCount, 1)
}

// OpenCount reports the current shared refcount. Exposed for tests and
// diagnostics; not part of the disconnect/destroy decision path itself.
func (c *Connection) OpenCount() uint64 {
	return atomic.LoadUint64(c.openCount)
}

// Buffer returns the ring buffer for the given direction. The Connection is
// role-agnostic: the caller decides which of ServerBuffer/ClientBuffer a
// given fd's read or write should use.
func (c *Connection) Buffer(which Which) *ring.Buffer {
	if which == ServerBuffer {
		return c.server
	}
	return c.client
}

// Disconnect decrements open_count, detaches the segment from this
// process, and invalidates the handle; if the decrement left 0, it then
// destroys the segment. The decrement is made while this process's mapping
// of the counter is still attached; the destroy is requested only after
// the detach. Mirrors disconnect() in original_source/source/connection.c.
func (c *Connection) Disconnect() error {
	if c.region == nil {
		return fmt.Errorf("connection: disconnect: %w", tssxerr.ErrInvalidState)
	}

	segmentID := c.SegmentID
	region := c.region
	remaining := atomic.AddUint64(c.openCount, ^uint64(0)) // openCount -= 1

	if err := segment.Detach(region); err != nil {
		return fmt.Errorf("connection: disconnect: detach: %w", err)
	}

	c.SegmentID = -1
	c.region = nil
	c.openCount = nil
	c.server = nil
	c.client = nil

	if remaining == 0 {
		if err := segment.DestroySegment(segmentID); err != nil {
			return fmt.Errorf("connection: disconnect: destroy: %w", err)
		}
		log.WithField("segment_id", segmentID).Info("destroyed segment, open_count reached 0")
	}

	return nil
}

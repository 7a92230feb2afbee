// Package ring implements the Ring Buffer of spec.md §4.2: a
// single-producer/single-consumer byte ring placed inside a caller-supplied
// region of shared memory, with blocking, timed, and non-blocking read/write
// modes.
//
// There is no direct analogue in ghetzel-shmtool (its Segment is a flat
// io.Reader/io.Writer over the whole region, no ring discipline), so this
// package is grounded on original_source's connection.c/buffer contract
// (spec.md §4.2/§4.3) for semantics, and on the corpus's other shared-memory
// ring implementations (other_examples' shm_ring.go and seqlock.go) for the
// Go idiom of driving a ring out of a raw []byte with sync/atomic instead of
// locks.
package ring

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/ghetzel/tssx/internal/logging"
	"github.com/ghetzel/tssx/internal/tssxerr"
)

var log = logging.With("ring")

// Direction selects which of a buffer's two timeout/non-blocking settings
// an operation consults. It is unrelated to connection.Which (server vs
// client buffer selection) — this Direction is read vs write on a single
// buffer.
type Direction int32

const (
	Read Direction = iota
	Write
)

const minBackoff = 50 * time.Microsecond
const maxBackoff = 5 * time.Millisecond

// directionState is the atomically-accessed timeout configuration for one
// direction, laid out so it can live inside shared memory.
type directionState struct {
	kind        int32 // atomic: Kind
	nonBlocking int32 // atomic: 0/1
	nanos       int64 // atomic: time.Duration, valid when kind == Finite
}

func (d *directionState) set(t Timeout) {
	atomic.StoreInt64(&d.nanos, int64(t.Duration))
	atomic.StoreInt32(&d.kind, int32(t.Kind))
}

func (d *directionState) get() Timeout {
	return Timeout{
		Kind:     Kind(atomic.LoadInt32(&d.kind)),
		Duration: time.Duration(atomic.LoadInt64(&d.nanos)),
	}
}

func (d *directionState) setNonBlocking(v bool) {
	n := int32(0)
	if v {
		n = 1
	}
	atomic.StoreInt32(&d.nonBlocking, n)
}

func (d *directionState) isNonBlocking() bool {
	return atomic.LoadInt32(&d.nonBlocking) != 0
}

// header sits at the start of the caller-supplied region, per spec.md §3's
// segment layout table. Field order is fixed and positional; there is no
// metadata describing it outside the region itself.
type header struct {
	capacity    uint64
	readIndex   uint64
	writeIndex  uint64
	size        uint64 // atomic; authoritative for full/empty
	readState   directionState
	writeState  directionState
}

// HeaderSize is the number of bytes a buffer's header occupies, ahead of its
// capacity bytes of payload.
var HeaderSize = uintptr(unsafe.Sizeof(header{}))

// SegmentSize reports header + capacity bytes, the convenience
// segment_size_of(buffer) query from spec.md §4.1.
func SegmentSize(capacity int) int {
	return int(HeaderSize) + capacity
}

// Buffer is the in-segment ring. It never allocates its own memory — region
// must already be a live shared-memory mapping at least SegmentSize(capacity)
// bytes long.
type Buffer struct {
	hdr     *header
	payload []byte
}

// Timeouts bundles the two directions' initial timeout configuration,
// mirroring the ConnectionOptions.*_timeouts fields from
// original_source/source/connection.c's DEFAULT_OPTIONS.
type Timeouts struct {
	Read  Timeout
	Write Timeout
}

// New initializes a buffer header in-place at region and reserves the
// following capacity bytes as its payload, per spec.md §4.2's placement
// contract. region must have at least SegmentSize(capacity) usable bytes.
//
// Both create_connection (server) and setup_connection (client) in
// original_source/source/connection.c call the buffer constructor
// unconditionally for both buffers, rather than creating on one side and
// merely binding on the other; this function mirrors that exactly; callers
// on both sides of a connection call New with identical capacity, which
// spec.md §4.3 requires the handshake to guarantee.
func New(region []byte, capacity int, timeouts Timeouts) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity must be positive: %w", tssxerr.ErrInvalidArgument)
	}
	need := SegmentSize(capacity)
	if len(region) < need {
		return nil, fmt.Errorf("ring: region too small: have %d, need %d: %w", len(region), need, tssxerr.ErrInvalidArgument)
	}

	hdr := (*header)(unsafe.Pointer(&region[0]))
	hdr.capacity = uint64(capacity)
	atomic.StoreUint64(&hdr.readIndex, 0)
	atomic.StoreUint64(&hdr.writeIndex, 0)
	atomic.StoreUint64(&hdr.size, 0)
	hdr.readState.set(timeouts.Read)
	hdr.writeState.set(timeouts.Write)

	b := &Buffer{
		hdr:     hdr,
		payload: region[HeaderSize : HeaderSize+uintptr(capacity)],
	}

	log.WithField("capacity", capacity).Debug("initialized ring buffer")

	return b, nil
}

// Capacity is immutable after creation.
func (b *Buffer) Capacity() int {
	return int(b.hdr.capacity)
}

// UsedSpace reports the number of unread bytes currently in the buffer.
func (b *Buffer) UsedSpace() int {
	return int(atomic.LoadUint64(&b.hdr.size))
}

// FreeSpace reports how many bytes can be written before the buffer is full.
func (b *Buffer) FreeSpace() int {
	return int(b.hdr.capacity) - b.UsedSpace()
}

// SetTimeout configures the timeout used by Read or Write operations on the
// given direction.
func (b *Buffer) SetTimeout(dir Direction, t Timeout) {
	b.state(dir).set(t)
}

// SetNonBlocking forces a direction to behave as if its timeout were Zero,
// independent of whatever Timeout is configured.
func (b *Buffer) SetNonBlocking(dir Direction, nonBlocking bool) {
	b.state(dir).setNonBlocking(nonBlocking)
}

func (b *Buffer) state(dir Direction) *directionState {
	if dir == Read {
		return &b.hdr.readState
	}
	return &b.hdr.writeState
}

// Write copies min(len(src), FreeSpace()) bytes from src into the buffer,
// wrapping at capacity, and reports how many bytes were actually
// transferred. Partial transfers are not an error; spec.md §4.2 makes the
// caller responsible for looping if it wants all-or-nothing semantics.
func (b *Buffer) Write(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}

	free, err := b.awaitProgress(Write, func() int { return b.FreeSpace() })
	if err != nil {
		return 0, err
	}
	if free == 0 {
		return 0, nil
	}

	n := len(src)
	if n > free {
		n = free
	}

	widx := atomic.LoadUint64(&b.hdr.writeIndex)
	cap := b.hdr.capacity
	first := cap - widx
	if uint64(n) <= first {
		copy(b.payload[widx:], src[:n])
	} else {
		copy(b.payload[widx:], src[:first])
		copy(b.payload[0:], src[first:n])
	}
	atomic.StoreUint64(&b.hdr.writeIndex, (widx+uint64(n))%cap)

	// Release: publish the payload before the size bump the consumer
	// acquires on.
	atomic.AddUint64(&b.hdr.size, uint64(n))

	return n, nil
}

// Read copies min(len(dst), UsedSpace()) bytes out of the buffer into dst,
// advancing past them, and reports how many bytes were transferred.
func (b *Buffer) Read(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}

	used, err := b.awaitProgress(Read, func() int { return b.UsedSpace() })
	if err != nil {
		return 0, err
	}
	if used == 0 {
		return 0, nil
	}

	n := len(dst)
	if n > used {
		n = used
	}

	b.copyOut(dst[:n], false)
	atomic.AddUint64(&b.hdr.size, ^uint64(n-1)) // size -= n

	return n, nil
}

// Peek copies up to len(dst) unread bytes without advancing the read index.
// It never blocks: it reports whatever is available right now, possibly 0.
func (b *Buffer) Peek(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	used := b.UsedSpace()
	n := len(dst)
	if n > used {
		n = used
	}
	if n == 0 {
		return 0, nil
	}
	b.copyOut(dst[:n], true)
	return n, nil
}

// Skip advances the read index by up to n bytes without copying them
// anywhere, and reports how many bytes were skipped. It never blocks.
func (b *Buffer) Skip(n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	if n < 0 {
		return 0, fmt.Errorf("ring: skip: %w", tssxerr.ErrInvalidArgument)
	}
	used := b.UsedSpace()
	if n > used {
		n = used
	}
	if n == 0 {
		return 0, nil
	}
	ridx := atomic.LoadUint64(&b.hdr.readIndex)
	atomic.StoreUint64(&b.hdr.readIndex, (ridx+uint64(n))%b.hdr.capacity)
	atomic.AddUint64(&b.hdr.size, ^uint64(n-1))
	return n, nil
}

// copyOut copies n bytes (n <= UsedSpace()) out of the payload starting at
// the read index, wrapping at capacity in at most two copies. When peekOnly
// is false the read index is advanced past the copied bytes.
func (b *Buffer) copyOut(dst []byte, peekOnly bool) {
	n := uint64(len(dst))
	ridx := atomic.LoadUint64(&b.hdr.readIndex)
	cap := b.hdr.capacity
	first := cap - ridx
	if n <= first {
		copy(dst, b.payload[ridx:ridx+n])
	} else {
		copy(dst, b.payload[ridx:cap])
		copy(dst[first:], b.payload[0:n-first])
	}
	if !peekOnly {
		atomic.StoreUint64(&b.hdr.readIndex, (ridx+n)%cap)
	}
}

// awaitProgress spin-waits with exponential backoff on the atomic size
// counter until probe() reports a non-zero amount, the configured timeout
// for dir expires, or the direction is non-blocking. It returns the last
// probed amount. A Finite timeout that expires with probe() still at 0
// yields tssxerr.ErrTimedOut; every other outcome is nil error, per
// spec.md §4.2 and §7 ("partial transfers are never errors").
func (b *Buffer) awaitProgress(dir Direction, probe func() int) (int, error) {
	state := b.state(dir)

	if state.isNonBlocking() {
		return probe(), nil
	}

	timeout := state.get()
	if !timeout.blocks() {
		return probe(), nil
	}

	if v := probe(); v > 0 {
		return v, nil
	}

	start := time.Now()
	var deadline time.Time
	hasDeadline := timeout.Kind == Finite
	if hasDeadline {
		deadline = timeout.deadline(start)
	}

	backoff := minBackoff
	for {
		if v := probe(); v > 0 {
			return v, nil
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return 0, tssxerr.ErrTimedOut
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

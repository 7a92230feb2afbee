package ring

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ghetzel/tssx/internal/tssxerr"
)

func makeBuffer(t *testing.T, capacity int, timeouts Timeouts) *Buffer {
	region := make([]byte, SegmentSize(capacity))
	buf, err := New(region, capacity, timeouts)
	if err != nil {
		t.Fatalf("failed to create %d-byte ring buffer: %v", capacity, err)
	}
	return buf
}

func nonBlocking() Timeouts {
	return Timeouts{Read: NoTimeout, Write: NoTimeout}
}

func TestWriteReadRoundTrip(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	input := []byte("hello")
	n, err := buf.Write(input)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if n != len(input) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(input), n)
	}

	output := make([]byte, len(input))
	n, err = buf.Read(output)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if n != len(input) {
		t.Fatalf("expected to read %d bytes, read %d", len(input), n)
	}
	if !bytes.Equal(input, output) {
		t.Fatalf("expected %q, got %q", input, output)
	}
}

func TestUsedAndFreeSpaceAreComplementary(t *testing.T) {
	buf := makeBuffer(t, 32, nonBlocking())

	if _, err := buf.Write(bytes.Repeat([]byte{0xAB}, 10)); err != nil {
		t.Fatal(err)
	}

	if got := buf.UsedSpace() + buf.FreeSpace(); got != buf.Capacity() {
		t.Fatalf("used+free should equal capacity: used=%d free=%d capacity=%d", buf.UsedSpace(), buf.FreeSpace(), buf.Capacity())
	}
}

func TestWriteExactCapacitySucceedsFully(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	input := bytes.Repeat([]byte{1}, 16)
	n, err := buf.Write(input)
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Fatalf("expected full write of 16 bytes, got %d", n)
	}
}

func TestWriteOverCapacityNonBlockingReturnsCapacity(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	n, err := buf.Write(bytes.Repeat([]byte{2}, 20))
	if err != nil {
		t.Fatal(err)
	}
	if n != 16 {
		t.Fatalf("expected partial write of 16 bytes, got %d", n)
	}
}

func TestReadEmptyZeroTimeoutReturnsZeroImmediately(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	dst := make([]byte, 8)
	n, err := buf.Read(dst)
	if err != nil {
		t.Fatalf("expected no error on empty non-blocking read, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes read, got %d", n)
	}
}

func TestReadEmptyWithFiniteTimeoutWaitsAndTimesOut(t *testing.T) {
	buf := makeBuffer(t, 16, Timeouts{Read: FiniteTimeout(10 * time.Millisecond), Write: NoTimeout})

	start := time.Now()
	dst := make([]byte, 8)
	n, err := buf.Read(dst)
	elapsed := time.Since(start)

	if n != 0 {
		t.Fatalf("expected 0 bytes transferred, got %d", n)
	}
	if err == nil {
		t.Fatalf("expected a timeout error")
	}
	if !isTimedOut(err) {
		t.Fatalf("expected tssxerr.ErrTimedOut, got %v", err)
	}
	if elapsed < 10*time.Millisecond {
		t.Fatalf("expected to wait at least 10ms, waited %v", elapsed)
	}
	if buf.UsedSpace() != 0 {
		t.Fatalf("used space should remain 0 after a failed read, got %d", buf.UsedSpace())
	}
}

func TestWraparound(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	// Fill capacity-1, drain it all, then write 2 bytes that must wrap.
	filler := bytes.Repeat([]byte{0xFF}, 15)
	if n, err := buf.Write(filler); err != nil || n != 15 {
		t.Fatalf("setup write failed: n=%d err=%v", n, err)
	}

	drained := make([]byte, 15)
	if n, err := buf.Read(drained); err != nil || n != 15 {
		t.Fatalf("setup drain failed: n=%d err=%v", n, err)
	}

	wrapped := []byte{0x11, 0x22}
	if n, err := buf.Write(wrapped); err != nil || n != 2 {
		t.Fatalf("wrap write failed: n=%d err=%v", n, err)
	}

	out := make([]byte, 2)
	if n, err := buf.Read(out); err != nil || n != 2 {
		t.Fatalf("wrap read failed: n=%d err=%v", n, err)
	}
	if !bytes.Equal(out, wrapped) {
		t.Fatalf("expected %v, got %v", wrapped, out)
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	if _, err := buf.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}

	peeked := make([]byte, 4)
	if n, err := buf.Peek(peeked); err != nil || n != 4 {
		t.Fatalf("peek failed: n=%d err=%v", n, err)
	}
	if string(peeked) != "abcd" {
		t.Fatalf("expected abcd, got %q", peeked)
	}
	if buf.UsedSpace() != 4 {
		t.Fatalf("peek must not consume bytes, used space is %d", buf.UsedSpace())
	}

	read := make([]byte, 4)
	if n, _ := buf.Read(read); n != 4 || string(read) != "abcd" {
		t.Fatalf("expected to still be able to read abcd, got %q (%d)", read, n)
	}
}

func TestSkipAdvancesWithoutCopying(t *testing.T) {
	buf := makeBuffer(t, 16, nonBlocking())

	if _, err := buf.Write([]byte("abcdef")); err != nil {
		t.Fatal(err)
	}

	n, err := buf.Skip(3)
	if err != nil || n != 3 {
		t.Fatalf("skip failed: n=%d err=%v", n, err)
	}

	rest := make([]byte, 3)
	if n, err := buf.Read(rest); err != nil || n != 3 || string(rest) != "def" {
		t.Fatalf("expected def after skip, got %q (n=%d err=%v)", rest, n, err)
	}
}

func TestSequentialWritesAndReadsPreserveOrder(t *testing.T) {
	buf := makeBuffer(t, 64, nonBlocking())

	var written bytes.Buffer
	for i := 0; i < 50; i++ {
		chunk := []byte(fmt.Sprintf("%02d", i))
		for offset := 0; offset < len(chunk); {
			n, err := buf.Write(chunk[offset:])
			if err != nil {
				t.Fatalf("write failed: %v", err)
			}
			if n == 0 {
				t.Fatalf("buffer should have had room for chunk %d", i)
			}
			offset += n
			written.Write(chunk[offset-n : offset])
		}

		out := make([]byte, len(chunk))
		for offset := 0; offset < len(out); {
			n, err := buf.Read(out[offset:])
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			offset += n
		}
		if !bytes.Equal(out, chunk) {
			t.Fatalf("round %d: expected %q, got %q", i, chunk, out)
		}
	}
}

func isTimedOut(err error) bool {
	return errors.Is(err, tssxerr.ErrTimedOut)
}

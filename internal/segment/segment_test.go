package segment

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func makeSegment(t *testing.T, size int, callback func(seg *Segment) error) {
	seg, err := Create(size)
	if err != nil {
		t.Fatalf("failed to allocate %d-byte segment: %v", size, err)
	}
	defer seg.Destroy()

	if err := callback(seg); err != nil {
		t.Error(err)
	}
}

func TestCreate(t *testing.T) {
	makeSegment(t, 1024, func(seg *Segment) error {
		if seg.Size < 1024 {
			t.Errorf("expected segment size of at least 1024, got %d", seg.Size)
		}
		return nil
	})
}

func TestAttachWriteDetachReadBack(t *testing.T) {
	makeSegment(t, 4096, func(seg *Segment) error {
		data, err := seg.Attach()
		if err != nil {
			t.Fatalf("attach failed: %v", err)
		}

		input := bytes.Repeat([]byte{0xAB}, 4096)
		copy(data, input)

		if err := Detach(data); err != nil {
			t.Fatalf("detach failed: %v", err)
		}

		readback, err := seg.Attach()
		if err != nil {
			t.Fatalf("second attach failed: %v", err)
		}
		defer Detach(readback)

		if !bytes.Equal(readback, input) {
			t.Errorf("expected data to survive detach/attach round trip")
		}

		return nil
	})
}

func TestOpenExistingSegmentReportsSameSize(t *testing.T) {
	makeSegment(t, 8192, func(seg *Segment) error {
		reopened, err := Open(seg.ID)
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
		if reopened.Size != seg.Size {
			t.Errorf("expected size %d, got %d", seg.Size, reopened.Size)
		}
		return nil
	})
}

func TestDestroyLeavesNoResidualSegment(t *testing.T) {
	seg, err := Create(1024)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := seg.Destroy(); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(seg.ID, unix.IPC_STAT, &desc); err == nil {
		t.Errorf("expected stat on destroyed segment to fail once unattached")
	}
}

func TestCreateRejectsNonPositiveSize(t *testing.T) {
	if _, err := Create(0); err == nil {
		t.Errorf("expected an error creating a zero-size segment")
	}
	if _, err := Create(-1); err == nil {
		t.Errorf("expected an error creating a negative-size segment")
	}
}

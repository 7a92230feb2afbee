// Package segment implements the Shared Segment layer of spec.md §4.1: it
// allocates, attaches, detaches, and destroys a named region of SysV shared
// memory and hands back raw address arithmetic over it.
//
// ghetzel-shmtool/shm/shm.go does the same job through cgo bindings to
// shmget(2)/shmat(2)/shmdt(2)/shmctl(2). golang.org/x/sys/unix now wraps the
// same syscalls natively, so this package keeps the teacher's Segment shape
// (Create/Open/Attach/Detach/Destroy) and its golang.org/x/sys dependency,
// but drops the cgo toolchain requirement.
package segment

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ghetzel/tssx/internal/logging"
	"github.com/ghetzel/tssx/internal/tssxerr"
)

var log = logging.With("segment")

// Segment is a native representation of a SysV shared memory segment. The
// core stores no metadata outside the segment itself; callers are expected
// to know the byte layout they placed inside it.
type Segment struct {
	ID   int
	Size int64
}

// Create allocates a new private shared memory segment of at least size
// bytes. The kernel rounds the size up to the nearest page boundary.
func Create(size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("segment: create size must be positive: %w", tssxerr.ErrInvalidArgument)
	}

	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|unix.IPC_EXCL|0600)
	if err != nil {
		log.WithError(err).Error("shmget failed")
		return nil, fmt.Errorf("segment: create: %w: %v", tssxerr.ErrAllocationFailed, err)
	}

	actual, err := statSize(id)
	if err != nil {
		return nil, fmt.Errorf("segment: stat after create: %w: %v", tssxerr.ErrAllocationFailed, err)
	}

	log.WithField("segment_id", id).WithField("size", actual).Debug("created segment")

	return &Segment{ID: id, Size: actual}, nil
}

// Open attaches to metadata for an already-existing segment, identified by
// the integer id handed across the handshake kernel socket.
func Open(id int) (*Segment, error) {
	size, err := statSize(id)
	if err != nil {
		return nil, fmt.Errorf("segment: open %d: %w: %v", id, tssxerr.ErrAttachFailed, err)
	}
	return &Segment{ID: id, Size: size}, nil
}

func statSize(id int) (int64, error) {
	var desc unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err != nil {
		return 0, err
	}
	return int64(desc.Segsz), nil
}

// Attach maps the segment into the caller's address space at an
// OS-chosen address and returns a byte slice view over it, which is the raw
// address arithmetic the rest of the core performs offsets against.
func (s *Segment) Attach() ([]byte, error) {
	data, err := unix.SysvShmAttach(s.ID, 0, 0)
	if err != nil {
		log.WithError(err).WithField("segment_id", s.ID).Error("shmat failed")
		return nil, fmt.Errorf("segment: attach %d: %w: %v", s.ID, tssxerr.ErrAttachFailed, err)
	}
	return data, nil
}

// Detach unmaps the given mapping from this process's address space. It
// does not affect other processes' attachments, nor does it destroy the
// segment — removal is deferred to the kernel until the last attachment
// detaches, per Destroy's contract.
func Detach(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.SysvShmDetach(data)
}

// Destroy requests removal of the segment. The OS defers actual reclamation
// until the last attachment detaches.
func (s *Segment) Destroy() error {
	return DestroySegment(s.ID)
}

// DestroySegment requests removal of the segment with the given id.
func DestroySegment(id int) error {
	if _, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("segment: destroy %d: %w: %v", id, tssxerr.ErrAllocationFailed, err)
	}
	return nil
}

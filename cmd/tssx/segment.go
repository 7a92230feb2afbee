package main

import (
	"fmt"
	"io"
	"os"

	"github.com/ghetzel/tssx/internal/segment"
)

// segmentCreate allocates a new raw segment and copies standard input into
// it, mirroring ghetzel-shmtool/main.go's `open` subcommand, retargeted at
// the rewritten internal/segment.Segment (a []byte-mapped region rather
// than an io.Reader/io.Writer, since the rest of this repo slices it
// directly for ring buffer placement).
func segmentCreate(size int) (*segment.Segment, error) {
	seg, err := segment.Create(size)
	if err != nil {
		return nil, err
	}

	data, err := seg.Attach()
	if err != nil {
		return seg, err
	}
	defer segment.Detach(data)

	if _, err := io.ReadFull(os.Stdin, data); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return seg, fmt.Errorf("write stdin into segment: %w", err)
	}

	return seg, nil
}

func segmentWriteStdin(id int) error {
	seg, err := segment.Open(id)
	if err != nil {
		return err
	}

	data, err := seg.Attach()
	if err != nil {
		return err
	}
	defer segment.Detach(data)

	if _, err := io.ReadFull(os.Stdin, data); err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("write stdin into segment: %w", err)
	}

	return nil
}

func segmentReadStdout(id int) error {
	seg, err := segment.Open(id)
	if err != nil {
		return err
	}

	data, err := seg.Attach()
	if err != nil {
		return err
	}
	defer segment.Detach(data)

	_, err = os.Stdout.Write(data)
	return err
}

func destroySegment(id int) error {
	return segment.DestroySegment(id)
}

package facade

import (
	"golang.org/x/sys/unix"
)

// RealSocket, RealRead, RealWrite, RealAccept, RealConnect, RealClose are
// the "real libc" contract from spec.md §6: the façade's resolved pointers
// to the genuine socket/read/write/accept/connect/close calls, which an
// actual interposition layer would otherwise obtain via dlsym(RTLD_NEXT,
// ...) against libc. Since this repo does not implement the interposition
// stubs themselves (spec.md §1's explicit non-goal), these are thin
// golang.org/x/sys/unix wrappers standing in for "the real syscall" — the
// Go-native equivalent of a resolved real_* function pointer, used by
// cmd/tssx's demo server/client and by the SendSegmentID/RecvSegmentID
// handshake that Accept/Dial run.
func RealSocket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ, proto)
}

func RealRead(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

func RealWrite(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}

func RealAccept(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept(fd)
}

func RealConnect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

func RealClose(fd int) error {
	return unix.Close(fd)
}

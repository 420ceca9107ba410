//go:build linux

package libmodule

import "golang.org/x/sys/unix"

func openPubsubPipe() (pubsubPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return pubsubPipe{}, wrapErr("openPubsubPipe", CodeOutOfMemory, "pipe2", err)
	}
	return pubsubPipe{readFD: fds[0], writeFD: fds[1]}, nil
}

//go:build darwin

package libmodule

import "golang.org/x/sys/unix"

func openPubsubPipe() (pubsubPipe, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return pubsubPipe{}, wrapErr("openPubsubPipe", CodeOutOfMemory, "pipe", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return pubsubPipe{}, wrapErr("openPubsubPipe", CodeOutOfMemory, "set_nonblock", err)
		}
		unix.CloseOnExec(fd)
	}
	return pubsubPipe{readFD: fds[0], writeFD: fds[1]}, nil
}

package libmodule

import (
	"golang.org/x/sys/unix"
)

// psPipeSpec backs a module's own pub/sub source: a self-pipe whose read
// end is registered with the poller like any other FD source, grounded
// on original_source/Lib/module.c's init_pubsub_fd (a non-blocking
// CLOEXEC pipe, read end polled, write end used by senders) and the
// teacher's fd_unix.go/wakeup_linux.go self-pipe pattern.
type psPipeSpec struct {
	fd int // read end, registered with the poller
}

// pubsubPipe is a module's in/out pipe pair. readFD is armed with the
// poller as a SrcPS source; writeFD receives one wake-up byte per
// [psMessage] pushed onto the module's psInbox, which holds the messages
// themselves. Stop closes writeFD only, matching module.c's "stop"; the
// read end stays open but is disarmed along with the module's other
// sources.
type pubsubPipe struct {
	readFD  int
	writeFD int
}

// openPubsubPipe creates a non-blocking, close-on-exec pipe, grounded on
// module.c's _pipe() helper. Platform-specific implementations live in
// pipe_linux.go / pipe_darwin.go (Darwin has no pipe2 syscall).

// closeRead closes the read end only.
func (p *pubsubPipe) closeRead() {
	if p.readFD > 0 {
		_ = unix.Close(p.readFD)
		p.readFD = 0
	}
}

// closeWrite closes the write end only, per module.c's stop() behavior
// (the read end stays open, but Stop disarms it, so queued messages are
// not drained while the module is stopped).
func (p *pubsubPipe) closeWrite() {
	if p.writeFD > 0 {
		_ = unix.Close(p.writeFD)
		p.writeFD = 0
	}
}

func (p pubsubPipe) valid() bool {
	return p.readFD > 0 && p.writeFD > 0
}

// notify wakes whatever is blocked in the poller's wait on p.readFD by
// writing a single byte, ignoring EAGAIN (the pipe is non-blocking and
// a reader only needs to observe readability, not any particular byte
// count).
func (p pubsubPipe) notify() error {
	if p.writeFD <= 0 {
		return nil
	}
	_, err := unix.Write(p.writeFD, []byte{0})
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

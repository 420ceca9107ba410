//go:build linux

package libmodule

import (
	"encoding/binary"
	"unsafe"

	"golang.org/x/sys/unix"
)

// translateLinux drains the OS-level readiness artifact for src and
// produces the typed [EventPayload] spec.md §4.7's translator column
// describes, e.g. "drained expirations → count" for TMR. fd is src's
// underlying descriptor (timerfd/signalfd/inotify/pidfd/eventfd), raw
// is the epoll event bitmask that fired.
func translateLinux(src *Source, fd int, raw uint32) (EventPayload, error) {
	switch src.Type {
	case SrcFD:
		return FDEvent{FD: fd, Events: epollToEvents(raw)}, nil

	case SrcTMR:
		var buf [8]byte
		n, err := unix.Read(fd, buf[:])
		if err != nil || n != 8 {
			return nil, err
		}
		return TmrEvent{Expirations: binary.LittleEndian.Uint64(buf[:])}, nil

	case SrcSGN:
		var info unix.SignalfdSiginfo
		buf := (*(*[unix.SizeofSignalfdSiginfo]byte)(unsafe.Pointer(&info)))[:]
		n, err := unix.Read(fd, buf)
		if err != nil || n != unix.SizeofSignalfdSiginfo {
			return nil, err
		}
		return SgnEvent{Signal: int(info.Signo)}, nil

	case SrcPath:
		return translateInotify(fd)

	case SrcPID:
		spec := src.spec.(*PidSpec)
		var ws unix.WaitStatus
		// The pidfd became readable, meaning spec.Pid has exited; reap it
		// (non-blocking, it is already a zombie) to recover its exit
		// status. ECHILD means something else already reaped it.
		if _, err := unix.Wait4(spec.Pid, &ws, unix.WNOHANG, nil); err != nil && err != unix.ECHILD {
			return nil, err
		}
		status := ws.ExitStatus()
		if ws.Signaled() {
			status = -int(ws.Signal())
		}
		return PidEvent{Pid: spec.Pid, Status: status}, nil

	case SrcTask:
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:])
		select {
		case res := <-src.taskDone:
			return TaskEvent{Retval: res.retval, Err: res.err}, nil
		default:
			return nil, nil
		}

	default:
		return nil, nil
	}
}

// translateInotify drains every queued inotify_event record for one
// watch and folds them into a single [PathEvent], ORing their masks
// together; spec.md's per-path translator yields one {path, mask}
// payload per wakeup, so a burst of filesystem activity between loop
// iterations is summarized rather than delivered as separate events.
func translateInotify(fd int) (EventPayload, error) {
	var buf [4096]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n <= 0 {
		return nil, err
	}

	var (
		name string
		mask PathMask
	)
	off := 0
	for off+unix.SizeofInotifyEvent <= n {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		mask |= inotifyToPathMask(raw.Mask)
		start := off + unix.SizeofInotifyEvent
		end := start + int(raw.Len)
		if raw.Len > 0 && end <= n {
			i := start
			for i < end && buf[i] != 0 {
				i++
			}
			name = string(buf[start:i])
		}
		off = end
	}
	return PathEvent{Path: name, Mask: mask}, nil
}

func inotifyToPathMask(raw uint32) PathMask {
	var m PathMask
	if raw&unix.IN_CREATE != 0 {
		m |= PathCreate
	}
	if raw&unix.IN_MODIFY != 0 {
		m |= PathModify
	}
	if raw&unix.IN_DELETE != 0 {
		m |= PathDelete
	}
	if raw&(unix.IN_MOVED_FROM|unix.IN_MOVED_TO) != 0 {
		m |= PathMoved
	}
	return m
}

//go:build darwin

package libmodule

import (
	"golang.org/x/sys/unix"
)

// translateDarwin is the BSD/Darwin counterpart of translateLinux: it
// turns one fired kevent into the typed [EventPayload] spec.md §4.7
// describes, per source kind.
func translateDarwin(src *Source, kev *unix.Kevent_t) (EventPayload, error) {
	switch src.Type {
	case SrcFD:
		spec := src.spec.(*FDSpec)
		ev := IOEventRead
		if spec.Events&IOEventWrite != 0 {
			ev = IOEventWrite
		}
		if kev.Flags&unix.EV_EOF != 0 {
			ev |= IOEventHangup
		}
		if kev.Flags&unix.EV_ERROR != 0 {
			ev |= IOEventError
		}
		return FDEvent{FD: spec.FD, Events: ev}, nil

	case SrcTMR:
		n := kev.Data
		if n <= 0 {
			n = 1
		}
		return TmrEvent{Expirations: uint64(n)}, nil

	case SrcSGN:
		return SgnEvent{Signal: int(kev.Ident)}, nil

	case SrcPath:
		spec := src.spec.(*PathSpec)
		return PathEvent{Path: spec.Path, Mask: vnodeToPathMask(kev.Fflags)}, nil

	case SrcPID:
		spec := src.spec.(*PidSpec)
		var ws unix.WaitStatus
		_, _ = unix.Wait4(spec.Pid, &ws, unix.WNOHANG, nil)
		status := ws.ExitStatus()
		if ws.Signaled() {
			status = -int(ws.Signal())
		}
		return PidEvent{Pid: spec.Pid, Status: status}, nil

	case SrcTask:
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

func vnodeToPathMask(fflags uint32) PathMask {
	var m PathMask
	if fflags&unix.NOTE_WRITE != 0 {
		m |= PathModify
	}
	if fflags&unix.NOTE_DELETE != 0 {
		m |= PathDelete
	}
	if fflags&unix.NOTE_RENAME != 0 {
		m |= PathMoved
	}
	return m
}

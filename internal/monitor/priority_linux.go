//go:build linux

package monitor

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

func init() {
	applyThreadPriority = setLinuxThreadPriority

	// Pin the polling goroutine to its OS thread so the thread ID stays
	// valid for the whole session. The thread is released when the
	// goroutine exits.
	lockToThread = func(s *session) {
		runtime.LockOSThread()
		s.tid.Store(int64(unix.Gettid()))
	}
}

// setLinuxThreadPriority applies the requested scheduling class and level to
// the thread identified by tid. Real-time classes go through sched_setattr;
// ClassNormal adjusts niceness via setpriority. Both address a single thread
// because Linux scheduling parameters are per-task.
func setLinuxThreadPriority(tid int, class PriorityClass, level int) error {
	switch class {
	case ClassNormal:
		if err := unix.Setpriority(unix.PRIO_PROCESS, tid, level); err != nil {
			return fmt.Errorf("setpriority(tid=%d, nice=%d): %w", tid, level, err)
		}
		return nil

	case ClassFIFO, ClassRoundRobin:
		policy := uint32(unix.SCHED_FIFO)
		if class == ClassRoundRobin {
			policy = unix.SCHED_RR
		}
		attr := unix.SchedAttr{
			Size:     unix.SizeofSchedAttr,
			Policy:   policy,
			Priority: uint32(level),
		}
		if err := unix.SchedSetAttr(tid, &attr, 0); err != nil {
			return fmt.Errorf("sched_setattr(tid=%d, policy=%d, prio=%d): %w", tid, policy, level, err)
		}
		return nil

	default:
		return fmt.Errorf("unknown priority class %d", class)
	}
}

//go:build linux || darwin

package diskio

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// unixWake backs Disk's completion notification with both a Go channel
// (the actual wakeup mechanism used by wait/signal) and a real unix pipe
// written alongside every signal, grounded on the teacher's
// wakeup_linux.go/fd_unix.go (createWakeFd/drainWakeUpPipe/closeWakeFd):
// a real disk controller raises an interrupt on a file descriptor, so the
// pipe gives this simulated disk the same fd-shaped completion path,
// drained the same way drainWakeUpPipe clears a wake pipe after the
// event loop has observed it.
type unixWake struct {
	mu   sync.Mutex
	ch   chan struct{}
	r, w int
}

func newWakeSignal() wakeSignal {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		// Fall back to a channel-only signal if the platform refuses the
		// pipe (e.g. fd exhaustion); completion notification still works.
		return &chanWake{ch: make(chan struct{}, 1)}
	}
	return &unixWake{
		ch: make(chan struct{}, 1),
		r:  fds[0],
		w:  fds[1],
	}
}

func (u *unixWake) signal() {
	select {
	case u.ch <- struct{}{}:
	default:
	}
	_, _ = unix.Write(u.w, []byte{1})
}

func (u *unixWake) wait(timeout time.Duration) bool {
	select {
	case <-u.ch:
		u.drain()
		return true
	case <-time.After(timeout):
		return false
	}
}

func (u *unixWake) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(u.r, buf[:])
		if err != nil || n <= 0 {
			return
		}
	}
}

func (u *unixWake) close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	_ = unix.Close(u.w)
	err := unix.Close(u.r)
	return err
}

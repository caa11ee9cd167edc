//go:build linux

package audio

import (
	"runtime"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// audioNice is the niceness requested for the capture thread.
const audioNice = -16

// raisePriority pins the calling goroutine to its OS thread and lowers the
// thread's niceness. The thread is never unlocked, so the runtime discards it
// when the goroutine exits.
func raisePriority(logger *log.Logger) {
	runtime.LockOSThread()
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), audioNice); err != nil {
		logger.Debug("could not raise capture thread priority", "err", err)
	}
}

//go:build !linux

package audio

import (
	"runtime"

	"github.com/charmbracelet/log"
)

func raisePriority(_ *log.Logger) {
	runtime.LockOSThread()
}

package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook points the reported caller at the first frame outside of
// logrus and this package, so wrapped calls show the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(4, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isLoggerFrame(frame.Function) {
			entry.Caller = &frame
			break
		}
		if !more {
			break
		}
	}
	return nil
}

func isLoggerFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.HasPrefix(fn, "snowpulse/logger.")
}

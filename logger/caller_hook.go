package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// loggerPkg is this package's import path as seen in frame function names,
// resolved at start-up so the hook survives a module rename.
var loggerPkg = packagePath()

func packagePath() string {
	pc, _, _, _ := runtime.Caller(0)
	name := runtime.FuncForPC(pc).Name()
	slash := strings.LastIndex(name, "/")
	if dot := strings.Index(name[slash+1:], "."); dot >= 0 {
		return name[:slash+1+dot]
	}
	return name
}

// callerHook reports the first frame outside logrus and the wrappers in
// this package, so entries point at the unit or client that logged.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	if frame, ok := firstExternalFrame(6); ok {
		entry.Caller = &frame
	}
	return nil
}

func firstExternalFrame(skip int) (runtime.Frame, bool) {
	pcs := make([]uintptr, 24)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isInternalFrame(frame.Function) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

func isInternalFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.HasPrefix(fn, loggerPkg+".")
}

package selenium

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	debugFlag atomic.Bool
	logger    atomic.Pointer[zap.Logger]
)

func init() {
	logger.Store(zap.NewNop())
}

// SetDebug enables or disables logging of the wire traffic at debug level.
func SetDebug(debug bool) {
	debugFlag.Store(debug)
}

// SetLogger sets the logger used by the package. A nil logger disables
// logging.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Store(l)
}

func debugLog(format string, args ...interface{}) {
	if !debugFlag.Load() {
		return
	}
	logger.Load().Sugar().Debugf(format, args...)
}

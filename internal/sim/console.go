package sim

import "github.com/sirupsen/logrus"

// LogrusConsole is the reference dualpe.Console, grounded on the pack's
// structured-logging choice (google-gvisor's go.mod) since the teacher
// repo has no dedicated logging concern to imitate. Reportf logs every
// report at Warn, matching the external contract's single print(fmt, ...)
// surface.
type LogrusConsole struct {
	Log *logrus.Logger
}

func NewLogrusConsole() *LogrusConsole {
	return &LogrusConsole{Log: logrus.StandardLogger()}
}

func (c *LogrusConsole) Reportf(format string, args ...any) {
	c.Log.Warnf(format, args...)
}

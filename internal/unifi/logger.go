package unifi

import "github.com/sirupsen/logrus"

// Logger is the minimal logging surface the controller client needs. It is
// an interface so the unpoller library's ErrorLog/DebugLog hooks and our own
// logging can share one implementation.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Infof(format string, args ...interface{})
}

// LogrusAdapter exposes a logrus.Logger through the Logger interface.
type LogrusAdapter struct {
	logger *logrus.Logger
}

func NewLogrusAdapter(logger *logrus.Logger) *LogrusAdapter {
	return &LogrusAdapter{logger: logger}
}

func (la *LogrusAdapter) Debugf(format string, args ...interface{}) {
	la.logger.Debugf(format, args...)
}

func (la *LogrusAdapter) Errorf(format string, args ...interface{}) {
	la.logger.Errorf(format, args...)
}

func (la *LogrusAdapter) Infof(format string, args ...interface{}) {
	la.logger.Infof(format, args...)
}

// logSink is the subset of testing.T the test logger needs.
type logSink interface {
	Logf(format string, args ...interface{})
}

// TestLogger routes client logs into a test's output.
type TestLogger struct {
	t logSink
}

func NewTestLogger(t logSink) *TestLogger {
	return &TestLogger{t: t}
}

func (tl *TestLogger) Debugf(format string, args ...interface{}) {
	tl.t.Logf("[DEBUG] "+format, args...)
}

func (tl *TestLogger) Errorf(format string, args ...interface{}) {
	tl.t.Logf("[ERROR] "+format, args...)
}

func (tl *TestLogger) Infof(format string, args ...interface{}) {
	tl.t.Logf("[INFO] "+format, args...)
}

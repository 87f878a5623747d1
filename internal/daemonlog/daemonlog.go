// Package daemonlog configures the daemon's logrus-based logger: a
// syslog-backed hook (ident "lsmd", facility LOG_USER) when not running
// under systemd, or a plain per-line stdout formatter when running under
// systemd (-d).
package daemonlog

import (
	"io"
	"os"

	"github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

const syslogTag = "lsmd"

// Logger wraps a *logrus.Logger with the severity mapping the original C
// daemon used: LOG_ERR is fatal (callers use Fatalf), LOG_WARNING and
// LOG_INFO are not.
type Logger struct {
	*logrus.Logger
}

// New builds a Logger. verbose enables info-level output; systemd
// selects the stdout formatter instead of the syslog hook.
func New(verbose, systemd bool) (*Logger, error) {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	if verbose {
		l.SetLevel(logrus.InfoLevel)
	}

	if systemd {
		l.SetOutput(lineFlushingWriter{os.Stdout})
		l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true, DisableColors: true})
		return &Logger{l}, nil
	}

	l.SetOutput(io.Discard)
	hook, err := newSyslogHook()
	if err != nil {
		return nil, err
	}
	l.AddHook(hook)
	return &Logger{l}, nil
}

// syslogHook forwards logrus entries to syslog via srslog, the same
// syslog client docker's "syslog" logging driver depends on.
type syslogHook struct {
	writer *srslog.Writer
}

func newSyslogHook() (*syslogHook, error) {
	w, err := srslog.New(srslog.LOG_INFO|srslog.LOG_USER, syslogTag)
	if err != nil {
		return nil, err
	}
	return &syslogHook{writer: w}, nil
}

func (h *syslogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *syslogHook) Fire(e *logrus.Entry) error {
	line, err := e.String()
	if err != nil {
		return err
	}
	switch e.Level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return h.writer.Err(line)
	case logrus.WarnLevel:
		return h.writer.Warning(line)
	default:
		return h.writer.Info(line)
	}
}

// lineFlushingWriter hands each formatted line straight to stdout. An
// *os.File has no user-space buffer, so every Write reaches the file
// descriptor immediately, matching the C reference's fprintf+fflush pair
// in systemd mode.
type lineFlushingWriter struct {
	f *os.File
}

func (w lineFlushingWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Infof logs at info level only when verbose logging is enabled (the C
// reference's logger() only emits LOG_INFO when verbose_flag is set).
func (l *Logger) Infof(format string, args ...interface{}) {
	l.Logger.Infof(format, args...)
}

// Warnf logs at warning level; warnings are always emitted regardless of
// verbosity.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.Logger.Warnf(format, args...)
}

// Fatalf logs at error level and exits the process with status 1,
// matching the C reference's log_and_exit.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Logger.Errorf(format, args...)
	os.Exit(1)
}

// FatalErr is a convenience wrapper for Fatalf(err.Error()).
func (l *Logger) FatalErr(context string, err error) {
	l.Fatalf("%s: %s", context, err)
}

// Package diag is gidget's single diagnostic sink. It writes human-readable
// lines prefixed with "gidget[<pid>]: " and an ISO-8601 local timestamp,
// optionally mirrors them to the system log daemon, and terminates the
// process for non-zero status.
//
// Output formatting is a custom logrus.Formatter (the idiomatic way to make
// logrus emit a non-default wire shape) rather than a hand-rolled
// fmt.Fprintf sink, matching how moby-moby's daemon/logger packages wrap
// third-party logging/syslog libraries instead of writing their own.
package diag

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/RackSec/srslog"
	"github.com/sirupsen/logrus"
)

// lineFormatter renders "gidget[<pid>]: YYYY-MM-DD HH:MM:SS <message>\n" —
// plain text, never logrus's default key=value or JSON shapes.
type lineFormatter struct{}

func (lineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	msg := e.Message
	if msg == "" {
		msg = "Missing log string. This should not happen."
	}
	line := fmt.Sprintf("gidget[%d]: %s %s\n", os.Getpid(), e.Time.Format("2006-01-02 15:04:05"), msg)
	return []byte(line), nil
}

// Logger is gidget's diagnostic sink. The zero value is not usable; use New.
type Logger struct {
	mu sync.Mutex

	info *logrus.Logger // informational stream (stdout, or log file)
	errl *logrus.Logger // error stream (stderr, or log file)

	logFile     *os.File // non-nil when logging to a file (opt.log2file)
	logFilePath string

	syslogWriter *srslog.Writer // non-nil when -s is set
	syslogLevel  srslog.Priority
}

// Options configures a new Logger.
type Options struct {
	// LogFile, if non-empty, routes both streams to this file (append mode)
	// instead of stdout/stderr — set when daemonizing or when -l is given.
	LogFile string

	// SyslogLevel enables mirroring error-stream lines to the system log
	// daemon at the given priority (0-7) when non-nil. A nil pointer
	// disables syslog entirely and no default priority is substituted for
	// it, so an explicit priority 0 is never confused with "omitted".
	SyslogLevel *int
}

// New builds a Logger from Options. If LogFile is set, both streams are
// opened against it immediately, as if a reopen had already run once at
// startup.
func New(opts Options) (*Logger, error) {
	l := &Logger{
		info: logrus.New(),
		errl: logrus.New(),
	}
	l.info.SetFormatter(lineFormatter{})
	l.errl.SetFormatter(lineFormatter{})
	l.info.SetOutput(os.Stdout)
	l.errl.SetOutput(os.Stderr)
	l.info.SetLevel(logrus.InfoLevel)
	l.errl.SetLevel(logrus.InfoLevel)

	if opts.LogFile != "" {
		if err := l.reopen(opts.LogFile); err != nil {
			return nil, err
		}
	}

	if opts.SyslogLevel != nil {
		level := *opts.SyslogLevel
		w, err := srslog.New(srslog.Priority(level)|srslog.LOG_DAEMON, "gidget")
		if err != nil {
			return nil, fmt.Errorf("opening syslog: %w", err)
		}
		l.syslogWriter = w
		l.syslogLevel = srslog.Priority(level) | srslog.LOG_DAEMON
	}
	return l, nil
}

// reopen closes the current log file (if any) and opens path for appending,
// pointing both streams at it. This backs the file-backed SIGHUP response:
// close and reopen the log stream, then continue running.
func (l *Logger) reopen(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("opening %s for logging: %w", path, err)
	}
	old := l.logFile
	l.logFile = f
	l.logFilePath = path
	l.info.SetOutput(f)
	l.errl.SetOutput(f)
	if old != nil {
		old.Close()
	}
	return nil
}

// Reopen re-opens the log file this Logger was configured with. It is a
// no-op (but not an error) if the Logger isn't file-backed.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	path := l.logFilePath
	l.mu.Unlock()
	if path == "" {
		return nil
	}
	return l.reopen(path)
}

// IsFileBacked reports whether this Logger writes to a log file rather than
// stdout/stderr, which decides whether SIGHUP should reopen logs or be
// ignored.
func (l *Logger) IsFileBacked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logFile != nil
}

// Info logs an informational message (status 0): written to the
// informational stream only, process continues.
func (l *Logger) Info(msg string) { l.info.Info(msg) }

func (l *Logger) Infof(format string, args ...any) { l.info.Infof(format, args...) }

// Warnf logs a warning to the error stream and mirrors it to syslog, but
// does not terminate the process (used for report-only conditions like
// IN_IGNORED).
func (l *Logger) Warnf(format string, args ...any) {
	l.errl.Warnf(format, args...)
	l.mirror(format, args...)
}

// Log is gidget's single status-coded diagnostic entry point: status 0
// writes to the informational stream and returns; non-zero writes to the
// error stream, optionally mirrors to syslog, then calls os.Exit(status).
func (l *Logger) Log(status int, msg string) {
	if msg == "" {
		msg = "The sky is falling!  The sky is falling!"
	}
	if status == 0 {
		l.info.Info(msg)
		return
	}
	l.errl.Error(msg)
	l.mirror("%s", msg)
	os.Exit(status)
}

// mirror writes a formatted message to the syslog daemon, if configured.
func (l *Logger) mirror(format string, args ...any) {
	if l.syslogWriter == nil {
		return
	}
	msg := fmt.Sprintf("gidget[%d]: %s\n", os.Getpid(), fmt.Sprintf(format, args...))
	_, _ = io.WriteString(l.syslogWriter, msg)
}

// Close releases the log file and syslog connection, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.syslogWriter != nil {
		l.syslogWriter.Close()
	}
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

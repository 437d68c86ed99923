package logger

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Logger interface is used to allow tests to inject custom loggers.
type Logger interface {
	Fatalf(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Debug(...interface{})
	Warn(...interface{})
	Info(...interface{})
	Fatal(...interface{})
	Writer() io.Writer
	SetWriter(io.Writer)
	Prefix(string)
	Silent(bool)
}

type logger struct {
	*log.Logger
	mu        sync.Mutex
	formatter *prefixFormatter
	savedOut  io.Writer
}

// prefixFormatter prepends a fixed prefix to every message before handing the
// entry to the wrapped formatter.
type prefixFormatter struct {
	mu     sync.RWMutex
	prefix string
	log.Formatter
}

func (p *prefixFormatter) Format(entry *log.Entry) ([]byte, error) {
	p.mu.RLock()
	prefix := p.prefix
	p.mu.RUnlock()
	if prefix != "" {
		entry.Message = prefix + entry.Message
	}
	return p.Formatter.Format(entry)
}

// NewLogger returns a new Logger instance backed by Logrus.
func NewLogger(level uint32) Logger {
	l := log.New()
	l.SetLevel(log.Level(level))
	formatter := &prefixFormatter{
		Formatter: &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
	}
	l.Formatter = formatter
	return &logger{Logger: l, formatter: formatter}
}

func (l *logger) Writer() io.Writer {
	return l.Out
}

func (l *logger) SetWriter(writer io.Writer) {
	l.SetOutput(writer)
}

// Prefix sets a string that is prepended to every subsequent message. An
// empty prefix clears it.
func (l *logger) Prefix(prefix string) {
	l.formatter.mu.Lock()
	l.formatter.prefix = prefix
	l.formatter.mu.Unlock()
}

// Silent discards all output while enabled. Disabling restores the writer
// that was active when Silent(true) was called and panics if Silent was never
// enabled.
func (l *logger) Silent(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enable {
		if l.savedOut == nil {
			l.savedOut = l.Out
		}
		l.SetOutput(io.Discard)
		return
	}
	if l.savedOut == nil {
		panic("logger: Silent(false) called without Silent(true)")
	}
	l.SetOutput(l.savedOut)
	l.savedOut = nil
}

// connLogger writes to a parent Logger with a fixed per-connection prefix.
type connLogger struct {
	Logger
	prefix string
}

// NewConnLogger returns a Logger that prefixes every message with the given
// connection ID and remote address. Writer, Prefix and Silent act on the
// parent.
func NewConnLogger(parent Logger, connID, remote string) Logger {
	return &connLogger{Logger: parent, prefix: fmt.Sprintf("[%s %s] ", connID, remote)}
}

// Debugf logs a debug statement.
func (c *connLogger) Debugf(format string, v ...interface{}) {
	c.Logger.Debugf("%s%s", c.prefix, fmt.Sprintf(format, v...))
}

// Infof logs an info statement.
func (c *connLogger) Infof(format string, v ...interface{}) {
	c.Logger.Infof("%s%s", c.prefix, fmt.Sprintf(format, v...))
}

// Warnf logs a warning statement.
func (c *connLogger) Warnf(format string, v ...interface{}) {
	c.Logger.Warnf("%s%s", c.prefix, fmt.Sprintf(format, v...))
}

// Errorf logs an error.
func (c *connLogger) Errorf(format string, v ...interface{}) {
	c.Logger.Errorf("%s%s", c.prefix, fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error.
func (c *connLogger) Fatalf(format string, v ...interface{}) {
	c.Logger.Fatalf("%s%s", c.prefix, fmt.Sprintf(format, v...))
}

// Debug logs a debug statement.
func (c *connLogger) Debug(v ...interface{}) {
	c.Logger.Debug(append([]interface{}{c.prefix}, v...)...)
}

// Info logs an info statement.
func (c *connLogger) Info(v ...interface{}) {
	c.Logger.Info(append([]interface{}{c.prefix}, v...)...)
}

// Warn logs a warning statement.
func (c *connLogger) Warn(v ...interface{}) {
	c.Logger.Warn(append([]interface{}{c.prefix}, v...)...)
}

// Fatal logs a fatal error.
func (c *connLogger) Fatal(v ...interface{}) {
	c.Logger.Fatal(append([]interface{}{c.prefix}, v...)...)
}

// Package logging provides the leveled, structured logger used across
// stepinit. It emits RFC 5424 syslog records so that a single log
// stream can carry both human-readable messages and key/value
// structured data, and can fan a record out to several writers at
// once (console, log file, syslog relay).
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

type Level int

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
	FATAL
)

const (
	callDepth   = 3
	maxAppname  = 48
	maxHostname = 255
	defaultID   = `stepinit@1`
)

var (
	ErrNotOpen      = errors.New("logger is not open")
	ErrInvalidLevel = errors.New("invalid log level")
)

func (l Level) String() string {
	switch l {
	case OFF:
		return "OFF"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	case FATAL:
		return "FATAL"
	}
	return "UNKNOWN"
}

func (l Level) valid() bool {
	return l >= OFF && l <= FATAL
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.User | rfc5424.Debug
	case INFO:
		return rfc5424.User | rfc5424.Info
	case WARN:
		return rfc5424.User | rfc5424.Warning
	case ERROR:
		return rfc5424.User | rfc5424.Error
	case CRITICAL:
		return rfc5424.User | rfc5424.Crit
	case FATAL:
		return rfc5424.User | rfc5424.Emergency
	}
	return rfc5424.User | rfc5424.Debug
}

// LevelFromString maps a config-file log level string to a Level.
func LevelFromString(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OFF":
		return OFF, nil
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "CRITICAL":
		return CRITICAL, nil
	case "FATAL":
		return FATAL, nil
	}
	return OFF, ErrInvalidLevel
}

// Logger is a leveled, multi-writer RFC5424 logger. The zero value is
// not usable; construct with New, NewFile, or NewDiscard.
type Logger struct {
	mtx      sync.Mutex
	wtrs     []io.WriteCloser
	lvl      Level
	hostname string
	appname  string
	open     bool
}

// New creates a logger writing to wtr at level INFO.
func New(wtr io.WriteCloser) *Logger {
	l := &Logger{
		wtrs: []io.WriteCloser{wtr},
		lvl:  INFO,
		open: true,
	}
	l.guessIdentity()
	return l
}

// NewFile opens (creating if needed, appending otherwise) a log file
// and returns a logger writing to it.
func NewFile(path string) (*Logger, error) {
	fout, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewDiscard returns a logger that throws away everything it is
// handed; used as the default before a real log target is configured.
func NewDiscard() *Logger {
	return New(nopCloser{io.Discard})
}

func (l *Logger) guessIdentity() {
	if h, err := os.Hostname(); err == nil {
		l.hostname = truncate(h, maxHostname)
	}
	if len(os.Args) > 0 {
		exe := filepath.Base(os.Args[0])
		if ext := filepath.Ext(exe); ext != "" && len(ext) < len(exe) {
			exe = strings.TrimSuffix(exe, ext)
		}
		l.appname = truncate(exe, maxAppname)
	}
}

// AddWriter adds another writer that will receive every subsequent
// log line.
func (l *Logger) AddWriter(w io.WriteCloser) error {
	if w == nil {
		return errors.New("nil writer")
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.open {
		return ErrNotOpen
	}
	l.wtrs = append(l.wtrs, w)
	return nil
}

// SetLevel changes the minimum level that is emitted.
func (l *Logger) SetLevel(lvl Level) error {
	if !lvl.valid() {
		return ErrInvalidLevel
	}
	l.mtx.Lock()
	l.lvl = lvl
	l.mtx.Unlock()
	return nil
}

// SetLevelString is a convenience wrapper so config values can be
// applied directly.
func (l *Logger) SetLevelString(s string) error {
	lvl, err := LevelFromString(s)
	if err != nil {
		return err
	}
	return l.SetLevel(lvl)
}

func (l *Logger) GetLevel() Level {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.lvl
}

// Close closes every writer the logger owns.
func (l *Logger) Close() (err error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.open {
		return ErrNotOpen
	}
	l.open = false
	for _, w := range l.wtrs {
		if cerr := w.Close(); cerr != nil {
			err = cerr
		}
	}
	return
}

// KV builds a structured-data parameter for one of the *f-less log
// calls below, e.g. lg.Info("starting", logging.KV("name", svc.Name)).
func KV(name string, value interface{}) rfc5424.SDParam {
	switch v := value.(type) {
	case string:
		return rfc5424.SDParam{Name: name, Value: v}
	default:
		return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", value)}
	}
}

// KVErr is shorthand for KV("error", err).
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

func (l *Logger) Debug(msg string, kv ...rfc5424.SDParam) { l.record(DEBUG, msg, kv...) }
func (l *Logger) Info(msg string, kv ...rfc5424.SDParam)  { l.record(INFO, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...rfc5424.SDParam)  { l.record(WARN, msg, kv...) }
func (l *Logger) Error(msg string, kv ...rfc5424.SDParam) { l.record(ERROR, msg, kv...) }
func (l *Logger) Critical(msg string, kv ...rfc5424.SDParam) {
	l.record(CRITICAL, msg, kv...)
}

// Fatal logs at FATAL and terminates the process. stepinit itself
// (pid 1) must never call this outside of truly unrecoverable setup
// failures before the event loop starts; see spec's "never exit"
// propagation policy for the steady-state supervisor.
func (l *Logger) Fatal(msg string, kv ...rfc5424.SDParam) {
	l.record(FATAL, msg, kv...)
	os.Exit(1)
}

func (l *Logger) Debugf(f string, args ...interface{}) { l.recordf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.recordf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.recordf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.recordf(ERROR, f, args...) }

func (l *Logger) record(lvl Level, msg string, kv ...rfc5424.SDParam) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	if !l.open || lvl < l.lvl || l.lvl == OFF {
		return
	}
	l.emit(lvl, msg, kv...)
}

func (l *Logger) recordf(lvl Level, f string, args ...interface{}) {
	l.record(lvl, fmt.Sprintf(f, args...))
}

func (l *Logger) emit(lvl Level, msg string, kv ...rfc5424.SDParam) {
	b, err := buildRecord(time.Now(), lvl, l.hostname, l.appname, callsite(callDepth), msg, kv...)
	if err != nil || len(b) == 0 {
		return
	}
	for _, w := range l.wtrs {
		w.Write(b)
		w.Write([]byte("\n"))
	}
}

func buildRecord(ts time.Time, lvl Level, hostname, appname, msgid, msg string, kv ...rfc5424.SDParam) ([]byte, error) {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: ts,
		Hostname:  truncate(hostname, maxHostname),
		AppName:   truncate(appname, maxAppname),
		MessageID: truncate(filepath.Base(msgid), 32),
		Message:   []byte(msg),
	}
	if len(kv) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{ID: defaultID, Parameters: kv}}
	}
	return m.MarshalBinary()
}

func callsite(depth int) string {
	if _, file, line, ok := runtime.Caller(depth); ok {
		return fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

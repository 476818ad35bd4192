package miso

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/curtisnewbie/misobus/util/errs"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

const (
	callerField = "caller"
)

func init() {
	logrus.SetReportCaller(false) // it's now set manually using Rail
	logrus.SetFormatter(CustomFormatter())
}

const (
	traceSpanIdWidth = 16
	fnWidth          = 30
	levelWidth       = 5
)

var (
	logBufPool = sync.Pool{
		New: func() any {
			return &bytes.Buffer{}
		},
	}
)

type CTFormatter struct {
}

func (c *CTFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var fn string
	if caller, ok := entry.Data[callerField]; ok {
		fn, _ = caller.(string)
	}

	var traceId string
	var spanId string
	if fields := entry.Data; fields != nil {
		if v, ok := fields[XTraceId].(string); ok {
			traceId = v
		}
		if v, ok := fields[XSpanId].(string); ok {
			spanId = v
		}
	}

	levelstr := toLevelStr(entry.Level)

	b := logBufPool.Get().(*bytes.Buffer)
	defer putLogBuf(b)

	b.WriteString(entry.Time.Format("2006-01-02 15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(levelstr)
	padSpaces(b, levelWidth-len(levelstr))

	b.WriteString(" [")
	b.WriteString(traceId)
	padSpaces(b, traceSpanIdWidth-len(traceId))
	b.WriteByte(',')
	b.WriteString(spanId)
	padSpaces(b, traceSpanIdWidth-len(spanId))

	b.WriteString("]  ")
	b.WriteString(fn)
	padSpaces(b, fnWidth-len(fn))

	b.WriteString(" : ")
	b.WriteString(entry.Message)
	b.WriteByte('\n')

	// the buffer is reused, copy the bytes before returning
	out := make([]byte, b.Len())
	copy(out, b.Bytes())
	return out, nil
}

func padSpaces(b *bytes.Buffer, n int) {
	for i := 0; i < n; i++ {
		b.WriteByte(' ')
	}
}

func putLogBuf(b *bytes.Buffer) {
	b.Reset()
	logBufPool.Put(b)
}

type NewRollingLogFileParam struct {
	Filename   string // filename
	MaxSize    int    // max file size in mb
	MaxAge     int    // max age in day
	MaxBackups int    // max number of files
}

// Create rolling file based logger
func BuildRollingLogFileWriter(p NewRollingLogFileParam) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   p.Filename,
		MaxSize:    p.MaxSize,    // megabytes
		MaxAge:     p.MaxAge,     // days
		MaxBackups: p.MaxBackups, // num of files
		LocalTime:  true,
		Compress:   false,
	}
}

// Configure logrus using the logging props.
//
// When PropLoggingRollingFile is set, logs are written to both stdout and the rolling file.
func ConfigureLogging(c *AppConfig) {
	SetLogLevel(c.GetPropStr(PropLoggingLevel))

	file := c.GetPropStr(PropLoggingRollingFile)
	if file == "" {
		logrus.SetOutput(os.Stdout)
		return
	}
	w := BuildRollingLogFileWriter(NewRollingLogFileParam{
		Filename:   file,
		MaxSize:    c.GetPropInt(PropLoggingRollingFileMaxSize),
		MaxAge:     c.GetPropInt(PropLoggingRollingFileMaxAge),
		MaxBackups: c.GetPropInt(PropLoggingRollingFileMaxBackups),
	})
	logrus.SetOutput(io.MultiWriter(os.Stdout, w))
}

func toLevelStr(level logrus.Level) string {
	switch level {
	case logrus.TraceLevel:
		return "TRACE"
	case logrus.DebugLevel:
		return "DEBUG"
	case logrus.InfoLevel:
		return "INFO"
	case logrus.WarnLevel:
		return "WARN"
	case logrus.ErrorLevel:
		return "ERROR"
	case logrus.FatalLevel:
		return "FATAL"
	case logrus.PanicLevel:
		return "PANIC"
	}
	return "UNKNOWN"
}

// Get custom formatter logrus
func CustomFormatter() logrus.Formatter {
	return &CTFormatter{}
}

// Parse log level
func ParseLogLevel(logLevel string) (logrus.Level, bool) {
	switch strings.ToUpper(logLevel) {
	case "INFO":
		return logrus.InfoLevel, true
	case "DEBUG":
		return logrus.DebugLevel, true
	case "WARN":
		return logrus.WarnLevel, true
	case "ERROR":
		return logrus.ErrorLevel, true
	case "TRACE":
		return logrus.TraceLevel, true
	case "FATAL":
		return logrus.FatalLevel, true
	case "PANIC":
		return logrus.PanicLevel, true
	}
	return logrus.InfoLevel, false
}

func SetLogLevel(level string) {
	ll, ok := ParseLogLevel(level)
	if !ok {
		return
	}
	logrus.SetLevel(ll)
}

func Debugf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logrus.WithField(callerField, getCallerFn()).Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	logrus.WithField(callerField, getCallerFn()).Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	logrus.WithField(callerField, getCallerFn()).Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	logrus.WithField(callerField, getCallerFn()).Error(appendErrStack(true, format, args...))
}

func appendErrStack(dofmt bool, format string, args ...any) string {
	if dofmt && format != "" && len(args) > 0 {
		format = fmt.Sprintf(format, args...)
	}
	var err error = nil
	for i := len(args) - 1; i > -1; i-- {
		if er, ok := args[i].(error); ok {
			err = er
			break
		}
	}
	if err != nil {
		if stackTrace, withStack := errs.UnwrapErrStack(err); withStack {
			format += stackTrace
		}
	}
	return format
}

// reduce alloc, logger calls getCallerFn very frequently.
var callerUintptrPool = sync.Pool{
	New: func() any {
		p := make([]uintptr, 4)
		return &p
	},
}

func getCallerFn() string {
	pcs := callerUintptrPool.Get().(*[]uintptr)
	defer putCallerUintptrPool(pcs)

	depth := runtime.Callers(3, *pcs)
	frames := runtime.CallersFrames((*pcs)[:depth])

	// we only need the first frame
	for f, next := frames.Next(); next; {
		return getShortFnName(f.Function)
	}
	return ""
}

func putCallerUintptrPool(pcs *[]uintptr) {
	clear(*pcs)
	callerUintptrPool.Put(pcs)
}

func getShortFnName(fn string) string {
	j := strings.LastIndexByte(fn, '/')
	if j < 0 {
		return fn
	}
	return fn[j+1:]
}

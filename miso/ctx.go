package miso

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// Rail, an object that carries trace infromation along with the execution.
//
// Every blocking operation in misobus takes a Rail, cancelling the Rail's context stops the operation.
type Rail struct {
	ctx context.Context
}

func (r Rail) WarnIf(err error, op string, args ...any) {
	if err != nil {
		r.Warnf(fmt.Sprintf("%v - %v, %v", getCallerFn(), op, err), args...)
	}
}

func (r Rail) IsDone() bool {
	return r.ctx.Err() != nil
}

func (r Rail) Context() context.Context {
	return r.ctx
}

func (r Rail) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r Rail) CtxValStr(key string) string {
	if s, ok := GetCtxStr(r.ctx, key); ok {
		return s
	}
	return ""
}

func (r Rail) TraceId() string {
	return r.CtxValStr(XTraceId)
}

func (r Rail) SpanId() string {
	return r.CtxValStr(XSpanId)
}

func (r Rail) fields(caller string) logrus.Fields {
	return logrus.Fields{XSpanId: r.ctx.Value(XSpanId), XTraceId: r.ctx.Value(XTraceId), callerField: caller}
}

func (r Rail) Tracef(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.TraceLevel) {
		return
	}
	logrus.WithFields(r.fields(getCallerFn())).Tracef(format, args...)
}

func (r Rail) Debugf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logrus.WithFields(r.fields(getCallerFn())).Debugf(format, args...)
}

func (r Rail) Infof(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	logrus.WithFields(r.fields(getCallerFn())).Infof(format, args...)
}

func (r Rail) Warnf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	format = appendErrStack(true, format, args...)
	logrus.WithFields(r.fields(getCallerFn())).Warn(format)
}

func (r Rail) Errorf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	format = appendErrStack(true, format, args...)
	logrus.WithFields(r.fields(getCallerFn())).Error(format)
}

// Printf logs at debug level, it makes Rail usable as kafka-go's Logger.
func (r Rail) Printf(format string, args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logrus.WithFields(r.fields(getCallerFn())).Debugf(format, args...)
}

func (r Rail) Debug(args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	logrus.WithFields(r.fields(getCallerFn())).Debug(args...)
}

func (r Rail) Info(args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.InfoLevel) {
		return
	}
	logrus.WithFields(r.fields(getCallerFn())).Info(args...)
}

func (r Rail) Warn(args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.WarnLevel) {
		return
	}
	if len(args) == 1 {
		if v, ok := args[0].(error); ok && v != nil {
			logrus.WithFields(r.fields(getCallerFn())).Warn(appendErrStack(false, v.Error(), v))
			return
		}
	}
	logrus.WithFields(r.fields(getCallerFn())).Warn(args...)
}

func (r Rail) Error(args ...interface{}) {
	if !logrus.IsLevelEnabled(logrus.ErrorLevel) {
		return
	}
	if len(args) == 1 {
		if v, ok := args[0].(error); ok && v != nil {
			logrus.WithFields(r.fields(getCallerFn())).Error(appendErrStack(false, v.Error(), v))
			return
		}
	}
	logrus.WithFields(r.fields(getCallerFn())).Error(args...)
}

func (r Rail) WithCtxVal(key string, val any) Rail {
	ctx := context.WithValue(r.ctx, key, val) //lint:ignore SA1029 keys must be exposed for user to use
	return NewRail(ctx)
}

// Create a new Rail with a new SpanId and a new Context
func (r Rail) NextSpan() Rail {
	prev := r.ctx
	r.ctx = context.Background() // avoid using the cancelled context in a new goroutine

	// copy values from previous context
	for _, k := range GetPropagationKeys() {
		r = r.WithCtxVal(k, prev.Value(k))
	}
	return r.WithCtxVal(XSpanId, NewSpanId())
}

// Create new Rail with context's CancelFunc
func (r Rail) WithCancel() (Rail, context.CancelFunc) {
	cc, cancel := context.WithCancel(r.ctx)
	return NewRail(cc), cancel
}

// Create new Rail with timeout and context's CancelFunc
func (r Rail) WithTimeout(timeout time.Duration) (Rail, context.CancelFunc) {
	cc, cancel := context.WithTimeout(r.ctx, timeout)
	return NewRail(cc), cancel
}

// Create empty Rail.
func EmptyRail() Rail {
	return NewRail(context.Background())
}

// Create new TraceId.
func NewTraceId() string {
	t := [8]byte{}
	binary.NativeEndian.PutUint64(t[:], rand.Uint64())
	return hex.EncodeToString(t[:])
}

// Create new SpanId.
func NewSpanId() string {
	s := [8]byte{}
	binary.NativeEndian.PutUint64(s[:], rand.Uint64())
	return hex.EncodeToString(s[:])
}

// Create new Rail from context.
func NewRail(ctx context.Context) Rail {
	if ctx.Value(XSpanId) == nil {
		ctx = context.WithValue(ctx, XSpanId, NewSpanId()) //lint:ignore SA1029 keys must be exposed for user to use
	}
	if ctx.Value(XTraceId) == nil {
		ctx = context.WithValue(ctx, XTraceId, NewTraceId()) //lint:ignore SA1029 keys must be exposed for user to use
	}
	return Rail{ctx: ctx}
}

// Get value from context as a string
//
// int*, unit*, float* types are formatted as string, other types are returned as empty string
func GetCtxStr(ctx context.Context, key string) (string, bool) {
	v := ctx.Value(key)
	if v == nil {
		return "", false
	}
	return cast.ToString(v), true
}

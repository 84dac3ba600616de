package logs

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
)

// 定义日志级别常量（数值越大，级别越高）
const (
	LevelTrace   = iota // 0（最低，最详细）
	LevelDebug          // 1
	LevelVerbose        // 2
	LevelInfo           // 3
	LevelWarning        // 4
	LevelError          // 5（最高，最严重）
)

var logLevel atomic.Int32

// Logger 注入到各组件里的日志接口
type Logger interface {
	Trace(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Verbose(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
}

// nodeLogger 带节点前缀的 Logger 实现
type nodeLogger struct {
	prefix        string
	traceLogger   *log.Logger
	debugLogger   *log.Logger
	verboseLogger *log.Logger
	infoLogger    *log.Logger
	warnLogger    *log.Logger
	errorLogger   *log.Logger
}

// 全局 Logger 实例
var defaultLogger Logger

func init() {
	logLevel.Store(LevelInfo)
	defaultLogger = NewNodeLogger("")
}

// SetLevel 修改全局日志级别
func SetLevel(level int) {
	logLevel.Store(int32(level))
}

// ParseLevel 将配置里的字符串转成日志级别，未知值返回 LevelInfo
func ParseLevel(s string) int {
	switch s {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "verbose":
		return LevelVerbose
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// NewNodeLogger 创建一个以节点地址作为前缀的 Logger
func NewNodeLogger(address string) Logger {
	return newLogger(address, os.Stdout, os.Stderr)
}

// NewWriterLogger 所有级别都写到同一个 writer，测试里用
func NewWriterLogger(address string, w io.Writer) Logger {
	return newLogger(address, w, w)
}

func newLogger(address string, out, errOut io.Writer) *nodeLogger {
	if len(address) > 7 {
		address = address[:7]
	}
	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	return &nodeLogger{
		prefix:        address,
		traceLogger:   log.New(out, "[TRACE]   ", flags),
		debugLogger:   log.New(out, "[DEBUG]   ", flags),
		verboseLogger: log.New(out, "[VERBOSE] ", flags),
		infoLogger:    log.New(out, "[INFO]    ", flags),
		warnLogger:    log.New(out, "[WARN]    ", flags),
		errorLogger:   log.New(errOut, "[ERROR]   ", flags),
	}
}

func (l *nodeLogger) output(target *log.Logger, level int, format string, v ...interface{}) {
	if int(logLevel.Load()) > level {
		return
	}
	msg := fmt.Sprintf(format, v...)
	if l.prefix != "" {
		msg = l.prefix + " " + msg
	}
	_ = target.Output(3, msg)
}

func (l *nodeLogger) Trace(format string, v ...interface{}) {
	l.output(l.traceLogger, LevelTrace, format, v...)
}

func (l *nodeLogger) Debug(format string, v ...interface{}) {
	l.output(l.debugLogger, LevelDebug, format, v...)
}

func (l *nodeLogger) Verbose(format string, v ...interface{}) {
	l.output(l.verboseLogger, LevelVerbose, format, v...)
}

func (l *nodeLogger) Info(format string, v ...interface{}) {
	l.output(l.infoLogger, LevelInfo, format, v...)
}

func (l *nodeLogger) Warn(format string, v ...interface{}) {
	l.output(l.warnLogger, LevelWarning, format, v...)
}

func (l *nodeLogger) Error(format string, v ...interface{}) {
	l.output(l.errorLogger, LevelError, format, v...)
}

// 包级别的日志方法
func Trace(format string, v ...interface{})   { defaultLogger.Trace(format, v...) }
func Debug(format string, v ...interface{})   { defaultLogger.Debug(format, v...) }
func Verbose(format string, v ...interface{}) { defaultLogger.Verbose(format, v...) }
func Info(format string, v ...interface{})    { defaultLogger.Info(format, v...) }
func Warn(format string, v ...interface{})    { defaultLogger.Warn(format, v...) }
func Error(format string, v ...interface{})   { defaultLogger.Error(format, v...) }

// Default 返回包级别 Logger，组件未注入 Logger 时使用
func Default() Logger {
	return defaultLogger
}

package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

type Logger struct {
	entry *logrus.Entry
	json  bool
}

func New(jsonOutput bool) *Logger {
	l, _ := NewWithOptions(os.Stdout, jsonOutput, "info")
	return l
}

// NewWithOptions builds a logger writing to out. An unparsable level falls
// back to info and is reported as an error.
func NewWithOptions(out io.Writer, jsonOutput bool, level string) (*Logger, error) {
	base := logrus.New()
	base.Out = out
	if jsonOutput {
		base.Formatter = &logrus.JSONFormatter{
			FieldMap: logrus.FieldMap{logrus.FieldKeyTime: "ts"},
		}
	} else {
		base.Formatter = &prefixed.TextFormatter{FullTimestamp: true}
	}
	base.Level = logrus.InfoLevel
	var err error
	if level != "" {
		var lvl logrus.Level
		if lvl, err = logrus.ParseLevel(level); err == nil {
			base.Level = lvl
		}
	}
	return &Logger{entry: logrus.NewEntry(base), json: jsonOutput}, err
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l, _ := NewWithOptions(io.Discard, false, "panic")
	return l
}

// With returns a child logger that adds fields to every line.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields)), json: l.json}
}

func (l *Logger) Debug(msg string, fields map[string]any) {
	l.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}
func (l *Logger) Info(msg string, fields map[string]any) {
	l.entry.WithFields(logrus.Fields(fields)).Info(msg)
}
func (l *Logger) Warn(msg string, fields map[string]any) {
	l.entry.WithFields(logrus.Fields(fields)).Warn(msg)
}
func (l *Logger) Error(msg string, fields map[string]any) {
	l.entry.WithFields(logrus.Fields(fields)).Error(msg)
}

// JSONEnabled reports whether this logger is configured to emit JSON output.
func (l *Logger) JSONEnabled() bool { return l.json }

// Package logging provides per-component loggers on top of glog.
//
// Every layer of the driver carries its own *Logger instead of reading
// package level debug switches. A Logger adds the component name to each
// line and may raise the verbosity of that component alone, while the
// global -v flag of glog still applies to all of them.
package logging

import (
	"fmt"

	"github.com/golang/glog"
)

// Logger writes glog lines tagged with a component name.
// A nil *Logger is valid and logs untagged through glog.
type Logger struct {
	Name string
	// Level is the verbosity enabled for this component regardless of -v.
	Level glog.Level
}

// New creates a Logger for the named component.
func New(name string) *Logger {
	return &Logger{Name: name}
}

// Sub derives a Logger for a sub-component, inheriting the verbosity.
func (l *Logger) Sub(name string) *Logger {
	if l == nil {
		return New(name)
	}
	sub := *l
	if sub.Name != "" {
		sub.Name += "/" + name
	} else {
		sub.Name = name
	}
	return &sub
}

// WithLevel returns a copy with the component verbosity set.
func (l *Logger) WithLevel(level glog.Level) *Logger {
	var c Logger
	if l != nil {
		c = *l
	}
	c.Level = level
	return &c
}

// Verbose is returned by V and logs only when enabled.
type Verbose struct {
	l  *Logger
	on bool
}

// V reports whether the level is enabled for this component.
func (l *Logger) V(level glog.Level) Verbose {
	on := l != nil && level <= l.Level
	if !on {
		on = bool(glog.V(level))
	}
	return Verbose{l: l, on: on}
}

// Enabled reports whether logging at this level happens.
func (v Verbose) Enabled() bool {
	return v.on
}

// Infof logs when the level is enabled.
func (v Verbose) Infof(format string, args ...interface{}) {
	if v.on {
		glog.InfoDepth(1, v.l.prefix()+fmt.Sprintf(format, args...))
	}
}

// Infof logs at info severity.
func (l *Logger) Infof(format string, args ...interface{}) {
	glog.InfoDepth(1, l.prefix()+fmt.Sprintf(format, args...))
}

// Warningf logs at warning severity.
func (l *Logger) Warningf(format string, args ...interface{}) {
	glog.WarningDepth(1, l.prefix()+fmt.Sprintf(format, args...))
}

// Errorf logs at error severity.
func (l *Logger) Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, l.prefix()+fmt.Sprintf(format, args...))
}

func (l *Logger) prefix() string {
	if l == nil || l.Name == "" {
		return ""
	}
	return "[" + l.Name + "] "
}

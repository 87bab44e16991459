// Package fault defines the fatal invariant-violation error kind.
//
// A Violation means the gateway reached a state that must never happen
// (for example the radio being acquired twice). It is never handled
// locally: callers propagate it and the process restarts.
package fault

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Violation 致命的不变量错误，记录出错位置
type Violation struct {
	File string
	Line int
	Msg  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("invariant violation at %s:%d: %s", v.File, v.Line, v.Msg)
}

// Location returns file:line of the failed check
func (v *Violation) Location() string {
	return fmt.Sprintf("%s:%d", v.File, v.Line)
}

// Violationf builds a Violation located at the caller
func Violationf(format string, args ...interface{}) error {
	return newViolation(2, fmt.Sprintf(format, args...))
}

// Check returns a Violation located at the caller when cond is false
func Check(cond bool, format string, args ...interface{}) error {
	if cond {
		return nil
	}
	return newViolation(2, fmt.Sprintf(format, args...))
}

func newViolation(skip int, msg string) *Violation {
	v := &Violation{File: "unknown", Msg: msg}
	if _, file, line, ok := runtime.Caller(skip); ok {
		v.File = filepath.Base(file)
		v.Line = line
	}
	return v
}

// IsFatal reports whether err carries a Violation
func IsFatal(err error) bool {
	var v *Violation
	return errors.As(err, &v)
}

// As extracts the Violation from err
func As(err error) (*Violation, bool) {
	var v *Violation
	ok := errors.As(err, &v)
	return v, ok
}

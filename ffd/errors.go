package ffd

import "fmt"

// FormatError reports malformed or inconsistent control point content. It
// is recoverable only by fixing the input.
type FormatError struct {
	Source string // File name or format, may be empty
	Line   int    // 1-based line, 0 when unknown
	Msg    string
	Err    error
}

func (e *FormatError) Error() string {
	var loc string
	switch {
	case e.Source != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d: ", e.Source, e.Line)
	case e.Source != "":
		loc = e.Source + ": "
	case e.Line > 0:
		loc = fmt.Sprintf("line %d: ", e.Line)
	}
	if e.Err != nil {
		return fmt.Sprintf("format error: %s%s: %v", loc, e.Msg, e.Err)
	}
	return fmt.Sprintf("format error: %s%s", loc, e.Msg)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ConsistencyError is an internal invariant violation, such as an index
// mismatch between a lattice and a field. It is raised with panic and
// must never be recovered and continued from.
type ConsistencyError struct {
	Msg string
}

func (e *ConsistencyError) Error() string {
	return "internal consistency violation: " + e.Msg
}

func formatErrorf(source string, line int, format string, args ...interface{}) *FormatError {
	return &FormatError{Source: source, Line: line, Msg: fmt.Sprintf(format, args...)}
}

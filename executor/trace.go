package executor

import (
	"errors"
	"fmt"
	"strings"
)

// Frame is one call frame of a failed execution, outermost first in a Failure.
type Frame struct {
	Func string
	File string
	Line int
	Col  int
}

// Failure is a failed execution of submitted code: a runtime error, a syntax error, or an interruption.
type Failure struct {
	// Kind is the short error class printed on the last trace line, e.g. "Error" or "SyntaxError".
	Kind        string
	Msg         string
	Frames      []Frame
	Interrupted bool

	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Failure) Unwrap() error {
	if f.Interrupted && f.Err == nil {
		return ErrInterrupted
	}
	return f.Err
}

// FormatTrace renders err as a traceback, substituting the text of each frame's line
// from the session's cached sources, or from disk for real files.
// The result always ends in a newline.
func (s *Session) FormatTrace(err error) string {
	var f *Failure
	if !errors.As(err, &f) {
		return fmt.Sprintf("Error: %s\n", err)
	}

	var sb strings.Builder
	if len(f.Frames) > 0 {
		sb.WriteString("Traceback (most recent call last):\n")
	}
	for _, fr := range f.Frames {
		fmt.Fprintf(&sb, "  File %q, line %d, in %s\n", fr.File, fr.Line, fr.Func)
		if line, ok := s.SourceLine(fr.File, fr.Line); ok {
			if text := strings.TrimSpace(line); text != "" {
				fmt.Fprintf(&sb, "    %s\n", text)
			}
		}
	}
	sb.WriteString(f.Kind)
	sb.WriteString(": ")
	sb.WriteString(f.Msg)
	sb.WriteString("\n")
	return sb.String()
}

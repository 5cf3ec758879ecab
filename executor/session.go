package executor

import (
	"io"
	"os"
	"strings"
)

// Session is the execution state a worker keeps for its whole lifetime:
// name bindings, plus the text of every submitted source by id so that traces can show
// lines from sources that never existed as files.
// A Session is not safe for concurrent use; the worker runs one task at a time.
type Session struct {
	bindings map[string]any
	sources  map[string][]string
	files    map[string][]string

	stdout io.Writer
	stderr io.Writer

	defaultStdout io.Writer
	defaultStderr io.Writer
}

// NewSession creates an empty session whose streams default to stdout and stderr.
func NewSession(stdout, stderr io.Writer) *Session {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Session{
		bindings:      map[string]any{},
		sources:       map[string][]string{},
		files:         map[string][]string{},
		stdout:        stdout,
		stderr:        stderr,
		defaultStdout: stdout,
		defaultStderr: stderr,
	}
}

// Bindings returns the live binding map. Executors read and update it in place.
func (s *Session) Bindings() map[string]any {
	return s.bindings
}

func (s *Session) Lookup(name string) (any, bool) {
	v, ok := s.bindings[name]
	return v, ok
}

// Redirect points the session's streams at stdout and stderr until the returned restore func is called.
func (s *Session) Redirect(stdout, stderr io.Writer) (restore func()) {
	savedStdout, savedStderr := s.stdout, s.stderr
	s.stdout, s.stderr = stdout, stderr
	return func() {
		s.stdout, s.stderr = savedStdout, savedStderr
	}
}

func (s *Session) Stdout() io.Writer { return s.stdout }

func (s *Session) Stderr() io.Writer { return s.stderr }

// CacheSource remembers source under id for later trace attribution.
func (s *Session) CacheSource(id, source string) {
	s.sources[id] = splitLines(source)
}

// SourceLine returns line (1-based) of file.
// Cached sources take precedence; otherwise file is read from disk once and remembered.
func (s *Session) SourceLine(file string, line int) (string, bool) {
	lines, ok := s.sources[file]
	if !ok {
		lines, ok = s.files[file]
	}
	if !ok {
		b, err := os.ReadFile(file)
		if err != nil {
			return "", false
		}
		lines = splitLines(string(b))
		s.files[file] = lines
	}
	if line < 1 || line > len(lines) {
		return "", false
	}
	return lines[line-1], true
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	return strings.Split(s, "\n")
}

package protocol

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/ajitpratap0/nebula-target/pkg/nebulaerrors"
)

// DefaultMaxLineBytes bounds a single input line.
const DefaultMaxLineBytes = 64 << 20

// Reader yields messages from a line-oriented stream.
type Reader struct {
	scanner *bufio.Scanner
	line    int
}

// NewReader creates a Reader. maxLineBytes <= 0 uses DefaultMaxLineBytes.
func NewReader(r io.Reader, maxLineBytes int) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	initial := 64 * 1024
	if initial > maxLineBytes {
		initial = maxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initial), maxLineBytes)
	return &Reader{scanner: scanner}
}

// Next returns the next message, skipping blank lines. It returns io.EOF at
// the end of input.
func (r *Reader) Next() (*Message, error) {
	for r.scanner.Scan() {
		r.line++
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		msg, err := ParseLine(line)
		if err != nil {
			if e, ok := err.(*nebulaerrors.Error); ok {
				return nil, e.WithDetail("line", r.line)
			}
			return nil, err
		}
		return msg, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeProtocol, "failed to read input").
			WithDetail("line", r.line+1)
	}
	return nil, io.EOF
}

// Line returns the number of the line last read.
func (r *Reader) Line() int {
	return r.line
}

// StateWriter writes checkpoint tokens, one per line. It is safe for
// concurrent use.
type StateWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStateWriter creates a StateWriter on w, typically os.Stdout.
func NewStateWriter(w io.Writer) *StateWriter {
	return &StateWriter{w: w}
}

// Emit writes one token followed by a newline.
func (s *StateWriter) Emit(token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 0, len(token)+1)
	buf = append(append(buf, token...), '\n')
	if _, err := s.w.Write(buf); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeInternal, "failed to write checkpoint")
	}
	if f, ok := s.w.(interface{ Sync() error }); ok {
		// Stdout may be a pipe; Sync errors there are expected and ignored.
		_ = f.Sync()
	}
	return nil
}

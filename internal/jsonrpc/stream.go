package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize is the largest message Stream.Read accepts.
const MaxMessageSize = 16 << 20

var errLineTooLong = errors.New("line too long")

// DecodeError is returned by Stream.Read for a line that is not a valid
// JSON-RPC message. The stream stays usable; callers usually log and
// continue.
type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid message %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is a recoverable framing error.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Stream reads and writes newline delimited messages. Reads must come from
// a single goroutine; writes may come from many.
type Stream struct {
	in     *bufio.Reader
	out    io.Writer
	closer io.Closer
	limit  int

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps a reader and writer. closer, if non-nil, is called once by
// Close.
func NewStream(r io.Reader, w io.Writer, closer io.Closer) *Stream {
	return &Stream{
		in:     bufio.NewReaderSize(r, 64*1024),
		out:    w,
		closer: closer,
		limit:  MaxMessageSize,
	}
}

// Read returns the next message. Blank lines are skipped. io.EOF is returned
// once the peer closes its side. A message larger than MaxMessageSize is
// skipped and reported as a *DecodeError.
func (s *Stream) Read() (*Message, error) {
	for {
		line, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			return nil, &DecodeError{Line: line, Err: fmt.Errorf("message exceeds %d bytes", s.limit)}
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			msg, derr := Decode(line)
			if derr != nil {
				return nil, derr
			}
			return msg, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine returns the next line including its newline. Past s.limit the
// rest of the line is discarded and only a prefix is returned.
func (s *Stream) readLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := s.in.ReadSlice('\n')
		n := len(line) + len(chunk)
		if err == nil {
			n--
		}
		switch {
		case tooLong:
		case n > s.limit:
			tooLong = true
			line = append(line, chunk...)
			line = line[:min(len(line), 120)]
		default:
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return line, errLineTooLong
		}
		return line, err
	}
}

// Write encodes msg followed by a newline.
func (s *Stream) Write(msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		return err
	}
	if f, ok := s.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Close closes the underlying closer once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}

// Encode marshals a message, filling in the version.
func Encode(msg *Message) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = Version
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses one message and checks its shape.
func Decode(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		return nil, &DecodeError{Line: data, Err: errors.New("batch requests are not supported")}
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Line: data, Err: err}
	}
	if msg.JSONRPC != Version {
		return nil, &DecodeError{Line: data, Err: fmt.Errorf("unsupported jsonrpc version %q", msg.JSONRPC)}
	}
	if msg.Method == "" && msg.ID == nil {
		return nil, &DecodeError{Line: data, Err: errors.New("message has neither method nor id")}
	}
	return &msg, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

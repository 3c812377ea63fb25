package ipc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
)

var (
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("ipc: connection closed")
	// ErrMalformed is returned for a line that is not a message. The
	// connection stays usable.
	ErrMalformed = errors.New("ipc: malformed message")
)

// Conn carries messages in both directions. Send is safe for concurrent
// use; Recv is not.
type Conn interface {
	Send(m Message) error
	Recv() (Message, error)
	Close() error
}

// StreamConn frames messages as newline-delimited JSON over a pair of
// streams, such as the standard input and output of a worker process.
type StreamConn struct {
	r *bufio.Reader
	w io.Writer
	c []io.Closer

	mu     sync.Mutex
	closed bool
}

// NewStreamConn reads messages from r and writes them to w. Closing the
// connection closes every given closer.
func NewStreamConn(r io.Reader, w io.Writer, closers ...io.Closer) *StreamConn {
	return &StreamConn{r: bufio.NewReaderSize(r, 64*1024), w: w, c: closers}
}

// Send writes one message followed by a newline.
func (c *StreamConn) Send(m Message) error {
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	line = append(line, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Recv blocks until a message is read. Blank lines are skipped. It returns
// io.EOF once the peer closed its side.
func (c *StreamConn) Recv() (Message, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if len(line) > 0 && !isBlank(line) {
			var m Message
			if uerr := json.Unmarshal(line, &m); uerr != nil {
				return Message{}, fmt.Errorf("%w: %v", ErrMalformed, uerr)
			}
			return m, nil
		}
		if err != nil {
			return Message{}, err
		}
	}
}

// Close closes the underlying streams. It is safe to call more than once.
func (c *StreamConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	var errs []error
	for _, cl := range c.c {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\t' && b != '\r' && b != '\n' {
			return false
		}
	}
	return true
}

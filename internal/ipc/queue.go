package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("ipc: queue closed")

// Sender is the producing end of a single-producer FIFO queue. Send is safe
// for concurrent use; messages are written whole and in call order.
type Sender[T any] struct {
	mu     sync.Mutex
	w      io.Writer
	enc    *cbor.Encoder
	closed bool
}

// NewSender returns a sender writing CBOR items to w.
func NewSender[T any](w io.Writer) *Sender[T] {
	return &Sender[T]{w: w, enc: NewEncoder(w)}
}

// Send writes msg to the queue.
func (s *Sender[T]) Send(msg T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.enc.Encode(msg); err != nil {
		return fmt.Errorf("ipc send: %w", err)
	}
	return nil
}

// Close closes the underlying writer if it is closable. Further sends fail
// with ErrClosed.
func (s *Sender[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Receiver is the consuming end of a queue.
type Receiver[T any] struct {
	dec *cbor.Decoder
}

// NewReceiver returns a receiver decoding CBOR items from r.
func NewReceiver[T any](r io.Reader) *Receiver[T] {
	return &Receiver[T]{dec: NewDecoder(r)}
}

// Receive blocks for the next message. It returns io.EOF once the producer
// has closed the queue.
func (r *Receiver[T]) Receive() (T, error) {
	var msg T
	if err := r.dec.Decode(&msg); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed) {
			return msg, io.EOF
		}
		return msg, fmt.Errorf("ipc receive: %w", err)
	}
	return msg, nil
}

// Stream pumps received messages into a channel until the queue ends or ctx
// is done. The final receive error, nil on a clean EOF, is delivered on the
// returned error channel after the message channel is closed.
func Stream[T any](ctx context.Context, r *Receiver[T]) (<-chan T, <-chan error) {
	out := make(chan T)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		for {
			msg, err := r.Receive()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					errc <- err
				}
				return
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

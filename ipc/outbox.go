package ipc

import (
	"context"
	"sync"
)

type outgoing struct {
	msg     Message
	flushed chan struct{}
}

// Outbox queues messages for a Conn and writes them from a single
// goroutine, so a sender never waits on a peer that is itself blocked
// writing back.
type Outbox struct {
	conn  Conn
	queue chan outgoing
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

// NewOutbox starts writing to conn. size bounds the queue; Send blocks when
// it is full.
func NewOutbox(conn Conn, size int) *Outbox {
	o := &Outbox{conn: conn, queue: make(chan outgoing, size), done: make(chan struct{})}
	go o.run()
	return o
}

func (o *Outbox) run() {
	for {
		select {
		case <-o.done:
			return
		case it := <-o.queue:
			if it.flushed != nil {
				close(it.flushed)
				continue
			}
			if err := o.conn.Send(it.msg); err != nil {
				o.mu.Lock()
				o.err = err
				o.mu.Unlock()
			}
		}
	}
}

// Send queues m. It fails once the outbox is closed or a write failed.
func (o *Outbox) Send(m Message) error {
	o.mu.Lock()
	err := o.err
	o.mu.Unlock()
	if err != nil {
		return err
	}
	return o.enqueue(outgoing{msg: m})
}

func (o *Outbox) enqueue(it outgoing) error {
	select {
	case <-o.done:
		return ErrClosed
	case o.queue <- it:
		return nil
	}
}

// Flush waits until every message queued before it was written.
func (o *Outbox) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	if err := o.enqueue(outgoing{flushed: flushed}); err != nil {
		return err
	}
	select {
	case <-flushed:
		return nil
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer. Queued messages are dropped.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}

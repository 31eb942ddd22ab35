package iptcpstack

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Listener accepts connections on one bound port.
type Listener struct {
	port   uint16
	ih     *Interface
	closed bool
}

func (l *Listener) Port() uint16 { return l.port }

// Accept blocks until a connection arrives on the port. It returns
// ErrConnectionAborted once the listener has been closed and
// ErrInterfaceClosed when the interface shuts down.
func (l *Listener) Accept() (*Stream, error) {
	ih := l.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	for {
		if ih.manager.terminate {
			return nil, ErrInterfaceClosed
		}
		q, ok, bound := ih.manager.popPending(l.port)
		if !bound {
			return nil, errors.Wrapf(ErrConnectionAborted, "port %d is no longer bound", l.port)
		}
		if ok {
			c, live := ih.manager.connections[q]
			if !live {
				panic("iptcpstack: pending connection missing from table")
			}
			ih.log.Debug("accepted", "quad", q.String())
			return &Stream{quad: q, c: c, ih: ih}, nil
		}
		ih.pendingReady.Wait()
	}
}

// Close unbinds the port. Connections still waiting for Accept are reset;
// when there were any, the returned error wraps ErrPendingAborted.
func (l *Listener) Close() error {
	ih := l.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	queued, ok := ih.manager.unbind(l.port)
	if !ok {
		panic("iptcpstack: listener port was unbound behind its back")
	}
	for _, q := range queued {
		c := ih.manager.connections[q]
		c.aborted = true
		c.release(time.Now())
		ih.manager.markDirty(q)
	}
	ih.pendingReady.Broadcast()
	ih.log.Info("stopped listening", "port", l.port, "aborted", len(queued))

	if len(queued) > 0 {
		return errors.Wrapf(ErrPendingAborted, "port %d: %d connections", l.port, len(queued))
	}
	return nil
}

// ShutdownHow selects which direction of a Stream to shut down.
type ShutdownHow int

const (
	ShutdownRead ShutdownHow = iota
	ShutdownWrite
	ShutdownBoth
)

// Stream is the application's handle on one connection. Reads block; writes
// and flushes never do.
// A stream stays bound to the connection Accept returned, so a later
// connection reusing the quad is not reachable through it.
type Stream struct {
	quad   Quad
	c      *Connection
	ih     *Interface
	closed bool
}

func (s *Stream) Quad() Quad { return s.quad }

// conn looks the connection up. Called with the lock held.
func (s *Stream) conn() (*Connection, error) {
	if s.ih.manager.terminate {
		return nil, ErrInterfaceClosed
	}
	if s.ih.manager.connections[s.quad] != s.c {
		return nil, ErrStreamTerminated
	}
	return s.c, nil
}

// Read blocks until data is queued or the peer has finished sending, in
// which case it returns io.EOF.
func (s *Stream) Read(buf []byte) (int, error) {
	ih := s.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	for {
		c, err := s.conn()
		if err != nil {
			return 0, err
		}
		if len(buf) == 0 {
			return 0, nil
		}
		if !c.incoming.IsEmpty() {
			n, update := c.read(buf)
			if update {
				ih.manager.markDirty(s.quad)
			}
			return n, nil
		}
		if c.isRcvClosed() {
			return 0, io.EOF
		}
		ih.dataReady.Wait()
	}
}

// Write queues as much of buf as the send queue has room for and returns
// the count. A full queue yields ErrWouldBlock; a short count with a nil
// error is normal.
func (s *Stream) Write(buf []byte) (int, error) {
	ih := s.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	c, err := s.conn()
	if err != nil {
		return 0, err
	}
	if c.closeRequested {
		return 0, ErrWriteShutdown
	}
	room := c.sendQueueSize - c.pendingLen()
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	if len(buf) > room {
		buf = buf[:room]
	}
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := c.unacked.Write(buf)
	if err != nil {
		return n, errors.Wrap(err, "queue data")
	}
	ih.manager.markDirty(s.quad)
	return n, nil
}

// WriteAll queues all of buf, waiting for send queue room as needed.
func (s *Stream) WriteAll(ctx context.Context, buf []byte) (int, error) {
	var written int
	for written < len(buf) {
		n, err := s.Write(buf[written:])
		written += n
		if errors.Is(err, ErrWouldBlock) {
			err = s.wait(ctx, AvailableWrite)
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// Flush reports ErrWouldBlock until everything written has been
// acknowledged by the peer.
func (s *Stream) Flush() error {
	ih := s.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	c, err := s.conn()
	if err != nil {
		return err
	}
	if c.availability()&AvailableFlushed == 0 {
		return ErrWouldBlock
	}
	return nil
}

// Drain waits until everything written has been acknowledged.
func (s *Stream) Drain(ctx context.Context) error {
	return s.wait(ctx, AvailableFlushed)
}

// wait blocks on dataReady until the connection has any of the bits in want.
func (s *Stream) wait(ctx context.Context, want Available) error {
	ih := s.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		ih.mu.Lock()
		ih.dataReady.Broadcast()
		ih.mu.Unlock()
	})
	defer stop()

	for {
		c, err := s.conn()
		if err != nil {
			return err
		}
		if c.availability()&want != 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		ih.dataReady.Wait()
	}
}

// Shutdown closes one or both directions. Shutting down the write side
// sends our FIN once queued data is out; shutting down the read side
// discards unread data and makes Read return io.EOF.
func (s *Stream) Shutdown(how ShutdownHow) error {
	ih := s.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	c, err := s.conn()
	if err != nil {
		return err
	}
	if how == ShutdownRead || how == ShutdownBoth {
		c.readShut = true
		c.incoming.Reset()
		c.updateRecvWindow()
	}
	if how == ShutdownWrite || how == ShutdownBoth {
		if !c.closeRequested {
			c.closeRequested = true
			ih.manager.markDirty(s.quad)
		}
	}
	ih.dataReady.Broadcast()
	return nil
}

// Close releases the stream. The connection finishes closing in the
// background and leaves the table after TIME_WAIT.
func (s *Stream) Close() error {
	ih := s.ih
	ih.mu.Lock()
	defer ih.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	c := s.c
	if ih.manager.connections[s.quad] != c {
		return nil
	}
	c.release(time.Now())
	ih.manager.markDirty(s.quad)
	ih.dataReady.Broadcast()
	return nil
}

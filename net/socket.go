package net

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/nodenet/metrics"
)

// closeLinger bounds the flush of queued frames once a socket is closed, so
// a peer that stops reading cannot keep the connection open.
const closeLinger = time.Second

// sock owns one stream connection. A reader goroutine turns the byte stream
// into frames on inbox and a writer goroutine drains sendCh. Neither touches
// node slots or groups; the polling goroutine only observes the channels.
type sock struct {
	conn   net.Conn
	inbox  chan []byte
	sendCh chan []byte

	// done is closed by the reader once the peer is gone.
	done chan struct{}
	// quit is closed by close to release a reader blocked on a full inbox.
	quit chan struct{}

	readErr      atomic.Pointer[error]
	closing      atomic.Bool
	lingerUntil  atomic.Int64
	closeOnce    sync.Once
	connOnce     sync.Once
	writeTimeout time.Duration
}

func newSock(conn net.Conn, cfg *NodeNetCfg) *sock {
	s := &sock{
		conn:         conn,
		inbox:        make(chan []byte, cfg.InboxSize),
		sendCh:       make(chan []byte, cfg.SendQueueSize),
		done:         make(chan struct{}),
		quit:         make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
	}
	go s.serveRecv(cfg.MaxFrameSize)
	go s.serveSend()
	return s
}

func (s *sock) serveRecv(maxFrameSize int) {
	defer close(s.done)

	hdr := make([]byte, frameHeaderSize)
	for {
		payload, err := readFrame(s.conn, hdr, maxFrameSize)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				metrics.IncrCounterWithDimGroup("net", "frame_error_total", 1, metrics.Dimension{"error_type": "too_large"})
				s.closeConn()
			}
			s.readErr.Store(&err)
			return
		}
		metrics.IncrCounterWithGroup("net", "frames_in_total", 1)
		select {
		case s.inbox <- payload:
		case <-s.quit:
			return
		}
	}
}

func (s *sock) serveSend() {
	defer s.closeConn()

	for payload := range s.sendCh {
		if deadline := s.writeDeadline(); !deadline.IsZero() {
			_ = s.conn.SetWriteDeadline(deadline)
		}
		if _, err := s.conn.Write(encodeFrame(payload)); err != nil {
			metrics.IncrCounterWithDimGroup("net", "frame_error_total", 1, metrics.Dimension{"error_type": "write"})
			return
		}
		metrics.IncrCounterWithGroup("net", "frames_out_total", 1)
	}
}

// writeDeadline is the earlier of the per-write timeout and the close
// linger. Zero means no deadline.
func (s *sock) writeDeadline() time.Time {
	var deadline time.Time
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	if ns := s.lingerUntil.Load(); ns != 0 {
		if linger := time.Unix(0, ns); deadline.IsZero() || linger.Before(deadline) {
			deadline = linger
		}
	}
	return deadline
}

func (s *sock) closeConn() {
	s.connOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// recv pops one received frame without blocking.
func (s *sock) recv() ([]byte, bool) {
	select {
	case payload := <-s.inbox:
		return payload, true
	default:
		return nil, false
	}
}

func (s *sock) pending() bool {
	return len(s.inbox) > 0
}

// closed reports a gone peer once every frame it sent has been consumed.
func (s *sock) closed() bool {
	select {
	case <-s.done:
		return len(s.inbox) == 0
	default:
		return false
	}
}

// err returns why the reader stopped, if it has.
func (s *sock) err() error {
	if p := s.readErr.Load(); p != nil {
		return *p
	}
	return nil
}

// send queues payload without blocking.
func (s *sock) send(payload []byte) error {
	if s.closing.Load() {
		return ErrSocketClosed
	}
	select {
	case s.sendCh <- payload:
		return nil
	default:
		metrics.IncrCounterWithDimGroup("net", "frame_error_total", 1, metrics.Dimension{"error_type": "queue_full"})
		return ErrSendQueueFull
	}
}

// close stops the socket. Frames already queued are flushed for at most
// closeLinger before the connection is closed. Safe to call more than once.
func (s *sock) close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		linger := time.Now().Add(closeLinger)
		s.lingerUntil.Store(linger.UnixNano())
		if s.conn != nil {
			// unblocks a write already stuck on a peer that stopped reading
			_ = s.conn.SetWriteDeadline(linger)
		}
		close(s.quit)
		close(s.sendCh)
	})
}

func (s *sock) remoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// listenSock accepts connections on a helper goroutine and parks them on a
// bounded channel until the polling goroutine picks them up.
type listenSock struct {
	ln    net.Listener
	conns chan net.Conn
	done  chan struct{}
	once  sync.Once
}

func listen(addr string, backlog int) (*listenSock, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &listenSock{
		ln:    ln,
		conns: make(chan net.Conn, backlog),
		done:  make(chan struct{}),
	}
	go l.serve()
	return l, nil
}

func (l *listenSock) serve() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			var e net.Error
			if errors.As(err, &e) && e.Timeout() {
				continue
			}
			return
		}
		select {
		case l.conns <- conn:
		default:
			metrics.IncrCounterWithDimGroup("net", "accept_reject_total", 1, metrics.Dimension{"reason": "backlog"})
			_ = conn.Close()
		}
	}
}

// accept returns one waiting connection without blocking.
func (l *listenSock) accept() (net.Conn, bool) {
	select {
	case conn := <-l.conns:
		return conn, true
	default:
		return nil, false
	}
}

func (l *listenSock) pending() int {
	return len(l.conns)
}

func (l *listenSock) addr() net.Addr {
	return l.ln.Addr()
}

// close stops accepting and closes every connection still waiting.
func (l *listenSock) close() error {
	var err error
	l.once.Do(func() {
		err = l.ln.Close()
		<-l.done
		for {
			select {
			case conn := <-l.conns:
				_ = conn.Close()
			default:
				return
			}
		}
	})
	return err
}

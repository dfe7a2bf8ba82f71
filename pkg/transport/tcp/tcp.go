package tcp

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/scturtle/usblink/pkg/types"
	"github.com/scturtle/usblink/pkg/util"
)

var log = logrus.WithField(util.LogComponentField, "tcp")

// Conn adapts a single net.Conn to types.Transport. Any error other than a
// timeout that transferred nothing closes the connection and it reports
// disconnected from then on.
type Conn struct {
	mu   sync.Mutex
	conn net.Conn
	peer string
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{
		conn: conn,
		peer: conn.RemoteAddr().String(),
	}
}

func Dial(address string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect to %v", address)
	}
	return NewConn(conn), nil
}

func (c *Conn) PeerAddr() string {
	return c.peer
}

func (c *Conn) get() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Conn) Read(p []byte, timeout time.Duration) (int, error) {
	conn := c.get()
	if conn == nil {
		return 0, types.ErrNotConnected
	}
	if err := conn.SetReadDeadline(deadline(timeout)); err != nil {
		return 0, c.drop(err)
	}

	n := 0
	for n < len(p) {
		m, err := conn.Read(p[n:])
		n += m
		if err != nil {
			if os.IsTimeout(err) {
				return n, nil
			}
			return n, c.drop(err)
		}
	}
	return n, nil
}

func (c *Conn) Write(p []byte, timeout time.Duration) (int, error) {
	conn := c.get()
	if conn == nil {
		return 0, types.ErrNotConnected
	}
	if err := conn.SetWriteDeadline(deadline(timeout)); err != nil {
		return 0, c.drop(err)
	}

	n, err := conn.Write(p)
	if err != nil {
		if os.IsTimeout(err) && n == 0 {
			return 0, nil
		}
		// part of p may already be on the wire, the stream cannot be resumed
		return n, c.drop(err)
	}
	return n, nil
}

func (c *Conn) IsConnected() bool {
	return c.get() != nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Conn) drop(err error) error {
	log.WithError(err).Debugf("Dropping connection to %v", c.peer)
	c.Close()
	return err
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Listener is the passive end. It serves one peer at a time: a peer that
// connects while another is active waits until IsConnected has observed the
// old one going away, so a session never switches peers mid-transfer.
type Listener struct {
	listener net.Listener
	pending  chan net.Conn
	done     chan struct{}

	mu   sync.Mutex
	peer *Conn

	closeOnce sync.Once
}

func Listen(address string) (*Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %v", address)
	}
	l := &Listener{
		listener: listener,
		pending:  make(chan net.Conn, 1),
		done:     make(chan struct{}),
	}
	go l.accept()
	log.Infof("Listening on %v", listener.Addr())
	return l, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) accept() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Failed to accept connection")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		select {
		case l.pending <- conn:
			log.Debugf("Queued connection from %v", conn.RemoteAddr())
		default:
			log.Warnf("Rejecting connection from %v, a peer is already waiting", conn.RemoteAddr())
			conn.Close()
		}
	}
}

func (l *Listener) current() *Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *Listener) Read(p []byte, timeout time.Duration) (int, error) {
	peer := l.current()
	if peer == nil {
		return 0, types.ErrNotConnected
	}
	return peer.Read(p, timeout)
}

func (l *Listener) Write(p []byte, timeout time.Duration) (int, error) {
	peer := l.current()
	if peer == nil {
		return 0, types.ErrNotConnected
	}
	return peer.Write(p, timeout)
}

func (l *Listener) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.peer != nil {
		if l.peer.IsConnected() {
			return true
		}
		log.Infof("Peer %v disconnected", l.peer.PeerAddr())
		l.peer = nil
		return false
	}

	select {
	case conn := <-l.pending:
		l.peer = NewConn(conn)
		log.Infof("Accepted peer %v", l.peer.PeerAddr())
		return true
	default:
		return false
	}
}

// Disconnect drops the current peer, if any, and keeps listening.
func (l *Listener) Disconnect() error {
	peer := l.current()
	if peer == nil {
		return nil
	}
	return peer.Close()
}

func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.listener.Close()
		if peer := l.current(); peer != nil {
			peer.Close()
		}
		for {
			select {
			case conn := <-l.pending:
				conn.Close()
			default:
				return
			}
		}
	})
	return err
}

package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrPeerGone is returned by Receive and Send when the other end of the channel has exited or closed it.
var ErrPeerGone = errors.New("channel peer is gone")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR encoder: %s", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("building CBOR decoder: %s", err))
	}
}

// Conn is one end of the duplex channel between controller and worker.
// Messages are delivered in order as a CBOR sequence over the underlying stream.
// Send is safe for concurrent use; Receive must only be called from one goroutine at a time.
type Conn struct {
	log *zap.SugaredLogger
	rwc io.ReadWriteCloser

	enc *cbor.Encoder
	dec *cbor.Decoder

	sendMut   sync.Mutex
	closeOnce sync.Once
}

func NewConn(log *zap.SugaredLogger, rwc io.ReadWriteCloser) *Conn {
	return &Conn{
		log: log.Named("conn"),
		rwc: rwc,
		enc: encMode.NewEncoder(rwc),
		dec: decMode.NewDecoder(rwc),
	}
}

// Send encodes msg and writes it to the peer, blocking until the write completes.
func (c *Conn) Send(msg any) error {
	c.sendMut.Lock()
	defer c.sendMut.Unlock()
	for {
		err := c.enc.Encode(msg)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if isPeerGone(err) {
			return fmt.Errorf("sending %T: %w", msg, ErrPeerGone)
		}
		return fmt.Errorf("sending %T: %w", msg, err)
	}
}

// Receive blocks until the next message is available and decodes it into v.
// A wake-up caused by signal delivery is retried rather than reported.
// If the peer has exited, the returned error wraps ErrPeerGone.
func (c *Conn) Receive(v any) error {
	for {
		err := c.dec.Decode(v)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			c.log.Debug("receive interrupted by signal, retrying")
			continue
		}
		if isPeerGone(err) {
			return fmt.Errorf("receiving %T: %w", v, ErrPeerGone)
		}
		return fmt.Errorf("receiving %T: %w", v, err)
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rwc.Close()
		c.log.Debugw("closed conn", "Error", err)
	})
	return err
}

func isPeerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// Pipe returns both ends of an in-memory channel.
func Pipe(log *zap.SugaredLogger) (*Conn, *Conn) {
	a, b := net.Pipe()
	return NewConn(log.Named("a"), a), NewConn(log.Named("b"), b)
}

// Socketpair creates a connected pair of Unix stream sockets for linking two processes.
// The first file is meant for the parent and the second for the child (e.g. via exec.Cmd.ExtraFiles).
// Both are close-on-exec; ExtraFiles clears that flag for the child's copy.
func Socketpair() (*os.File, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("creating socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "bridge-parent"), os.NewFile(uintptr(fds[1]), "bridge-child"), nil
}

// FileConn wraps one socketpair end as a Conn.
// The file is duplicated into a network connection and closed, so the caller must not use it afterwards.
func FileConn(log *zap.SugaredLogger, f *os.File) (*Conn, error) {
	defer f.Close()
	nc, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrapping %s: %w", f.Name(), err)
	}
	return NewConn(log, nc), nil
}

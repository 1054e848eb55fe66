package transport

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// FileConn wraps an inherited socket descriptor, as handed to a re-executed
// child, in a net.Conn. The descriptor is closed; the returned conn holds a
// duplicate.
func FileConn(fd uintptr) (net.Conn, error) {
	f := os.NewFile(fd, "session")
	if f == nil {
		return nil, fmt.Errorf("invalid descriptor %d", fd)
	}
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("descriptor %d: %w", fd, err)
	}
	return conn, nil
}

// ConnFile returns a duplicate descriptor of conn suitable for
// exec.Cmd.ExtraFiles.
func ConnFile(conn net.Conn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(filer)
	if !ok {
		return nil, fmt.Errorf("%T has no file descriptor", conn)
	}
	return fc.File()
}

// StdioConn joins a reader and a writer, typically stdin and stdout, into
// a net.Conn for sessions run over an inherited pipe.
func StdioConn(r io.ReadCloser, w io.WriteCloser) net.Conn {
	return &stdioConn{r: r, w: w}
}

type stdioConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *stdioConn) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (c *stdioConn) LocalAddr() net.Addr  { return stdioAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr { return stdioAddr{} }

func (c *stdioConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *stdioConn) SetReadDeadline(t time.Time) error {
	if f, ok := c.r.(*os.File); ok {
		return f.SetReadDeadline(t)
	}
	return os.ErrNoDeadline
}

func (c *stdioConn) SetWriteDeadline(t time.Time) error {
	if f, ok := c.w.(*os.File); ok {
		return f.SetWriteDeadline(t)
	}
	return os.ErrNoDeadline
}

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "stdio" }

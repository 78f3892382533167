package link

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/maixbridge/helpers"
	"github.com/temoto/maixbridge/helpers/atomic_clock"
)

type streamConn struct {
	sync.Mutex // serializes writes
	err        helpers.AtomicError
	id         uint64
	last       atomic_clock.Clock
	dec        Decoder
	net        net.Conn
	opt        ConnOptions
	stat       SessionStat
	w          io.Writer
}

var _ Conn = &streamConn{}

func NewStreamConn(netConn net.Conn, id uint64, opt ConnOptions) *streamConn {
	c := &streamConn{
		id:  id,
		net: netConn,
		opt: opt,
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
	}
	const tcpOverhead = 40
	statread := helpers.NewStatReader(c.net, &c.stat.Recv.Total.Size, tcpOverhead)
	c.w = helpers.NewStatWriter(c.net, &c.stat.Send.Total.Size, tcpOverhead)
	c.dec.Attach(bufio.NewReader(statread), opt.ReadLimit)
	c.last.SetNow()
	c.stat.Conn.Add(1)
	return c
}

func (c *streamConn) Close() error {
	return c.die(ErrClosing)
}

func (c *streamConn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

func (c *streamConn) Err() error {
	err, _ := c.err.Load()
	return err
}

func (c *streamConn) Receive(ctx context.Context) (Frame, error) {
	if err, dead := c.err.Load(); dead {
		return Frame{}, err
	}
	if err := c.net.SetReadDeadline(c.deadline(ctx)); err != nil {
		err = errors.Annotate(err, "SetReadDeadline")
		_ = c.die(err)
		return Frame{}, err
	}
	f, err := c.dec.Read()
	if err != nil {
		err = errors.Annotate(err, "receive")
		_ = c.die(err)
		return Frame{}, err
	}
	c.last.SetNow()
	c.stat.Recv.Register(f)
	c.opt.Log.Debugf("link: recv conn=%d f=%s", c.id, f)
	return f, nil
}

func (c *streamConn) Send(ctx context.Context, f Frame) error {
	if err, dead := c.err.Load(); dead {
		return err
	}
	b, err := FrameMarshal(f)
	if err != nil {
		return errors.Annotate(err, "frame marshal")
	}
	c.Lock()
	defer c.Unlock()
	c.opt.Log.Debugf("link: send conn=%d f=%s", c.id, f)
	if err = c.net.SetWriteDeadline(c.deadline(ctx)); err != nil {
		err = errors.Annotate(err, "SetWriteDeadline")
		_ = c.die(err)
		return err
	}
	if err = helpers.WriteAll(c.w, b); err != nil {
		err = errors.Annotate(err, "send")
		_ = c.die(err)
		return err
	}
	c.stat.Send.Register(f)
	return nil
}

func (c *streamConn) ID() uint64                   { return c.id }
func (c *streamConn) LastRecv() time.Time          { return c.last.Time() }
func (c *streamConn) Options() *ConnOptions        { return &c.opt }
func (c *streamConn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *streamConn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *streamConn) Stat() *SessionStat           { return &c.stat }

func (c *streamConn) String() string {
	return fmt.Sprintf("(id=%d remote=%s)", c.id, addrString(c.RemoteAddr()))
}

// ctx deadline wins, then NetworkTimeout, zero means no deadline
func (c *streamConn) deadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	if c.opt.NetworkTimeout > 0 {
		return time.Now().Add(c.opt.NetworkTimeout)
	}
	return time.Time{}
}

func (c *streamConn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if neterr, ok := errors.Cause(e).(net.Error); ok && neterr.Timeout() {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	} else if errors.Is(e, io.EOF) {
		estr = "EOF"
	}
	c.opt.Log.Debugf("link: die conn=%d local=%s remote=%s e=%s", c.id, addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()), estr)
	return e
}

// Decoder reads frames from buffered byte stream.
// Attach again to restart on new connection.
type Decoder struct {
	r   *bufio.Reader
	max uint32
}

func NewDecoder(r io.Reader, max uint32) *Decoder {
	d := &Decoder{}
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d.Attach(br, max)
	return d
}

func (d *Decoder) Attach(r *bufio.Reader, max uint32) {
	d.max = max
	d.r = r
}

// Read blocks until one complete frame is available.
// Returns io.EOF only on clean end of stream between frames.
func (d *Decoder) Read() (Frame, error) {
	header, err := d.r.Peek(FrameHeaderSize)
	switch err {
	case nil:
	case io.EOF:
		if len(header) == 0 {
			return Frame{}, err
		}
		return Frame{}, errors.Annotate(io.ErrUnexpectedEOF, "header")
	default:
		return Frame{}, errors.Annotate(err, "header")
	}

	length, typ, err := FrameDecodeHeader(header, d.max)
	if err != nil {
		return Frame{}, errors.Annotate(err, "frame")
	}
	if _, err = d.r.Discard(FrameHeaderSize); err != nil {
		return Frame{}, errors.Annotate(err, "discard")
	}

	// payload is handed to application, can not reuse buffer
	f := Frame{Type: typ, Payload: make([]byte, length)}
	_, err = io.ReadFull(d.r, f.Payload)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return Frame{}, errors.Annotate(err, "readfull")
	}
	return f, nil
}

package link

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/maixbridge/helpers"
)

// Device side client.
// Used by device emulator and in testing the server.
// Responsible for:
// - establish connection, reconnect with backoff
// - poll request-response exchange
type Client struct {
	sync.Mutex // protects current
	alive      *alive.Alive
	current    Conn
	nextid     uint64
	opt        *ClientOptions
	stat       SessionStat
	backoff    *helpers.Backoff
}

type ClientOptions struct {
	ConnOptions
	Dialer     *net.Dialer
	RetryDelay time.Duration
	StreamURL  string
}

func NewClient(opt *ClientOptions) (*Client, error) {
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
	if opt.RetryDelay == 0 {
		opt.RetryDelay = DefaultRetryDelay
	}
	if opt.Dialer == nil {
		opt.Dialer = &net.Dialer{Timeout: opt.NetworkTimeout}
	}
	if _, _, err := parseURI(opt.StreamURL); err != nil {
		return nil, errors.Annotatef(err, "config error device StreamURL=%s", opt.StreamURL)
	}
	c := &Client{
		alive: alive.NewAlive(),
		backoff: &helpers.Backoff{
			Min: opt.RetryDelay,
			Max: 10 * opt.RetryDelay,
			K:   2,
		},
		opt: opt,
	}
	return c, nil
}

func (c *Client) Close() error {
	c.alive.Stop()
	c.Lock()
	conn := c.getConn()
	c.current = nil
	c.Unlock()
	var err error
	if conn != nil {
		c.stat.Add(conn.Stat())
		if e := conn.Close(); !errors.Is(e, ErrClosing) {
			err = e
		}
	}
	c.alive.Wait()
	return err
}

// Send delivers frame over existing or new connection.
// Single attempt per connection, no retry after write error.
func (c *Client) Send(ctx context.Context, f Frame) error {
	if !c.alive.Add(1) {
		return ErrClosing
	}
	defer c.alive.Done()

	conn, err := c.mustConn(ctx)
	if err != nil {
		return err
	}
	return conn.Send(ctx, f)
}

// Receive next frame from current connection.
func (c *Client) Receive(ctx context.Context) (Frame, error) {
	if !c.alive.Add(1) {
		return Frame{}, ErrClosing
	}
	defer c.alive.Done()

	c.Lock()
	conn := c.getConn()
	c.Unlock()
	if conn == nil {
		return Frame{}, ErrNoDevice
	}
	return conn.Receive(ctx)
}

// Poll asks server for queued record and waits for reply.
// Reply is keepalive (TypePoll, empty payload) or TypeRecord.
func (c *Client) Poll(ctx context.Context) (Frame, error) {
	if err := c.Send(ctx, NewFrame(TypePoll, "")); err != nil {
		return Frame{}, errors.Annotate(err, "poll send")
	}
	f, err := c.Receive(ctx)
	if err != nil {
		return Frame{}, errors.Annotate(err, "poll receive")
	}
	return f, nil
}

func (c *Client) Stat() *SessionStat { return &c.stat }

// must be called with lock
func (c *Client) getConn() Conn {
	if c.current != nil && c.current.Closed() {
		c.stat.Add(c.current.Stat())
		c.current = nil
	}
	return c.current
}

func (c *Client) mustConn(ctx context.Context) (Conn, error) {
	c.Lock()
	defer c.Unlock()
	if conn := c.getConn(); conn != nil {
		return conn, nil
	}

	delay := c.backoff.DelayBefore()
	c.opt.Log.Debugf("link: client reconnect delay=%s", delay)
	if err := c.sleep(ctx, delay); err != nil {
		return nil, err
	}
	id := atomic.AddUint64(&c.nextid, 1)
	conn, err := DialContext(ctx, *c.opt.Dialer, c.opt.StreamURL, id, c.opt.ConnOptions)
	if err != nil {
		c.backoff.Failure()
		return nil, errors.Annotatef(err, "connect stream=%s", c.opt.StreamURL)
	}
	c.backoff.Reset()
	c.current = conn
	return conn, nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-c.alive.StopChan():
		return ErrClosing
	}
}

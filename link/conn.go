package link

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/temoto/maixbridge/log2"
)

const (
	// any frame the wire format can carry
	DefaultReadLimit   = MaxPayloadLen
	DefaultRetryDelay  = 3 * time.Second
	DefaultSendTimeout = 10 * time.Second
)

var (
	ErrClosing          = fmt.Errorf("closing")
	ErrDeviceReplaced   = fmt.Errorf("device session replaced")
	ErrNoDevice         = fmt.Errorf("no device connected")
	ErrUnknownFrameType = fmt.Errorf("unknown frame type")
)

type Conn interface {
	Close() error
	Closed() bool
	Err() error
	ID() uint64
	LastRecv() time.Time
	Options() *ConnOptions
	Receive(context.Context) (Frame, error)
	RemoteAddr() net.Addr
	Send(context.Context, Frame) error
	SinceLastRecv() time.Duration
	Stat() *SessionStat
	String() string

	die(error) error
}

type ConnOptions struct {
	Log *log2.Log

	// Zero NetworkTimeout means wait forever, like the device firmware expects.
	NetworkTimeout time.Duration
	// Optional cap on payload length, zero means DefaultReadLimit.
	ReadLimit uint32
}

func DialContext(ctx context.Context, dialer net.Dialer, url string, id uint64, opt ConnOptions) (Conn, error) {
	if dialer.Timeout == 0 {
		dialer.Timeout = opt.NetworkTimeout
	}
	network, address, err := parseURI(url)
	if err != nil {
		return nil, err
	}
	switch network {
	case "tcp", "unix":
	default:
		return nil, fmt.Errorf("unknown protocol=%s", network)
	}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, id, opt), nil
}

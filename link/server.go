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
	"github.com/temoto/maixbridge/log2"
)

type State int

const (
	StateNoDevice State = iota
	StateDeviceConnected
)

func (s State) String() string {
	switch s {
	case StateNoDevice:
		return "no_device"
	case StateDeviceConnected:
		return "device_connected"
	}
	return "invalid"
}

// Device link server.
// At most one device session is tracked, newest connection wins.
type Server struct {
	alive   *alive.Alive
	ctx     context.Context
	current struct {
		sync.RWMutex
		conn Conn
	}
	listens struct {
		sync.RWMutex
		m map[string]net.Listener
	}
	log       *log2.Log
	nextid    uint64 // atomic
	onClose   CloseFunc
	onConnect ConnectFunc
	onFrame   FrameFunc
	onReplace ReplaceFunc
	stat      SessionStat
}

type ServerOptions struct {
	Log       *log2.Log
	OnClose   CloseFunc   // current session lost
	OnConnect ConnectFunc // new session became current
	OnFrame   FrameFunc   // mandatory
	OnReplace ReplaceFunc // DeviceReplaced event, called before OnConnect
}

type ListenOptions struct {
	StreamURL      string
	NetworkTimeout time.Duration
	ReadLimit      uint32
}

type CloseFunc = func(conn Conn, e error)
type ConnectFunc = func(conn Conn)
type FrameFunc = func(ctx context.Context, conn Conn, f Frame) error
type ReplaceFunc = func(old, new Conn)

func NewServer(opt ServerOptions) *Server {
	if opt.OnFrame == nil {
		panic("code error link.ServerOptions.OnFrame is mandatory")
	}
	s := &Server{
		alive:     alive.NewAlive(),
		ctx:       context.Background(),
		log:       opt.Log,
		onClose:   opt.OnClose,
		onConnect: opt.OnConnect,
		onFrame:   opt.OnFrame,
		onReplace: opt.OnReplace,
	}
	s.listens.m = make(map[string]net.Listener)
	return s
}

func (s *Server) Addrs() []string {
	s.listens.RLock()
	defer s.listens.RUnlock()
	addrs := make([]string, 0, len(s.listens.m))
	for _, l := range s.listens.m {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

// Listen does not block, accept loops run until Close.
// ctx is passed to OnFrame.
func (s *Server) Listen(ctx context.Context, opts []ListenOptions) error {
	s.listens.Lock()
	defer s.listens.Unlock()

	if ctx != nil {
		s.ctx = ctx
	}
	if !s.alive.Add(len(opts)) {
		return errors.Errorf("Listen after Close")
	}
	errs := make([]error, 0)
	for _, opt := range opts {
		s.log.Debugf("link: listen url=%s timeout=%v", opt.StreamURL, opt.NetworkTimeout)
		if opt.ReadLimit == 0 {
			opt.ReadLimit = DefaultReadLimit
		}
		if err := s.listenStream(opt); err != nil {
			s.alive.Done()
			err = errors.Annotatef(err, "listenStream %s", opt.StreamURL)
			errs = append(errs, err)
			continue
		}
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(&s.listens, func() {
		for key, ll := range s.listens.m {
			if err := ll.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens.m, key)
		}
	})
	if conn := s.Current(); conn != nil {
		_ = conn.die(ErrClosing)
	}
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

// Current returns active device session or nil.
func (s *Server) Current() Conn {
	s.current.RLock()
	defer s.current.RUnlock()
	return s.current.conn
}

func (s *Server) State() State {
	if s.Current() == nil {
		return StateNoDevice
	}
	return StateDeviceConnected
}

// Send frame to current device session.
func (s *Server) Send(ctx context.Context, f Frame) error {
	conn := s.Current()
	if conn == nil {
		return ErrNoDevice
	}
	return s.SendTo(ctx, conn, f)
}

// SendTo writes f to conn only while it is current session.
// Replacement waits for write in progress, so superseded session never gets a frame.
// Without ctx deadline write is limited by DefaultSendTimeout.
func (s *Server) SendTo(ctx context.Context, conn Conn, f Frame) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSendTimeout)
		defer cancel()
	}
	s.current.RLock()
	defer s.current.RUnlock()
	if s.current.conn != conn {
		if err := conn.Err(); err != nil {
			return err
		}
		return ErrDeviceReplaced
	}
	return conn.Send(ctx, f)
}

func (s *Server) SendPayload(ctx context.Context, t FrameType, payload string) error {
	return s.Send(ctx, NewFrame(t, payload))
}

func (s *Server) Stat() *SessionStat { return &s.stat }

func (s *Server) listenStream(opt ListenOptions) error {
	network, address, err := parseURI(opt.StreamURL)
	if err != nil {
		return errors.Annotate(err, "parse url")
	}

	var ll net.Listener
	switch network {
	case "tcp", "unix":
		ll, err = net.Listen(network, address)
		if err != nil {
			return errors.Annotatef(err, "net.Listen network=%s address=%s", network, address)
		}
	default:
		return errors.Errorf("unsupported listen url=%s", opt.StreamURL)
	}

	s.listens.m[opt.StreamURL] = ll
	go s.acceptLoop(ll, opt)
	return nil
}

func (s *Server) connOptions(lo *ListenOptions) ConnOptions {
	return ConnOptions{
		Log:            s.log,
		NetworkTimeout: lo.NetworkTimeout,
		ReadLimit:      lo.ReadLimit,
	}
}

func (s *Server) acceptLoop(ll net.Listener, opt ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		netConn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if netConn != nil {
				_ = netConn.Close()
			}
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.log.Errorf("link: accept listen=%s err=%v", addrString(ll.Addr()), err)
				continue
			}
			err = errors.Annotatef(err, "accept listen=%s", addrString(ll.Addr()))
			s.log.Error(err)
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = netConn.Close()
			return
		}
		id := atomic.AddUint64(&s.nextid, 1)
		go s.processConn(NewStreamConn(netConn, id, s.connOptions(&opt)))
	}
}

// attach makes conn current session, superseded session is closed.
func (s *Server) attach(conn Conn) {
	var ex Conn
	helpers.WithLock(&s.current, func() {
		ex = s.current.conn
		s.current.conn = conn
	})
	if ex != nil {
		s.log.Infof("link: device replaced ex=%s new=%s", ex, conn)
		_ = ex.die(ErrDeviceReplaced)
		if s.onReplace != nil {
			s.onReplace(ex, conn)
		}
	} else {
		s.log.Infof("link: device connected %s", conn)
	}
	if s.onConnect != nil {
		s.onConnect(conn)
	}
}

// detach returns true if conn was current session
func (s *Server) detach(conn Conn) bool {
	detached := false
	helpers.WithLock(&s.current, func() {
		if s.current.conn == conn {
			s.current.conn = nil
			detached = true
		}
	})
	return detached
}

func (s *Server) isCurrent(conn Conn) bool {
	s.current.RLock()
	defer s.current.RUnlock()
	return s.current.conn == conn
}

func (s *Server) processConn(conn Conn) {
	defer s.alive.Done()
	s.attach(conn)
	if !s.alive.IsRunning() { // Close() could miss conn attached after it looked
		_ = conn.die(ErrClosing)
	}

	// receive loop
	var err error
	for {
		var f Frame
		f, err = conn.Receive(context.Background())
		if !s.alive.IsRunning() {
			_ = conn.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		if !s.processFrame(conn, f) {
			break
		}
	}

	// mandatory cleanup on connection closed
	closeErr := conn.die(ErrClosing)
	s.stat.Add(conn.Stat())
	if s.detach(conn) {
		if errors.Is(closeErr, ErrClosing) {
			s.log.Infof("link: device disconnected %s", conn)
		} else {
			s.log.Infof("link: device disconnected %s err=%v", conn, closeErr)
		}
		if s.onClose != nil {
			s.onClose(conn, closeErr)
		}
	}
}

// on each incoming frame, returns false to stop receive loop
func (s *Server) processFrame(conn Conn, f Frame) bool {
	if !s.isCurrent(conn) {
		s.log.Debugf("link: ignore frame from superseded conn=%s f=%s", conn, f)
		_ = conn.die(ErrDeviceReplaced)
		return false
	}

	err := s.onFrame(s.ctx, conn, f)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownFrameType):
		s.log.Debugf("link: conn=%s f=%s ignored", conn, f)
	default:
		s.log.Errorf("link: onFrame conn=%s f=%s err=%v", conn, f, err)
	}
	return !conn.Closed()
}

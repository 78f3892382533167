// Package serve runs device link and browser hub until signal.
package serve

import (
	"context"
	"net"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/maixbridge/cmd/maixbridge/subcmd"
	"github.com/temoto/maixbridge/config"
	"github.com/temoto/maixbridge/helpers"
	"github.com/temoto/maixbridge/hub"
	"github.com/temoto/maixbridge/link"
	"github.com/temoto/maixbridge/log2"
	"github.com/temoto/maixbridge/metrics"
	"github.com/temoto/maixbridge/queue"
	"github.com/temoto/maixbridge/relay"
	"golang.org/x/sync/errgroup"
)

var Mod = subcmd.Mod{Name: "serve", Main: Main}

func Main(ctx context.Context, cfg *config.Config) error {
	log := log2.ContextValueLogger(ctx)
	log.Debugf("config=%+v", cfg)

	app, err := Start(ctx, cfg, log)
	if err != nil {
		return err
	}
	subcmd.SdNotify(daemon.SdNotifyReady)
	return app.Wait()
}

// App is running bridge: device link, relay, hub and queue.
type App struct {
	Hub    *hub.Hub
	Link   *link.Server
	Queue  queue.Queue
	Relay  *relay.Relay
	group  *errgroup.Group
	log    *log2.Log
	httpLn net.Listener
}

// Start opens queue and listeners, returns when both accept connections.
// Everything stops when ctx is done.
func Start(ctx context.Context, cfg *config.Config, log *log2.Log) (*App, error) {
	q, err := queue.Open(cfg.Queue.PersistPath, log)
	if err != nil {
		return nil, errors.Annotate(err, "queue open")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enable {
		m = metrics.New(cfg.Metrics.Namespace)
	}
	m.SetQueueLength(q.Len())

	app := &App{Queue: q, log: log}
	app.Hub = hub.New(hub.Options{
		Log:     log,
		Metrics: m,
		Queue:   q,
		Status:  app.deviceStatus,
	})
	app.Relay = relay.New(relay.Options{
		Hub:          app.Hub,
		Log:          log,
		Metrics:      m,
		Queue:        q,
		QuoteRecords: cfg.Device.QuoteRecords,
	})
	linkLog := log.Clone(log2.LInfo)
	if cfg.LogDebug || cfg.Device.LogDebug {
		linkLog.SetLevel(log2.LDebug)
	}
	app.Link = app.Relay.NewServer(linkLog)

	group, gctx := errgroup.WithContext(ctx)
	app.group = group
	err = app.Link.Listen(gctx, []link.ListenOptions{{
		StreamURL:      cfg.Device.Listen,
		NetworkTimeout: cfg.DeviceNetworkTimeout(),
		ReadLimit:      uint32(cfg.Device.ReadLimit),
	}})
	if err != nil {
		app.close()
		return nil, errors.Annotate(err, "device listen")
	}
	app.httpLn, err = net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		app.close()
		return nil, errors.Annotatef(err, "http listen=%s", cfg.HTTP.Listen)
	}

	httpOpt := hub.HTTPOptions{
		Listen:          cfg.HTTP.Listen,
		StaticDir:       cfg.HTTP.StaticDir,
		ShutdownTimeout: cfg.HTTPShutdownTimeout(),
	}
	group.Go(func() error { return app.Hub.Serve(gctx, app.httpLn, httpOpt) })
	group.Go(func() error {
		<-gctx.Done()
		log.Infof("serve: stopping")
		return nil
	})
	log.Infof("serve: device=%v http=%s queue=%d", app.Link.Addrs(), app.httpLn.Addr(), q.Len())
	return app, nil
}

// Wait blocks until stopped, then releases everything.
func (app *App) Wait() error {
	errs := []error{app.group.Wait()}
	errs = append(errs, app.close()...)
	app.log.Infof("serve: stopped link stat=%s", app.Link.Stat())
	return helpers.FoldErrors(errs)
}

func (app *App) HTTPAddr() string { return app.httpLn.Addr().String() }

func (app *App) close() []error {
	errs := make([]error, 0, 3)
	if err := app.Link.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "link close"))
	}
	if err := app.Hub.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "hub close"))
	}
	if err := app.Queue.Close(); err != nil {
		errs = append(errs, errors.Annotate(err, "queue close"))
	}
	return errs
}

func (app *App) deviceStatus() (string, string) {
	conn := app.Link.Current()
	if conn == nil {
		return link.StateNoDevice.String(), ""
	}
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return link.StateDeviceConnected.String(), remote
}

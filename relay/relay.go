// Package relay connects device link with browser hub and record queue.
//
// Device poll gets record from queue head, empty queue answers keepalive.
// Telemetry frames are broadcast to browsers verbatim.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/juju/errors"
	"github.com/temoto/maixbridge/hub"
	"github.com/temoto/maixbridge/link"
	"github.com/temoto/maixbridge/log2"
	"github.com/temoto/maixbridge/metrics"
	"github.com/temoto/maixbridge/queue"
)

type Broadcaster interface {
	Broadcast(event string, data string) int
}

type Options struct {
	Hub     Broadcaster
	Log     *log2.Log
	Metrics *metrics.Metrics
	Queue   queue.Queue

	// Send record JSON quoted, legacy firmware strips quotes.
	QuoteRecords bool
}

type Relay struct {
	hub          Broadcaster
	link         *link.Server
	log          *log2.Log
	metrics      *metrics.Metrics
	pollMu       sync.Mutex // queue head is delivered by one poll at a time
	queue        queue.Queue
	quoteRecords bool
}

func New(opt Options) *Relay {
	return &Relay{
		hub:          opt.Hub,
		log:          opt.Log,
		metrics:      opt.Metrics,
		queue:        opt.Queue,
		quoteRecords: opt.QuoteRecords,
	}
}

// NewServer returns device link server with callbacks bound to this relay.
func (r *Relay) NewServer(log *log2.Log) *link.Server {
	r.link = link.NewServer(link.ServerOptions{
		Log:       log,
		OnClose:   r.OnClose,
		OnConnect: r.OnConnect,
		OnFrame:   r.OnFrame,
		OnReplace: r.OnReplace,
	})
	return r.link
}

func (r *Relay) OnFrame(ctx context.Context, conn link.Conn, f link.Frame) error {
	r.metrics.Frame(metrics.DirRecv, f.Type.Label())
	switch f.Type {
	case link.TypePoll:
		return r.onPoll(ctx, conn)

	case link.TypeTemperature:
		r.hub.Broadcast(hub.EventTemperature, string(f.Payload))

	case link.TypeClassification:
		r.hub.Broadcast(hub.EventClassification, string(f.Payload))

	case link.TypeConfidence:
		r.log.Infof("relay: confidence=%s", f.Payload)
		r.hub.Broadcast(hub.EventConfidenceLevel, string(f.Payload))

	default:
		return errors.Annotatef(link.ErrUnknownFrameType, "type=%s", f.Type)
	}
	return nil
}

// Reply goes to polling connection and only while it is current session.
// Record leaves queue after successful send, failed delivery keeps it at head.
func (r *Relay) onPoll(ctx context.Context, conn link.Conn) error {
	r.pollMu.Lock()
	defer r.pollMu.Unlock()

	record, ok, err := r.queue.Peek(ctx)
	if err != nil {
		return errors.Annotate(err, "queue peek")
	}
	if !ok {
		return r.send(ctx, conn, link.NewFrame(link.TypePoll, ""))
	}

	payload := record
	if r.quoteRecords {
		payload = quoteJSON(record)
	}
	if err = r.send(ctx, conn, link.NewFrame(link.TypeRecord, payload)); err != nil {
		r.metrics.Record("undelivered")
		return errors.Annotate(err, "send record")
	}
	// commit must not be skipped by cancel, device already has the record
	popped, ok, err := r.queue.Pop(context.Background())
	switch {
	case err != nil:
		// device got record but it stays queued, next poll repeats it
		r.log.Errorf("relay: delivered record not removed record=%q err=%v", record, err)
	case !ok || popped != record:
		r.log.Errorf("relay: queue head changed during delivery record=%q head=%q", record, popped)
	}
	r.metrics.Record("delivered")
	r.metrics.SetQueueLength(r.queue.Len())
	r.log.Debugf("relay: delivered record conn=%d", conn.ID())
	return nil
}

func (r *Relay) send(ctx context.Context, conn link.Conn, f link.Frame) error {
	var err error
	if r.link != nil {
		err = r.link.SendTo(ctx, conn, f)
	} else {
		err = conn.Send(ctx, f)
	}
	if err != nil {
		return err
	}
	r.metrics.Frame(metrics.DirSend, f.Type.Label())
	return nil
}

func (r *Relay) OnConnect(conn link.Conn) {
	r.metrics.SetDeviceConnected(true)
}

func (r *Relay) OnReplace(old, new link.Conn) {
	r.log.Infof("relay: DeviceReplaced old=%s new=%s", old, new)
	r.metrics.DeviceReplaced()
}

func (r *Relay) OnClose(conn link.Conn, e error) {
	r.metrics.SetDeviceConnected(false)
	var perr *link.ProtocolError
	if errors.As(e, &perr) || errors.Is(e, link.ErrFrameLenOverflow) {
		r.log.Errorf("relay: device dropped conn=%s err=%v", conn, e)
		r.metrics.ProtocolError()
	}
}

// JSON string literal without HTML escaping
func quoteJSON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil { // string always encodes
		panic(err)
	}
	return string(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
}

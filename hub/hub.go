// Package hub relays device telemetry to browsers over WebSocket
// and accepts user records from browsers into queue.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/maixbridge/helpers"
	"github.com/temoto/maixbridge/log2"
	"github.com/temoto/maixbridge/metrics"
	"github.com/temoto/maixbridge/queue"
)

const (
	EventTemperature     = "temperature"
	EventClassification  = "classification"
	EventConfidenceLevel = "confidence_level"
	EventUserInfo        = "user_info"
)

const DefaultSendBuffer = 16

var ErrClosing = fmt.Errorf("hub is closing")

// Message is WebSocket envelope in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// StatusFunc reports device link state for health endpoint.
type StatusFunc = func() (state string, remote string)

type Options struct {
	Log        *log2.Log
	Metrics    *metrics.Metrics
	Queue      queue.Queue // mandatory
	SendBuffer int
	Status     StatusFunc
}

type Hub struct {
	alive      *alive.Alive
	log        *log2.Log
	metrics    *metrics.Metrics
	queue      queue.Queue
	sendBuffer int
	status     StatusFunc
	subs       struct {
		sync.RWMutex
		m map[string]*Subscriber
	}
	upgrader websocket.Upgrader
}

// Subscriber receives broadcast messages, already JSON encoded.
type Subscriber struct {
	ID   string
	send chan []byte
}

func (s *Subscriber) Recv() <-chan []byte { return s.send }

func New(opt Options) *Hub {
	if opt.Queue == nil {
		panic("code error hub.Options.Queue is mandatory")
	}
	if opt.SendBuffer <= 0 {
		opt.SendBuffer = DefaultSendBuffer
	}
	h := &Hub{
		alive:      alive.NewAlive(),
		log:        opt.Log,
		metrics:    opt.Metrics,
		queue:      opt.Queue,
		sendBuffer: opt.SendBuffer,
		status:     opt.Status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 << 10,
			WriteBufferSize: 4 << 10,
		},
	}
	h.subs.m = make(map[string]*Subscriber)
	h.metrics.SetQueueLength(h.queue.Len())
	return h
}

// Subscribe registers new subscriber. Only messages broadcast after this call are received.
func (h *Hub) Subscribe() (*Subscriber, error) {
	s := &Subscriber{
		ID:   uuid.NewString(),
		send: make(chan []byte, h.sendBuffer),
	}
	var n int
	err := helpers.WithLockError(&h.subs, func() error {
		// checked under lock so Close never misses new subscriber
		if !h.alive.IsRunning() {
			return ErrClosing
		}
		h.subs.m[s.ID] = s
		n = len(h.subs.m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	h.metrics.SetSubscribers(n)
	h.log.Debugf("hub: subscribe id=%s total=%d", s.ID, n)
	return s, nil
}

// Unsubscribe closes subscriber channel. Repeated calls are no-op.
func (h *Hub) Unsubscribe(s *Subscriber) {
	found := false
	var n int
	helpers.WithLock(&h.subs, func() {
		if _, found = h.subs.m[s.ID]; found {
			delete(h.subs.m, s.ID)
			close(s.send)
		}
		n = len(h.subs.m)
	})
	if found {
		h.metrics.SetSubscribers(n)
		h.log.Debugf("hub: unsubscribe id=%s total=%d", s.ID, n)
	}
}

func (h *Hub) Count() int {
	h.subs.RLock()
	defer h.subs.RUnlock()
	return len(h.subs.m)
}

// Broadcast sends event to every current subscriber without waiting.
// Subscriber with full buffer misses this message.
// Returns number of subscribers that got the message.
func (h *Hub) Broadcast(event string, data string) int {
	quoted, err := json.Marshal(data)
	if err != nil { // string always marshals
		panic(err)
	}
	b, err := json.Marshal(Message{Event: event, Data: quoted})
	if err != nil {
		panic(err)
	}

	sent, dropped := 0, 0
	h.subs.RLock()
	for _, s := range h.subs.m {
		select {
		case s.send <- b:
			sent++
		default:
			dropped++
		}
	}
	h.subs.RUnlock()
	if dropped != 0 {
		h.log.Debugf("hub: broadcast event=%s dropped=%d slow subscribers", event, dropped)
	}
	h.metrics.Broadcast(event, dropped)
	return sent
}

// SubmitRecord flattens user record and appends it to queue tail.
func (h *Hub) SubmitRecord(raw []byte) error {
	record, err := FlattenRecord(raw)
	if err != nil {
		h.metrics.Record("invalid")
		return err
	}
	if err = h.queue.Push(record); err != nil {
		if errors.Is(err, queue.ErrReservedRecord) {
			h.metrics.Record("invalid")
		}
		return errors.Annotate(err, "queue push")
	}
	n := h.queue.Len()
	h.metrics.Record("queued")
	h.metrics.SetQueueLength(n)
	h.log.Debugf("hub: record queued len=%d record=%q", n, record)
	return nil
}

// Close disconnects all subscribers and waits for WebSocket handlers.
func (h *Hub) Close() error {
	h.alive.Stop()
	h.subs.RLock()
	subs := make([]*Subscriber, 0, len(h.subs.m))
	for _, s := range h.subs.m {
		subs = append(subs, s)
	}
	h.subs.RUnlock()
	for _, s := range subs {
		h.Unsubscribe(s)
	}
	h.alive.Wait()
	return nil
}

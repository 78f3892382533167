package queue

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/maixbridge/log2"
	"github.com/temoto/spq"
)

// Values with this prefix are recovery markers, never records.
const markerPrefix = "\x00maixbridge/recover/"

// Persist queue survives restart, every Push and Pop is synced to disk.
type Persist struct {
	mu  sync.Mutex
	log *log2.Log
	n   int
	q   *spq.Queue
}

var _ Queue = &Persist{}

// OpenPersist opens leveldb queue at path.
// Records left from previous run are counted, order is kept.
// spq.OnlyForTesting path gives in-memory storage.
func OpenPersist(path string, log *log2.Log) (*Persist, error) {
	q, err := spq.Open(path)
	if err != nil {
		if spq.IsCorrupted(err) {
			return nil, errors.Annotatef(err, "queue path=%s corrupted", path)
		}
		return nil, errors.Annotatef(err, "queue open path=%s", path)
	}
	p := &Persist{log: log, q: q}
	if err = p.recover(); err != nil {
		_ = q.Close()
		return nil, errors.Annotatef(err, "queue recover path=%s", path)
	}
	if p.n != 0 {
		log.Infof("queue: recovered records=%d path=%s", p.n, path)
	}
	return p, nil
}

// ErrReservedRecord is returned for record that would be mistaken for recovery marker.
var ErrReservedRecord = errors.NotValidf("record with reserved prefix")

func (p *Persist) Push(record string) error {
	if strings.HasPrefix(record, markerPrefix) {
		return ErrReservedRecord
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.q.Push([]byte(record)); err != nil {
		return p.wrapErr(err, "push")
	}
	p.n++
	return nil
}

func (p *Persist) Peek(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		return "", false, nil
	}
	box, err := p.q.Peek()
	if err != nil {
		return "", false, p.wrapErr(err, "peek")
	}
	return string(box.Bytes()), true, nil
}

func (p *Persist) Pop(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n == 0 {
		return "", false, nil
	}
	// n>0 so Peek will not block
	box, err := p.q.Peek()
	if err != nil {
		return "", false, p.wrapErr(err, "peek")
	}
	if err = p.q.Delete(box); err != nil {
		return "", false, p.wrapErr(err, "delete")
	}
	p.n--
	return string(box.Bytes()), true, nil
}

func (p *Persist) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *Persist) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Close()
}

// spq can not tell length and Peek blocks on empty queue.
// Push marker to tail, then rotate every record before it back to tail.
func (p *Persist) recover() error {
	marker := markerPrefix + uuid.NewString()
	if err := p.q.Push([]byte(marker)); err != nil {
		return errors.Annotate(err, "push marker")
	}
	for {
		box, err := p.q.Peek()
		if err != nil {
			return errors.Annotate(err, "peek")
		}
		value := string(box.Bytes())
		switch {
		case value == marker:
			return errors.Annotate(p.q.Delete(box), "delete marker")

		case strings.HasPrefix(value, markerPrefix):
			// left by interrupted recovery
			p.log.Debugf("queue: drop stale marker=%q", value)
			if err = p.q.Delete(box); err != nil {
				return errors.Annotate(err, "delete stale marker")
			}

		default:
			if err = p.q.DeletePush(box); err != nil {
				return errors.Annotate(err, "rotate")
			}
			p.n++
		}
	}
}

func (p *Persist) wrapErr(err error, op string) error {
	if errors.Is(err, spq.ErrClosed) {
		return ErrClosed
	}
	return errors.Annotate(err, op)
}

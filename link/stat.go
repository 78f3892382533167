package link

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type SessionStat struct {
	Conn expvar.Int
	Recv Counters
	Send Counters
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
}

func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.Recv.String(), ss.Send.String())
}

// Total.Size counts raw bytes including TCP overhead estimate,
// category sizes count frame bytes.
type Counters struct {
	Poll   CountSizePair
	Record CountSizePair
	Tele   CountSizePair
	Total  CountSizePair
}

func (c *Counters) Add(c2 *Counters) {
	c.Poll.Add(&c2.Poll)
	c.Record.Add(&c2.Record)
	c.Tele.Add(&c2.Tele)
	c.Total.Add(&c2.Total)
}

func (c *Counters) Register(f Frame) {
	size := int64(FrameHeaderSize + len(f.Payload))
	c.Total.Count.Add(1)
	var category *CountSizePair
	switch f.Type {
	case TypePoll:
		category = &c.Poll
	case TypeRecord:
		category = &c.Record
	case TypeTemperature, TypeClassification, TypeConfidence:
		category = &c.Tele
	}
	if category != nil {
		category.Count.Add(1)
		category.Size.Add(size)
	}
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"poll.count":%d,"poll.size":%d,"record.count":%d,"record.size":%d,"tele.count":%d,"tele.size":%d,"total.count":%d,"total.size":%d}`,
		c.Poll.Count.Value(), c.Poll.Size.Value(),
		c.Record.Count.Value(), c.Record.Size.Value(),
		c.Tele.Count.Value(), c.Tele.Size.Value(),
		c.Total.Count.Value(), c.Total.Size.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

package tele

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/log2"
	"github.com/temoto/spq"
)

// OutboxItem is persistent queue record.
type OutboxItem struct {
	Topic   string `protobuf:"bytes,1,opt,name=topic,proto3" json:"topic,omitempty"`
	Payload []byte `protobuf:"bytes,2,opt,name=payload,proto3" json:"payload,omitempty"`
	Qos     uint32 `protobuf:"varint,3,opt,name=qos,proto3" json:"qos,omitempty"`
	Time    int64  `protobuf:"varint,4,opt,name=time,proto3" json:"time,omitempty"`
}

func (m *OutboxItem) Reset()         { *m = OutboxItem{} }
func (m *OutboxItem) String() string { return proto.CompactTextString(m) }
func (*OutboxItem) ProtoMessage()    {}

// denote value type in persistent queue bytes form
const (
	qPublish byte = 1
)

var ErrOutboxFull = errors.New("outbox full")

// Outbox is durable FIFO of publishes, delivered by Run worker.
// Limit counts items pushed since process start and not yet delivered.
type Outbox struct {
	log     *log2.Log
	q       *spq.Queue
	limit   int64
	pending int64 // atomic
	retry   *helpers.Backoff
}

// OpenOutbox path=spq.OnlyForTesting keeps queue in memory.
func OpenOutbox(path string, limit int, log *log2.Log) (*Outbox, error) {
	if path == "" {
		panic("code error outbox path empty")
	}
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "outbox path=%s", path)
	}
	return &Outbox{
		log:   log,
		q:     q,
		limit: int64(limit),
		retry: helpers.NewBackoff(100*time.Millisecond, 10*time.Second, 2),
	}, nil
}

func (o *Outbox) Pending() int { return int(atomic.LoadInt64(&o.pending)) }

func (o *Outbox) Close() error {
	return o.q.Close()
}

func (o *Outbox) Push(item *OutboxItem) error {
	if o.limit > 0 && atomic.LoadInt64(&o.pending) >= o.limit {
		return errors.Annotatef(ErrOutboxFull, "limit=%d topic=%s", o.limit, item.Topic)
	}
	if item.Time == 0 {
		item.Time = time.Now().UnixNano()
	}
	buf := proto.NewBuffer(make([]byte, 0, 256))
	if err := buf.EncodeVarint(uint64(qPublish)); err != nil {
		return err
	}
	if err := buf.Marshal(item); err != nil {
		return errors.Annotate(err, "outbox marshal")
	}
	if err := o.q.Push(buf.Bytes()); err != nil {
		return errors.Annotate(err, "outbox push")
	}
	atomic.AddInt64(&o.pending, 1)
	return nil
}

// Run delivers items in order until Close or ctx done.
// send error keeps item at queue head and calls wait, which must block until retry
// makes sense and return error to stop delivery.
func (o *Outbox) Run(ctx context.Context, send func(context.Context, *OutboxItem) error, wait func(context.Context) error) error {
	go func() {
		<-ctx.Done()
		_ = o.Close()
	}()
	for {
		box, err := o.q.Peek()
		switch err {
		case nil: // success path
		case spq.ErrClosed:
			return nil
		default:
			o.log.Criticalf("outbox spq err=%v", err)
			if err := sleepCtx(ctx, o.retry.Failure()); err != nil {
				return nil
			}
			continue
		}

		b := box.Bytes()
		item, err := decodeOutbox(b)
		if err != nil {
			o.log.Errorf("outbox drop b=%x err=%v", b, err)
			o.delete(box)
			continue
		}
		if err := send(ctx, item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.log.Errorf("outbox send topic=%s err=%v", item.Topic, err)
			if err := wait(ctx); err != nil {
				o.log.Errorf("outbox delivery stopped pending=%d err=%v", o.Pending(), err)
				return err
			}
			if err := sleepCtx(ctx, o.retry.Failure()); err != nil {
				return nil
			}
			continue
		}
		o.retry.Reset()
		o.delete(box)
	}
}

func (o *Outbox) delete(box spq.Box) {
	if err := o.q.Delete(box); err != nil {
		if err != spq.ErrClosed {
			o.log.Errorf("outbox Delete err=%v", err)
		}
		return
	}
	if atomic.AddInt64(&o.pending, -1) < 0 {
		// item pushed by previous process
		atomic.StoreInt64(&o.pending, 0)
	}
}

func decodeOutbox(b []byte) (*OutboxItem, error) {
	if len(b) == 0 {
		return nil, errors.NotValidf("outbox item empty")
	}
	buf := proto.NewBuffer(b)
	tag, err := buf.DecodeVarint()
	if err != nil {
		return nil, errors.Annotate(err, "outbox tag")
	}
	if byte(tag) != qPublish {
		return nil, errors.NotValidf("outbox unknown kind=%d", tag)
	}
	var item OutboxItem
	if err := proto.Unmarshal(b[proto.SizeVarint(tag):], &item); err != nil {
		return nil, errors.Annotate(err, "outbox unmarshal")
	}
	return &item, nil
}

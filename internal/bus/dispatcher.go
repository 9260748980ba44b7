// Package bus adapts message-bus clients (Kafka, MQTT) to a per-partition ordered dispatcher.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Message is one record fetched from a bus.
type Message struct {
	Source    string
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Payload   []byte
	Retained  bool
	Time      time.Time

	// Commit acknowledges the message after it was handled. Nil for buses without acks.
	Commit func(ctx context.Context) error
}

// PartitionKey identifies the ordering domain of m.
func (m Message) PartitionKey() string {
	if m.Source == "kafka" {
		return m.Topic + "/" + strconv.Itoa(m.Partition)
	}
	return m.Topic
}

type Handler func(ctx context.Context, msg Message)

var ErrDispatcherClosed = errors.New("dispatcher closed")

// Dispatcher runs one worker per partition key: messages sharing a key are handled one at a
// time in dispatch order, different keys are handled in parallel.
type Dispatcher struct {
	ctx     context.Context
	handler Handler
	buffer  int

	// sendMu keeps Close from closing a queue under a blocked Dispatch.
	sendMu  sync.RWMutex
	mu      sync.Mutex
	queues  map[string]chan Message
	closed  bool
	workers sync.WaitGroup
}

func NewDispatcher(ctx context.Context, buffer int, h Handler) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{ctx: ctx, handler: h, buffer: buffer, queues: map[string]chan Message{}}
}

// Dispatch enqueues msg on its partition worker, blocking while that worker's queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()
	q, err := d.queue(msg.PartitionKey())
	if err != nil {
		return err
	}
	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) queue(key string) (chan Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	q, ok := d.queues[key]
	if ok {
		return q, nil
	}
	q = make(chan Message, d.buffer)
	d.queues[key] = q
	d.workers.Add(1)
	go d.work(key, q)
	return q, nil
}

func (d *Dispatcher) work(key string, q chan Message) {
	defer d.workers.Done()
	for msg := range q {
		d.handle(msg)
		if msg.Commit != nil {
			if err := msg.Commit(context.WithoutCancel(d.ctx)); err != nil {
				slog.Warn("bus commit failed", "partition", key, "offset", msg.Offset, "error", err)
			}
		}
	}
}

func (d *Dispatcher) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus handler panic", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "panic", r)
		}
	}()
	d.handler(d.ctx, msg)
}

// Close stops accepting messages and waits for queued ones to be handled.
func (d *Dispatcher) Close() {
	d.sendMu.Lock()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.sendMu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.sendMu.Unlock()
	d.workers.Wait()
}

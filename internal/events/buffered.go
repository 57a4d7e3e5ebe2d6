package events

import (
	"context"
	"sync"
	"sync/atomic"
)

// Buffered decouples emitters from a slow sink. Events are queued on a
// bounded channel and drained by one goroutine; when the queue is full the
// event is dropped and counted.
type Buffered struct {
	inner   Sink
	ch      chan queued
	dropped atomic.Uint64
	done    chan struct{}
	once    sync.Once
}

type queued struct {
	ctx context.Context
	ev  Event
}

// NewBuffered starts the drain goroutine. Call Close to flush and stop it.
func NewBuffered(inner Sink, size int) *Buffered {
	if size <= 0 {
		size = 1024
	}
	b := &Buffered{
		inner: OrNop(inner),
		ch:    make(chan queued, size),
		done:  make(chan struct{}),
	}
	go b.drain()
	return b
}

func (b *Buffered) drain() {
	defer close(b.done)
	for q := range b.ch {
		b.inner.Emit(q.ctx, q.ev)
	}
}

// Emit implements Sink. It never blocks.
func (b *Buffered) Emit(ctx context.Context, ev Event) {
	defer func() {
		// send on closed channel after Close
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case b.ch <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		b.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded.
func (b *Buffered) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain or ctx to end.
func (b *Buffered) Close(ctx context.Context) error {
	b.once.Do(func() { close(b.ch) })
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

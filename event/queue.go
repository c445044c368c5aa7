package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ownet/config"
	"ownet/config/logger"
	"ownet/errors"
)

// Queue fans events out to at most one observer. Without an observer,
// events are dropped; with one, producers block once the buffer fills.
type Queue interface {
	Subscribe(ctx context.Context) (<-chan Message, error)
	Publish(msg Message)
	Close()
}

type queue struct {
	size int
	log  logger.Logger

	mu      sync.Mutex
	ch      chan Message
	stop    chan struct{}
	senders sync.WaitGroup
	closed  bool
}

// New creates a Queue with the configured buffer size
func New(cfg *config.Config, log logger.Logger) Queue {
	return &queue{
		size: cfg.Queue.Events,
		log:  log,
	}
}

// Subscribe registers the single observer. The returned channel is
// closed when the subscription context ends or the queue closes.
func (q *queue) Subscribe(ctx context.Context) (<-chan Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, errors.ErrServerClosed
	}

	if q.ch != nil {
		return nil, errors.ErrObserverBusy
	}

	q.ch = make(chan Message, q.size)
	q.stop = make(chan struct{})

	ch, stop := q.ch, q.stop

	go func() {
		select {
		case <-ctx.Done():
			q.drop(ch)
		case <-stop:
		}
	}()

	return ch, nil
}

// Publish delivers an event to the observer, blocking while its buffer
// is full. Without an observer the event is dropped.
func (q *queue) Publish(msg Message) {
	msg.Timestamp = time.Now()

	if q.log != nil {
		q.log.Debug().Msg(fmt.Sprintf("%s %s", msg.Type, formatData(msg.Data)))
	}

	q.mu.Lock()
	ch, stop := q.ch, q.stop
	if ch != nil {
		q.senders.Add(1)
	}
	q.mu.Unlock()

	if ch == nil {
		return
	}

	defer q.senders.Done()

	select {
	case ch <- msg:
	case <-stop:
	}
}

// Close ends the subscription and closes the observer channel
func (q *queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	q.closed = true
	q.mu.Unlock()

	q.drop(nil)
}

// drop tears down the current subscription. When ch is non-nil, only a
// subscription still using that exact channel is torn down.
func (q *queue) drop(ch chan Message) {
	q.mu.Lock()

	if q.ch == nil || (ch != nil && q.ch != ch) {
		q.mu.Unlock()
		return
	}

	cur, stop := q.ch, q.stop
	q.ch = nil
	q.stop = nil
	q.mu.Unlock()

	close(stop)
	q.senders.Wait()
	close(cur)
}

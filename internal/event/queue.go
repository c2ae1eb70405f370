package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	ErrQueueFull   = errors.New("event queue is full")
	ErrQueueClosed = errors.New("event queue is closed")
)

type subscriber struct {
	name    string
	handler Handler
}

// Queue is a buffered in-process event queue. Publish never blocks; each
// event is delivered once to every subscriber by one of the workers.
type Queue struct {
	events chan WorkflowEvent
	logger *logrus.Logger

	mu          sync.RWMutex
	subscribers []subscriber
	closed      bool

	wg sync.WaitGroup
}

func NewQueue(size int, logger *logrus.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		events: make(chan WorkflowEvent, size),
		logger: logger,
	}
}

// Subscribe registers h under name. Subscribe before Start.
func (q *Queue) Subscribe(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subscribers = append(q.subscribers, subscriber{name: name, handler: h})
}

func (q *Queue) Publish(ctx context.Context, ev WorkflowEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Start launches workers that drain the queue until Close.
func (q *Queue) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for ev := range q.events {
				q.deliver(ctx, ev)
			}
		}()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) deliver(ctx context.Context, ev WorkflowEvent) {
	q.mu.RLock()
	subs := make([]subscriber, len(q.subscribers))
	copy(subs, q.subscribers)
	q.mu.RUnlock()

	for _, s := range subs {
		q.safeHandle(ctx, s, ev)
	}
}

func (q *Queue) safeHandle(ctx context.Context, s subscriber, ev WorkflowEvent) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(logrus.Fields{
				"subscriber": s.name,
				"event":      ev.Kind,
				"request_id": ev.RequestID,
				"panic":      fmt.Sprint(r),
			}).Error("Event handler panicked")
		}
	}()
	s.handler(ctx, ev)
}

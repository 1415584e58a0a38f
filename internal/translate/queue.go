package translate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/auricle-ai/auricle/pkg/types"
)

// Queue defaults. Depth bounds memory per session; when the queue is full
// new requests are dropped (translation is best-effort).
const (
	defaultWorkers = 2
	defaultDepth   = 32
)

// Request asks for one segment's text in the target language.
type Request struct {
	SegmentID  string
	Text       string
	TargetLang string
}

// Result carries a completed translation back to the session.
type Result struct {
	SegmentID   string
	Translation types.Translation
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the number of concurrent translation workers.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithDepth sets the pending-request buffer size.
func WithDepth(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.depth = n
		}
	}
}

// WithDropObserver registers a callback invoked with the outcome of each
// request ("ok", "failed", "dropped"). Used to feed the translation counter.
func WithDropObserver(fn func(outcome string)) QueueOption {
	return func(q *Queue) { q.observe = fn }
}

// Queue is a per-session bounded translation pipeline. Workers pull
// requests, call the Translator, and hand results to the emit callback.
type Queue struct {
	translator Translator
	emit       func(Result)
	observe    func(outcome string)

	workers int
	depth   int

	requests chan Request
	wg       sync.WaitGroup
	once     sync.Once
}

// NewQueue starts a Queue bound to ctx. The emit callback runs on worker
// goroutines; it must be safe for concurrent use.
func NewQueue(ctx context.Context, translator Translator, emit func(Result), opts ...QueueOption) *Queue {
	q := &Queue{
		translator: translator,
		emit:       emit,
		workers:    defaultWorkers,
		depth:      defaultDepth,
	}
	for _, o := range opts {
		o(q)
	}
	q.requests = make(chan Request, q.depth)

	for range q.workers {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

// Submit enqueues a translation request. When the queue is full the request
// is dropped and logged.
func (q *Queue) Submit(req Request) {
	select {
	case q.requests <- req:
	default:
		slog.Warn("translation queue full, dropping request", "segment_id", req.SegmentID)
		q.observed("dropped")
	}
}

// Close stops accepting requests and waits for in-flight work to drain.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.requests) })
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-q.requests:
			if !ok {
				return
			}
			text, err := q.translator.Translate(ctx, req.Text, req.TargetLang)
			if err != nil {
				slog.Warn("translation failed",
					"segment_id", req.SegmentID, "target", req.TargetLang, "err", err)
				q.observed("failed")
				continue
			}
			q.observed("ok")
			q.emit(Result{
				SegmentID:   req.SegmentID,
				Translation: types.Translation{Lang: req.TargetLang, Text: text},
			})
		}
	}
}

func (q *Queue) observed(outcome string) {
	if q.observe != nil {
		q.observe(outcome)
	}
}

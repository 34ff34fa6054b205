// Package logging implements the WAF's bounded-queue, batch-flushing async
// JSON logger and its separate audit sink. slog is the underlying JSON
// writer; enqueue is made non-blocking and batched, which a bare
// slog.Logger does not provide on its own.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 10000
	batchSize        = 100
	flushInterval    = 1000 * time.Millisecond
)

// Event is one structured log entry. Fields beyond EventType/Time are
// carried as slog key/value pairs so each event shape (waf_request,
// rule_match, rate_limit_exceeded, error) can declare its own fields.
type Event struct {
	EventType string
	Attrs     []slog.Attr
}

// Logger is a bounded channel feeding a single writer goroutine that
// batches up to batchSize messages or flushes every flushInterval.
// Enqueue (Log) is non-blocking: on a full queue the event is dropped and
// lostLogs is incremented.
type Logger struct {
	ch       chan Event
	out      *slog.Logger
	lostLogs atomic.Int64
	overflowLogged atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Logger writing JSON lines to os.Stdout with a queue of
// the given size (0 selects the default of 10000).
func New(queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	l := &Logger{
		ch:   make(chan Event, queueSize),
		out:  slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		done: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues an event without blocking. On a full queue it is dropped;
// the drop is itself logged once per overflow episode.
func (l *Logger) Log(eventType string, attrs ...slog.Attr) {
	select {
	case l.ch <- Event{EventType: eventType, Attrs: attrs}:
		l.overflowLogged.Store(false)
	default:
		l.lostLogs.Add(1)
		if l.overflowLogged.CompareAndSwap(false, true) {
			l.out.Warn("log queue full, dropping events", "event_type", eventType)
		}
	}
}

// LostLogs returns the cumulative count of events dropped due to a full
// queue.
func (l *Logger) LostLogs() int64 {
	return l.lostLogs.Load()
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)
	flush := func() {
		for _, e := range batch {
			l.out.LogAttrs(context.Background(), slog.LevelInfo, e.EventType, e.Attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.done:
			// Drain whatever is queued before exiting.
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close stops the writer goroutine after draining the queue.
func (l *Logger) Close() {
	close(l.done)
	l.wg.Wait()
}

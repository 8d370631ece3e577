package eventbus

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/contentforge/jobserver/pkg/models"
)

// Sink is the minimal surface Stream needs from an HTTP response writer: an
// io.Writer plus the ability to flush buffered bytes to the client after
// every frame, so SSE frames are delivered promptly instead of batched by
// the transport's own buffering.
type Sink interface {
	io.Writer
	Flush()
}

// Stream writes jobID's event log to w as a server-sent-events stream,
// starting after afterEventID (0 to replay from the beginning), and blocks
// until the job reaches a terminal event, the log is GC'd out from under
// it, or ctx is cancelled (the client disconnected).
//
// Frames are "data: {json}\n\n" for real events and ": keep-alive\n\n"
// comments for synthetic pacing events, which are never persisted and
// never advance the cursor.
func (b *Bus) Stream(ctx context.Context, jobID string, afterEventID int, w Sink) error {
	cursor := afterEventID

	b.mu.RLock()
	l0, ok := b.logs[jobID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("eventbus: job %s has no active stream", jobID)
	}
	changed := newChangeWaiter(l0)
	defer changed.stop()

	for {
		b.mu.RLock()
		l, ok := b.logs[jobID]
		b.mu.RUnlock()
		if !ok {
			return fmt.Errorf("eventbus: job %s has no active stream", jobID)
		}

		l.mu.Lock()
		pending := pendingSinceLocked(l, cursor)
		status := l.status
		runningFor := sinceOrZero(l.runningAt)
		terminalFor := sinceOrZero(l.terminalAt)
		fastLane := l.fastLane
		isTerminal := !l.terminalAt.IsZero()
		l.mu.Unlock()

		for _, ev := range pending {
			if err := writeFrame(w, ev); err != nil {
				return err
			}
			cursor = ev.EventID
		}
		if len(pending) > 0 {
			w.Flush()
			continue
		}

		if isTerminal {
			return nil
		}

		interval := pollInterval(status, runningFor, terminalFor, fastLane)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
			w.Flush()
		case <-changed.c:
			// A new event or terminal transition landed; loop immediately.
		}
	}
}

// changeWaiter adapts jobLog's sync.Cond into a channel usable in a select,
// so Stream can race a cond wake-up against the keep-alive timer and context
// cancellation. It runs a single background goroutine for the lifetime of
// one Stream call instead of spawning one per poll iteration.
type changeWaiter struct {
	l       *jobLog
	c       chan struct{}
	stopped chan struct{}
}

func newChangeWaiter(l *jobLog) *changeWaiter {
	w := &changeWaiter{l: l, c: make(chan struct{}, 1), stopped: make(chan struct{})}
	go func() {
		for {
			l.mu.Lock()
			select {
			case <-w.stopped:
				l.mu.Unlock()
				return
			default:
			}
			l.cond.Wait()
			l.mu.Unlock()

			select {
			case w.c <- struct{}{}:
			default:
			}
			select {
			case <-w.stopped:
				return
			default:
			}
		}
	}()
	return w
}

// stop asks the background goroutine to exit and nudges it out of its
// current cond.Wait so it does not linger until some unrelated future
// Publish/Terminate call on the same log.
func (w *changeWaiter) stop() {
	close(w.stopped)
	w.l.mu.Lock()
	w.l.cond.Broadcast()
	w.l.mu.Unlock()
}

func pendingSinceLocked(l *jobLog, cursor int) []models.Event {
	out := make([]models.Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.EventID > cursor {
			out = append(out, ev)
		}
	}
	return out
}

func writeFrame(w io.Writer, ev models.Event) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func sinceOrZero(t time.Time) time.Duration {
	if t.IsZero() {
		return 0
	}
	return time.Since(t)
}

// Package eventbus implements a bounded, per-job ordered event log that
// subscribers replay from a cursor and then tail live. Each job gets its
// own in-process log guarded by a condition variable rather than a single
// shared broadcast channel, so a slow subscriber on one job never backs up
// delivery for any other job.
package eventbus

import (
	"sync"
	"time"

	"github.com/contentforge/jobserver/pkg/models"
)

// maxLogBytes bounds a job's retained event log: 64KB or 2 minutes after
// the terminal event, whichever comes first, trims the log, not the live
// subscriber stream.
const maxLogBytes = 64 * 1024

// terminalRetention is how long a log survives after its terminal event
// before gc() reclaims it.
const terminalRetention = 2 * time.Minute

// pollInterval returns the adaptive wait between live-tail wake-ups used
// when no new event arrives on the condition variable before the deadline,
// at which point a keep-alive is synthesized.
func pollInterval(status models.JobStatus, runningFor time.Duration, terminalFor time.Duration, fastLane bool) time.Duration {
	switch {
	case status == models.JobPending:
		return time.Second
	case status == models.JobRunning && fastLane:
		return 200 * time.Millisecond
	case status == models.JobRunning && runningFor < 30*time.Second:
		return 300 * time.Millisecond
	case status == models.JobRunning && runningFor < 120*time.Second:
		return 500 * time.Millisecond
	case status == models.JobRunning:
		return time.Second
	case status.Terminal() && terminalFor < 5*time.Second:
		return 500 * time.Millisecond
	default:
		return time.Second
	}
}

// jobLog is the ordered, size-bounded event history for a single job.
type jobLog struct {
	mu         sync.Mutex
	cond       *sync.Cond
	events     []models.Event
	bytes      int
	nextID     int
	status     models.JobStatus
	runningAt  time.Time
	terminalAt time.Time
	fastLane   bool
}

func newJobLog(fastLane bool) *jobLog {
	l := &jobLog{status: models.JobPending, nextID: 1, fastLane: fastLane}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Bus owns every active job's event log and periodically reclaims logs
// past their terminal retention window.
type Bus struct {
	mu   sync.RWMutex
	logs map[string]*jobLog
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{logs: make(map[string]*jobLog)}
}

// Open registers a new job's log. fastLane marks jobs whose content types
// (audio/video) get the tighter 200ms poll cadence.
func (b *Bus) Open(jobID string, fastLane bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[jobID] = newJobLog(fastLane)
}

// Publish appends an event to jobID's log, approximating each event's
// footprint for the byte budget by a fixed overhead plus its payload's key
// and string-value lengths. Publishing to an
// unopened or already-GC'd job is a silent no-op: the job is gone.
func (b *Bus) Publish(jobID string, kind models.EventKind, payload map[string]any) {
	b.mu.RLock()
	l, ok := b.logs[jobID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ev := models.Event{
		JobID:     jobID,
		EventID:   l.nextID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	l.nextID++
	l.events = append(l.events, ev)
	l.bytes += approxSize(payload)

	switch kind {
	case models.EventKindJobStarted:
		l.status = models.JobRunning
		l.runningAt = time.Now()
	case models.EventKindComplete, models.EventKindCancelled, models.EventKindError:
		if l.terminalAt.IsZero() {
			l.terminalAt = time.Now()
		}
	}

	l.trimLocked()
	l.cond.Broadcast()
}

// Terminate marks jobID's log as closed without necessarily having
// published a terminal event itself (e.g. the scheduler force-cancelled a
// job whose pipeline never got a chance to emit one).
func (b *Bus) Terminate(jobID string) {
	b.mu.RLock()
	l, ok := b.logs[jobID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	l.mu.Lock()
	if l.terminalAt.IsZero() {
		l.terminalAt = time.Now()
	}
	l.cond.Broadcast()
	l.mu.Unlock()
}

// trimLocked enforces the byte budget by dropping the oldest events. Called
// with l.mu held.
func (l *jobLog) trimLocked() {
	for l.bytes > maxLogBytes && len(l.events) > 1 {
		l.bytes -= approxSize(l.events[0].Payload)
		l.events = l.events[1:]
	}
}

func approxSize(payload map[string]any) int {
	size := 32
	for k, v := range payload {
		size += len(k) + 16
		if s, ok := v.(string); ok {
			size += len(s)
		}
	}
	return size
}

// GC drops every job log whose terminal event is older than
// terminalRetention. Intended to run on a ticker from main.go.
func (b *Bus) GC(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, l := range b.logs {
		l.mu.Lock()
		expired := !l.terminalAt.IsZero() && now.Sub(l.terminalAt) > terminalRetention
		l.mu.Unlock()
		if expired {
			delete(b.logs, id)
		}
	}
}

// Len reports how many job logs are currently retained (diagnostics/tests).
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.logs)
}

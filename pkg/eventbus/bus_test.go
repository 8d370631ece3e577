package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentforge/jobserver/pkg/models"
)

func TestPublishToUnopenedJobIsNoOp(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Publish("unknown-job", models.EventKindStatus, map[string]any{"status": "pending"})
	})
}

func TestPublishAssignsIncreasingEventIDs(t *testing.T) {
	b := New()
	b.Open("job-1", false)

	b.Publish("job-1", models.EventKindJobStarted, map[string]any{})
	b.Publish("job-1", models.EventKindStageProgress, map[string]any{"stage": "write"})
	b.Publish("job-1", models.EventKindComplete, map[string]any{})

	l := b.logs["job-1"]
	l.mu.Lock()
	defer l.mu.Unlock()
	require.Len(t, l.events, 3)
	assert.Equal(t, 1, l.events[0].EventID)
	assert.Equal(t, 2, l.events[1].EventID)
	assert.Equal(t, 3, l.events[2].EventID)
}

func TestPublishJobStartedTransitionsStatusToRunning(t *testing.T) {
	b := New()
	b.Open("job-1", false)
	b.Publish("job-1", models.EventKindJobStarted, map[string]any{})

	l := b.logs["job-1"]
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, models.JobRunning, l.status)
	assert.False(t, l.runningAt.IsZero())
}

func TestPublishTerminalEventSetsTerminalAtOnce(t *testing.T) {
	b := New()
	b.Open("job-1", false)
	b.Publish("job-1", models.EventKindComplete, map[string]any{})

	l := b.logs["job-1"]
	l.mu.Lock()
	first := l.terminalAt
	l.mu.Unlock()

	b.Publish("job-1", models.EventKindComplete, map[string]any{})
	l.mu.Lock()
	second := l.terminalAt
	l.mu.Unlock()

	assert.Equal(t, first, second)
}

func TestTerminateMarksTerminalEvenWithoutTerminalEvent(t *testing.T) {
	b := New()
	b.Open("job-1", false)
	b.Terminate("job-1")

	l := b.logs["job-1"]
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.False(t, l.terminalAt.IsZero())
}

func TestTrimLockedEnforcesByteBudget(t *testing.T) {
	b := New()
	b.Open("job-1", false)

	big := make([]byte, maxLogBytes)
	for i := range big {
		big[i] = 'x'
	}

	b.Publish("job-1", models.EventKindContentChunk, map[string]any{"text": string(big)})
	b.Publish("job-1", models.EventKindContentChunk, map[string]any{"text": "small"})

	l := b.logs["job-1"]
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.LessOrEqual(t, len(l.events), 2)
	assert.LessOrEqual(t, l.bytes, maxLogBytes+64)
}

func TestGCRemovesExpiredTerminalLogs(t *testing.T) {
	b := New()
	b.Open("job-1", false)
	b.Terminate("job-1")

	// Force the terminal timestamp into the past.
	l := b.logs["job-1"]
	l.mu.Lock()
	l.terminalAt = time.Now().Add(-terminalRetention - time.Second)
	l.mu.Unlock()

	b.GC(time.Now())
	assert.Equal(t, 0, b.Len())
}

func TestGCKeepsNonExpiredLogs(t *testing.T) {
	b := New()
	b.Open("job-1", false)
	b.Open("job-2", false)
	b.Terminate("job-1")

	b.GC(time.Now())
	assert.Equal(t, 2, b.Len())
}

func TestPollIntervalFastLaneIsTighterThanDefault(t *testing.T) {
	fast := pollInterval(models.JobRunning, 5*time.Second, 0, true)
	normal := pollInterval(models.JobRunning, 5*time.Second, 0, false)
	assert.Less(t, fast, normal)
}

func TestPollIntervalWidensAsRunningContinues(t *testing.T) {
	early := pollInterval(models.JobRunning, 1*time.Second, 0, false)
	later := pollInterval(models.JobRunning, 200*time.Second, 0, false)
	assert.LessOrEqual(t, early, later)
}

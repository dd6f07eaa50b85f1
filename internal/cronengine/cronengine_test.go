package cronengine_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiascheduler/comet-agent/internal/cronengine"
)

// S2 — timer fire and stop: a */1 second schedule fires at least twice
// within 2.5s, and Remove stops further fires.
func TestAddRemove_FireAndStop(t *testing.T) {
	e, err := cronengine.New(time.Local)
	require.NoError(t, err)
	e.Start()
	defer e.Shutdown() //nolint:errcheck

	var fires int32
	next, err := e.Add("job-1", "*/1 * * * * *", func(eid string) {
		assert.Equal(t, "job-1", eid)
		atomic.AddInt32(&fires, 1)
	})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now().Add(-time.Second)))

	time.Sleep(2500 * time.Millisecond)
	require.NoError(t, e.Remove("job-1"))

	seenAtStop := atomic.LoadInt32(&fires)
	assert.GreaterOrEqual(t, seenAtStop, int32(2))

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, seenAtStop, atomic.LoadInt32(&fires), "no fires after Remove")

	assert.Nil(t, e.NextRun("job-1"))
}

// Cron replacement: re-adding a schedule for the same eid replaces the
// prior one — only the second expression's job remains registered.
func TestAdd_ReplacesPriorSchedule(t *testing.T) {
	e, err := cronengine.New(time.Local)
	require.NoError(t, err)
	e.Start()
	defer e.Shutdown() //nolint:errcheck

	var firstFires, secondFires int32
	_, err = e.Add("job-1", "0 0 1 1 *", func(string) { atomic.AddInt32(&firstFires, 1) })
	require.NoError(t, err)

	_, err = e.Add("job-1", "*/1 * * * * *", func(string) { atomic.AddInt32(&secondFires, 1) })
	require.NoError(t, err)

	time.Sleep(1500 * time.Millisecond)
	require.NoError(t, e.Remove("job-1"))

	assert.Equal(t, int32(0), atomic.LoadInt32(&firstFires), "replaced schedule must never fire")
	assert.Greater(t, atomic.LoadInt32(&secondFires), int32(0), "replacement schedule must fire")
}

// Remove on an eid with no schedule is a silent no-op.
func TestRemove_UnknownEid(t *testing.T) {
	e, err := cronengine.New(time.Local)
	require.NoError(t, err)
	e.Start()
	defer e.Shutdown() //nolint:errcheck

	assert.NoError(t, e.Remove("ghost"))
}

// An invalid cron expression is rejected at Add time.
func TestAdd_InvalidExpression(t *testing.T) {
	e, err := cronengine.New(time.Local)
	require.NoError(t, err)
	e.Start()
	defer e.Shutdown() //nolint:errcheck

	_, err = e.Add("job-1", "not a cron expr", func(string) {})
	assert.Error(t, err)
}

// NextRun returns nil for an eid that was never scheduled.
func TestNextRun_NeverScheduled(t *testing.T) {
	e, err := cronengine.New(time.Local)
	require.NoError(t, err)
	e.Start()
	defer e.Shutdown() //nolint:errcheck

	assert.Nil(t, e.NextRun("never-seen"))
}

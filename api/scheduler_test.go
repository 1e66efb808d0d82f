package api

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/exeat-engine/exeat"
	"github.com/warp/exeat-engine/exeat/store"
)

// brokenStore fails every listing so both sweeps error out.
type brokenStore struct {
	exeat.TxStore
}

func (brokenStore) ListRequestsByStatus(context.Context, []exeat.Status) ([]exeat.Request, error) {
	return nil, errors.New("connection reset")
}

func newSchedulerEngine(s exeat.TxStore, now time.Time) *exeat.Engine {
	return exeat.NewEngine(s, exeat.Config{
		Clock:  exeat.FixedClock(now),
		Logger: log.New(io.Discard, "", 0),
	})
}

func TestSweepScheduler_RunNowRecordsBothSweeps(t *testing.T) {
	// GIVEN: A scheduler over an empty store
	// WHEN: RunNow is called
	// THEN: One expiry and one overdue run are saved, newest first
	mem := store.NewMemory()
	now := time.Date(2024, time.January, 13, 0, 0, 1, 0, time.UTC)
	s := NewSweepScheduler(newSchedulerEngine(mem, now), mem)

	runs := s.RunNow(context.Background())

	require.Len(t, runs, 2)
	assert.Equal(t, exeat.SweepExpiry, runs[0].Kind)
	assert.Equal(t, exeat.SweepOverdueMonitor, runs[1].Kind)
	assert.NotEqual(t, runs[0].ID, runs[1].ID)

	saved, err := mem.ListSweepRuns(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, runs[1].ID, saved[0].ID)
}

func TestSweepScheduler_FailedSweepIsRecorded(t *testing.T) {
	mem := store.NewMemory()
	now := time.Date(2024, time.January, 13, 0, 0, 1, 0, time.UTC)
	s := NewSweepScheduler(newSchedulerEngine(brokenStore{mem}, now), mem)

	runs := s.RunNow(context.Background())

	require.Len(t, runs, 2)
	for _, run := range runs {
		assert.Contains(t, run.Error, "connection reset")
		assert.Equal(t, now, run.StartedAt)
	}

	_, err := s.RunOne(context.Background(), exeat.SweepExpiry)
	assert.Error(t, err)

	saved, err := mem.ListSweepRuns(context.Background(), exeat.SweepExpiry, 0)
	require.NoError(t, err)
	assert.Len(t, saved, 2)
}

func TestSweepScheduler_RunOneUnknownKind(t *testing.T) {
	mem := store.NewMemory()
	s := NewSweepScheduler(newSchedulerEngine(mem, time.Now()), nil)

	_, err := s.RunOne(context.Background(), "reconcile")

	assert.ErrorIs(t, err, errUnknownSweep)
}

func TestSweepScheduler_StartStop(t *testing.T) {
	// GIVEN: An enabled scheduler with a short interval
	// WHEN: Started and stopped
	// THEN: At least the immediate run is saved and Stop returns
	mem := store.NewMemory()
	s := NewSweepScheduler(newSchedulerEngine(mem, time.Now()), mem)
	s.CheckInterval = 10 * time.Millisecond

	require.NoError(t, s.Start())
	require.NoError(t, s.Start()) // no second loop
	require.Eventually(t, func() bool {
		runs, _ := mem.ListSweepRuns(context.Background(), "", 0)
		return len(runs) >= 2
	}, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestSweepScheduler_DisabledDoesNotRun(t *testing.T) {
	mem := store.NewMemory()
	s := NewSweepScheduler(newSchedulerEngine(mem, time.Now()), mem)
	s.Enabled = false

	require.NoError(t, s.Start())
	s.Stop()

	runs, err := mem.ListSweepRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSweepScheduler_CronSchedule(t *testing.T) {
	mem := store.NewMemory()
	s := NewSweepScheduler(newSchedulerEngine(mem, time.Now()), mem)

	s.Schedule = "not a cron spec"
	assert.Error(t, s.Start())

	s.Schedule = "5 0 * * *"
	s.Location = time.UTC
	require.NoError(t, s.Start())
	s.Stop()

	// A daily 00:05 schedule does not fire on start.
	runs, err := mem.ListSweepRuns(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every (stage, percent) event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []progressEvent
}

type progressEvent struct {
	stage   string
	percent int
}

func (s *recordingSink) Report(stage string, percent int) {
	s.mu.Lock()
	s.events = append(s.events, progressEvent{stage, percent})
	s.mu.Unlock()
}

// stageOrder returns the distinct stage names in first-seen order.
func (s *recordingSink) stageOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var order []string
	for _, e := range s.events {
		if len(order) == 0 || order[len(order)-1] != e.stage {
			order = append(order, e.stage)
		}
	}
	return order
}

func (s *recordingSink) assertMonotonic(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.events)
	last := 0
	for _, e := range s.events {
		assert.GreaterOrEqual(t, e.percent, last, "stage %s", e.stage)
		last = e.percent
	}
	assert.Equal(t, 100, last)
}

func TestStageTrackerClampsBackwardMovement(t *testing.T) {
	sink := &recordingSink{}
	tracker := newStageTracker(sink)

	tracker.Enter(stageCleanupBackup)
	p := tracker.Transfer(stageCleanupBackup)
	p(50, 100) // Backup midpoint, percent 20
	tracker.Done(stageCleanupBackup)

	// A stage entered below the high-water mark must not move backward.
	tracker.report(stageCleanupBackup.Name, 10)

	last := 0
	for _, e := range sink.events {
		assert.GreaterOrEqual(t, e.percent, last)
		last = e.percent
	}
	assert.Equal(t, 35, last)
}

func TestStageTrackerTransferMapsWindow(t *testing.T) {
	sink := &recordingSink{}
	tracker := newStageTracker(sink)

	p := tracker.Transfer(stageMigrateCopying)
	p(0, 1000)
	p(500, 1000)
	p(1000, 1000)

	require.Len(t, sink.events, 3)
	assert.Equal(t, 10, sink.events[0].percent)
	assert.Equal(t, 45, sink.events[1].percent)
	assert.Equal(t, 80, sink.events[2].percent)
}

func TestStageTrackerScaledAccumulates(t *testing.T) {
	sink := &recordingSink{}
	tracker := newStageTracker(sink)

	// Two moves of 600 and 400 sectors share the Copying window.
	first := tracker.Scaled(stageMigrateCopying, 0, 1000)
	first(600, 600)
	second := tracker.Scaled(stageMigrateCopying, 600, 1000)
	second(400, 400)

	require.Len(t, sink.events, 2)
	assert.Equal(t, 10+70*600/1000, sink.events[0].percent)
	assert.Equal(t, 80, sink.events[1].percent)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := multiSink{a, b}
	m.Report("Copying", 42)
	require.Len(t, a.events, 1)
	require.Len(t, b.events, 1)
	assert.Equal(t, a.events[0], b.events[0])
}

func TestNilSinkIsSafe(t *testing.T) {
	tracker := newStageTracker(nil)
	tracker.Enter(stageMigratePreparing)
	tracker.Done(stageMigrateComplete)
}

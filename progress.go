package main

import (
	"fmt"
	"sync"

	"github.com/gosuri/uilive"
	"github.com/sirupsen/logrus"
)

// ProgressSink receives ordered (stage, percent) events from an
// orchestrator. Implementations must not block; the copy loop calls
// through here between chunks.
type ProgressSink interface {
	Report(stage string, percent int)
}

// stageSpan is one stage's name and its percent window within an
// operation.
type stageSpan struct {
	Name string
	From int
	To   int
}

// Stage tables for the two operations. Percent values are part of the
// external contract with progress consumers.
var (
	stageMigratePreparing = stageSpan{"Preparing", 5, 5}
	stageMigrateCopying   = stageSpan{"Copying", 10, 80}
	stageMigrateTables    = stageSpan{"Writing Tables", 85, 90}
	stageMigrateConfig    = stageSpan{"Config Update", 95, 99}
	stageMigrateComplete  = stageSpan{"Complete", 100, 100}

	stageCleanupBackup   = stageSpan{"Backup", 5, 35}
	stageCleanupClean    = stageSpan{"Clean", 40, 45}
	stageCleanupTable    = stageSpan{"Write Table", 50, 55}
	stageCleanupFormat   = stageSpan{"Create FAT32", 60, 70}
	stageCleanupRestore  = stageSpan{"Restore", 75, 95}
	stageCleanupConfig   = stageSpan{"Config Update", 97, 99}
	stageCleanupComplete = stageSpan{"Complete", 100, 100}
)

// stageTracker feeds a sink and enforces that percent never moves
// backward within one operation, even when stages overlap their math.
type stageTracker struct {
	sink ProgressSink
	mu   sync.Mutex
	last int
}

func newStageTracker(sink ProgressSink) *stageTracker {
	if sink == nil {
		sink = nopSink{}
	}
	return &stageTracker{sink: sink}
}

// Enter reports the start of a stage at its lower percent bound.
func (t *stageTracker) Enter(s stageSpan) {
	t.report(s.Name, s.From)
}

// Done reports a stage at its upper bound.
func (t *stageTracker) Done(s stageSpan) {
	t.report(s.Name, s.To)
}

// Transfer returns a transferProgress that maps sector completion onto
// the stage's percent window.
func (t *stageTracker) Transfer(s stageSpan) transferProgress {
	return func(done, total uint64) {
		if total == 0 {
			return
		}
		span := s.To - s.From
		t.report(s.Name, s.From+int(uint64(span)*done/total))
	}
}

// Scaled returns a transferProgress for one slice of a stage whose work
// is split across several ranges: the slice covers [offset, offset+size)
// of totalWork sectors.
func (t *stageTracker) Scaled(s stageSpan, offset, totalWork uint64) transferProgress {
	return func(done, _ uint64) {
		if totalWork == 0 {
			return
		}
		span := s.To - s.From
		t.report(s.Name, s.From+int(uint64(span)*(offset+done)/totalWork))
	}
}

func (t *stageTracker) report(stage string, percent int) {
	t.mu.Lock()
	if percent < t.last {
		percent = t.last
	}
	t.last = percent
	t.mu.Unlock()
	t.sink.Report(stage, percent)
}

type nopSink struct{}

func (nopSink) Report(string, int) {}

// uiliveSink renders an in-place progress line on a terminal.
type uiliveSink struct {
	w *uilive.Writer
}

func newUiliveSink() *uiliveSink {
	w := uilive.New()
	w.Start()
	return &uiliveSink{w: w}
}

func (s *uiliveSink) Report(stage string, percent int) {
	fmt.Fprintf(s.w, "%-16s %3d%%\n", stage, percent)
	_ = s.w.Flush()
}

func (s *uiliveSink) Stop() {
	s.w.Stop()
}

// logSink mirrors progress into the structured log. Stage transitions
// log at info, in-stage percent movement at debug.
type logSink struct {
	log       *logrus.Entry
	mu        sync.Mutex
	lastStage string
}

func newLogSink(log *logrus.Entry) *logSink {
	return &logSink{log: log}
}

func (s *logSink) Report(stage string, percent int) {
	s.mu.Lock()
	changed := stage != s.lastStage
	s.lastStage = stage
	s.mu.Unlock()

	entry := s.log.WithFields(logrus.Fields{"stage": stage, "percent": percent})
	if changed {
		entry.Info("stage")
		return
	}
	entry.Debug("progress")
}

// multiSink fans one event stream out to several sinks.
type multiSink []ProgressSink

func (m multiSink) Report(stage string, percent int) {
	for _, s := range m {
		s.Report(stage, percent)
	}
}

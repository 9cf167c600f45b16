// Package timer implements the analysis timer (C10): an in-memory
// start-time map plus a per-party, append-only duration log, used to audit
// pipeline latency out of band from the status store.
//
// Grounded on original_source/mpc/timing.py's AnalysisTimer: start()
// records (and, with a warning, overwrites) a wall-clock start time keyed
// by analysis_id; end() looks that start time up, computes the duration,
// and appends "Analysis ID: <id>, Duration: <sec> seconds\n" to
// analysis_times_<party_index>.log. A missing start time is a logged
// no-op, not an error, matching the original's behavior.
package timer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Timer tracks in-flight analysis start times and appends completed
// durations to a per-party log file.
type Timer struct {
	mu          sync.Mutex
	path        string
	now         func() time.Time
	log         zerolog.Logger
	startTimes  map[string]time.Time
}

// New returns a Timer appending to the duration log for partyIndex under
// dir.
func New(dir string, partyIndex int, log zerolog.Logger) *Timer {
	return &Timer{
		path:       fmt.Sprintf("%s/analysis_times_%d.log", dir, partyIndex),
		now:        time.Now,
		log:        log,
		startTimes: make(map[string]time.Time),
	}
}

// WithClock overrides the time source, for tests.
func (t *Timer) WithClock(now func() time.Time) *Timer {
	t.now = now
	return t
}

// Start records the start time for analysisID, overwriting (with a logged
// warning) any start time already recorded for it.
func (t *Timer) Start(analysisID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.startTimes[analysisID]; exists {
		t.log.Warn().Str("analysis_id", analysisID).Msg("overwriting existing start time")
	}
	t.startTimes[analysisID] = t.now()
}

// End computes the duration since the matching Start call and appends it
// to the duration log. If no start time was recorded for analysisID, this
// logs and returns without writing anything.
func (t *Timer) End(analysisID string) error {
	t.mu.Lock()
	start, ok := t.startTimes[analysisID]
	if ok {
		delete(t.startTimes, analysisID)
	}
	t.mu.Unlock()

	if !ok {
		t.log.Warn().Str("analysis_id", analysisID).Msg("no existing start time, cannot calculate duration")
		return nil
	}

	duration := t.now().Sub(start).Seconds()
	return t.save(analysisID, duration)
}

func (t *Timer) save(analysisID string, durationSeconds float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("timer: opening %s: %w", t.path, err)
	}
	defer f.Close()

	line := fmt.Sprintf("Analysis ID: %s, Duration: %.2f seconds\n", analysisID, durationSeconds)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("timer: appending to %s: %w", t.path, err)
	}
	return nil
}

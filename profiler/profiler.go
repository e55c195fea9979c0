// Package profiler - lightweight runtime statistics for the detection
// pipeline: per-stage wall-clock tracking and process memory snapshots.
package profiler

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeTracker accumulates timing statistics for one named pipeline stage.
type TimeTracker struct {
	name      string
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Stats is a point-in-time summary of a tracked stage.
type Stats struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P95   time.Duration
}

// Profiler tracks stage timings across a run. All methods are safe for
// concurrent use.
type Profiler struct {
	mu     sync.Mutex
	stages map[string]*TimeTracker
	log    zerolog.Logger
}

// New creates a profiler reporting through the given logger.
func New(log zerolog.Logger) *Profiler {
	return &Profiler{
		stages: make(map[string]*TimeTracker),
		log:    log,
	}
}

// Track records the duration of one invocation of a stage.
func (p *Profiler) Track(stage string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.stages[stage]
	if !ok {
		t = &TimeTracker{name: stage, minTime: d, maxTime: d}
		p.stages[stage] = t
	}
	t.durations = append(t.durations, d)
	t.totalTime += d
	t.count++
	if d < t.minTime {
		t.minTime = d
	}
	if d > t.maxTime {
		t.maxTime = d
	}
}

// Time runs fn and records its duration under the given stage name.
func (p *Profiler) Time(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.Track(stage, time.Since(start))
	return err
}

// Stats returns the summary of one stage, false if it was never tracked.
func (p *Profiler) Stats(stage string) (Stats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.stages[stage]
	if !ok {
		return Stats{}, false
	}
	return t.stats(), true
}

func (t *TimeTracker) stats() Stats {
	s := Stats{
		Name:  t.name,
		Count: t.count,
		Total: t.totalTime,
		Min:   t.minTime,
		Max:   t.maxTime,
	}
	if t.count > 0 {
		s.Mean = t.totalTime / time.Duration(t.count)
	}
	if len(t.durations) > 0 {
		sorted := make([]time.Duration, len(t.durations))
		copy(sorted, t.durations)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		idx := (len(sorted)*95 + 99) / 100
		if idx > 0 {
			idx--
		}
		s.P95 = sorted[idx]
	}
	return s
}

// Report logs the summary of every tracked stage plus a memory snapshot.
func (p *Profiler) Report() {
	p.mu.Lock()
	names := make([]string, 0, len(p.stages))
	for name := range p.stages {
		names = append(names, name)
	}
	sort.Strings(names)
	summaries := make([]Stats, len(names))
	for i, name := range names {
		summaries[i] = p.stages[name].stats()
	}
	p.mu.Unlock()

	for _, s := range summaries {
		p.log.Info().
			Str("stage", s.Name).
			Int64("count", s.Count).
			Dur("total", s.Total).
			Dur("mean", s.Mean).
			Dur("p95", s.P95).
			Dur("max", s.Max).
			Msg("stage timing")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	p.log.Info().
		Uint64("heap_alloc_mb", mem.HeapAlloc/1024/1024).
		Uint64("total_alloc_mb", mem.TotalAlloc/1024/1024).
		Uint32("num_gc", mem.NumGC).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("runtime memory")
}

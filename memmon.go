// Package memmon records the resident memory footprint of the calling
// process on a background timer and writes the observations out as a
// semicolon-delimited log. It is meant to be embedded in a larger program to
// produce a memory timeline correlated with application phases:
//
//	monitor, err := memmon.New(memmon.Config{Path: "run.memmon"})
//	if err != nil { ... }
//	defer monitor.Close()
//
//	monitor.Event("load_index")
//	loadIndex()
//	monitor.Event("query_phase")
//	runQueries()
//
// Each sample carries the elapsed time since construction, the process id,
// the peak and current resident set sizes and the label of the most recent
// `Event` call. See `Parse` for reading a log back.
package memmon

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/memmon-dev/memmon/sys"
)

const (
	defaultGranularity   = 50 * time.Millisecond
	defaultMemoryLimitMB = 32
)

// Config configures a Monitor. Path or Sink must be set; everything else has
// a usable default.
type Config struct {
	// Path is a file to create and write the log to. The monitor owns the
	// file and closes it on Close.
	Path string

	// Sink, when non-nil, receives the log instead of Path. The caller
	// retains ownership and is responsible for closing it.
	Sink io.Writer

	// Granularity is the sampling interval. Defaults to 50ms.
	Granularity time.Duration

	// MemoryLimitMB bounds how much buffered sample data is held in memory
	// before the sampler spills it to the sink. Defaults to 32.
	MemoryLimitMB uint64

	// Statser overrides where memory statistics come from. Defaults to a
	// statser for the current process.
	Statser sys.MemoryStatser

	Clock  clock.Clock
	Logger golog.Logger
}

// sample is one memory observation. Immutable once created; owned by the
// buffer until a flush hands it to the sink.
type sample struct {
	elapsed time.Duration
	pid     uint64
	peak    uint64
	rss     uint64
	eventID uint32
}

const sampleSize = uint64(unsafe.Sizeof(sample{}))

type lifecycleState uint8

const (
	stateRunning lifecycleState = iota + 1
	stateStopping
	stateStopped
)

// A Monitor owns one background sampling goroutine bound to one sink. It
// cannot be restarted once closed; construct a new one instead.
type Monitor struct {
	logger      golog.Logger
	clock       clock.Clock
	statser     sys.MemoryStatser
	granularity time.Duration
	pid         uint64
	start       time.Time

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup

	// curEventID is advanced under mu but read lock-free by the sampler
	// tick. It is only ever an index of an existing eventNames entry.
	curEventID atomic.Uint32

	mu            sync.Mutex
	state         lifecycleState
	eventNames    []string
	samples       []sample
	bufBytes      uint64
	memLimitBytes uint64
	out           io.Writer
	closer        io.Closer
	wroteHeader   bool
}

// New opens the destination, records the start timestamp and starts the
// sampling goroutine. If the destination cannot be opened no monitor is
// returned and nothing is left running.
func New(cfg Config) (*Monitor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = golog.Global()
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	granularity := cfg.Granularity
	if granularity <= 0 {
		granularity = defaultGranularity
	}

	memoryLimitMB := cfg.MemoryLimitMB
	if memoryLimitMB == 0 {
		memoryLimitMB = defaultMemoryLimitMB
	}

	statser := cfg.Statser
	if statser == nil {
		var err error
		statser, err = sys.NewSelfStatser()
		if err != nil {
			return nil, errors.Wrap(err, "cannot read memory statistics on this platform")
		}
	}

	out := cfg.Sink
	var closer io.Closer
	if out == nil {
		if cfg.Path == "" {
			return nil, errors.New("memory monitor needs a destination path or sink")
		}

		outFile, err := os.Create(cfg.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open memory monitor output %q", cfg.Path)
		}
		out = outFile
		closer = outFile
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	monitor := &Monitor{
		logger:      logger,
		clock:       clk,
		statser:     statser,
		granularity: granularity,
		pid:         uint64(os.Getpid()),
		start:       clk.Now(),
		cancelCtx:   cancelCtx,
		cancelFunc:  cancelFunc,
		state:       stateRunning,
		// Index 0 is the reserved "no event" label. Samples taken before the
		// first Event call carry it.
		eventNames:    []string{""},
		memLimitBytes: memoryLimitMB * 1024 * 1024,
		out:           out,
		closer:        closer,
	}

	monitor.activeBackgroundWorkers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer monitor.activeBackgroundWorkers.Done()
		monitor.sampleLoop(cancelCtx)
	})

	return monitor, nil
}

// sampleLoop takes one sample immediately and then one per granularity until
// the monitor is closed. The sleep is interruptible: cancellation during the
// wait wakes it and the loop exits without producing another sample.
func (m *Monitor) sampleLoop(ctx context.Context) {
	for {
		m.recordSample()

		if !m.waitForNextTick(ctx) {
			return
		}
	}
}

func (m *Monitor) recordSample() {
	stats, err := m.statser.Stats()
	if err != nil {
		// One missed observation is not worth disturbing the host process
		// over. Skip the tick.
		m.logger.Debugw("memory statistics unavailable; skipping sample", "error", err)
		return
	}

	newSample := sample{
		elapsed: m.clock.Now().Sub(m.start),
		pid:     m.pid,
		peak:    stats.PeakRSSBytes,
		rss:     stats.RSSBytes,
		eventID: m.curEventID.Load(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, newSample)
	m.bufBytes += sampleSize

	if m.bufBytes > m.memLimitBytes {
		if err := m.flushLocked(); err != nil {
			m.logger.Errorw("flushing memory samples failed", "error", err)
		}
	}
}

func (m *Monitor) waitForNextTick(ctx context.Context) bool {
	timer := m.clock.Timer(m.granularity)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Event appends a label to the event table and stamps it onto all subsequent
// samples, until the next Event call. Safe to call while sampling is in
// progress. Calling Event on a closed monitor is a no-op.
func (m *Monitor) Event(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != stateRunning {
		m.logger.Warnw("event on a stopped memory monitor ignored", "event", name)
		return
	}

	// The table append must be visible before the id advance so a concurrent
	// sampler tick never loads an id without a corresponding entry.
	m.eventNames = append(m.eventNames, name)
	m.curEventID.Store(uint32(len(m.eventNames) - 1))
}

// Events returns a snapshot of the event table, including the reserved empty
// label at index 0.
func (m *Monitor) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.eventNames))
	copy(names, m.eventNames)
	return names
}

// Flush drains all buffered samples to the sink, oldest first. The header
// line is written once, before the first data row ever. Flushing an empty
// buffer writes nothing. The sampler's own threshold-triggered flush and this
// one share a critical section, so they cannot interleave.
func (m *Monitor) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateStopped {
		return nil
	}
	return m.flushLocked()
}

func (m *Monitor) flushLocked() error {
	if len(m.samples) == 0 {
		return nil
	}

	var err error
	if !m.wroteHeader {
		err = writeHeader(m.out)
		m.wroteHeader = true
	}

	for _, s := range m.samples {
		if err != nil {
			break
		}
		err = writeRow(m.out, s, m.eventNames[s.eventID])
	}

	// The buffer is cleared even when a write failed: delivery is
	// at-most-once and holding on to samples the sink rejected would grow
	// memory without bound.
	m.samples = m.samples[:0]
	m.bufBytes = 0

	return errors.Wrap(err, "cannot write memory samples")
}

// Close stops the sampler, waits for it to exit, flushes everything still
// buffered and closes the sink if the monitor opened it. It blocks until all
// of that has happened; no sampling or writing outlives it. A second Close
// is a no-op returning nil.
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.state != stateRunning {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStopping
	m.mu.Unlock()

	m.cancelFunc()
	m.activeBackgroundWorkers.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.flushLocked()
	if m.closer != nil {
		err = multierr.Combine(err, m.closer.Close())
	}
	m.state = stateStopped
	return err
}

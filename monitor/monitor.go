// Package monitor implements the per-study inactivity timer described in
// spec §4.5: a background ticker finalizes studies that have seen no new
// instances for a configurable timeout, then invokes every registered
// completion callback exactly once per transition.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/imaging-tech-hub/dicom-proxy/metrics"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultTickInterval = 1 * time.Second
)

// CompletionCallback is invoked once per study when it transitions to
// complete. Callbacks MUST be idempotent: the monitor guarantees at-most-one
// invocation per transition, not per process lifetime — a study re-activated
// after finalization starts a new cycle and will fire callbacks again.
type CompletionCallback func(studyUID string)

// Monitor tracks lastActivityAt per study-in-progress and finalizes studies
// that have gone quiet longer than Timeout.
type Monitor struct {
	timeout      time.Duration
	tickInterval time.Duration
	logger       *slog.Logger

	mu               sync.Mutex
	lastActivityAt   map[string]time.Time
	completedStudies map[string]bool

	callbacksMu sync.Mutex
	callbacks   []CompletionCallback

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithTimeout overrides the default 60s inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.timeout = d }
}

// WithTickInterval overrides the default 1s ticker period.
func WithTickInterval(d time.Duration) Option {
	return func(m *Monitor) { m.tickInterval = d }
}

// New builds a Monitor. Call Start to begin the background ticker.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		timeout:          defaultTimeout,
		tickInterval:     defaultTickInterval,
		logger:           logger,
		lastActivityAt:   make(map[string]time.Time),
		completedStudies: make(map[string]bool),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterCallback adds a completion callback, invoked for every study that
// finalizes after registration.
func (m *Monitor) RegisterCallback(cb CompletionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// UpdateActivity records that studyUID just received an instance, resetting
// its inactivity clock and re-activating it if it had already completed.
func (m *Monitor) UpdateActivity(studyUID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivityAt[studyUID] = time.Now()
	delete(m.completedStudies, studyUID)
	metrics.ActiveStudies.Set(float64(len(m.lastActivityAt)))
}

// Start launches the background ticker goroutine. Safe to call once; call
// Stop to terminate it.
func (m *Monitor) Start() {
	go m.run()
}

func (m *Monitor) run() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for studyUID, lastActivity := range m.lastActivityAt {
		if now.Sub(lastActivity) > m.timeout {
			expired = append(expired, studyUID)
			delete(m.lastActivityAt, studyUID)
		}
	}
	metrics.ActiveStudies.Set(float64(len(m.lastActivityAt)))
	m.mu.Unlock()

	for _, studyUID := range expired {
		m.finalize(studyUID)
	}
}

// finalize acquires a per-study guard via completedStudies to suppress the
// rare case where two ticks race on the same UID, then invokes every
// registered callback exactly once.
func (m *Monitor) finalize(studyUID string) {
	m.mu.Lock()
	if m.completedStudies[studyUID] {
		m.mu.Unlock()
		return
	}
	m.completedStudies[studyUID] = true
	m.mu.Unlock()

	m.callbacksMu.Lock()
	callbacks := make([]CompletionCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.callbacksMu.Unlock()

	for _, cb := range callbacks {
		cb(studyUID)
	}
	m.logger.Debug("study finalized by inactivity monitor", "study_uid", studyUID)
}

// Stop terminates the background ticker and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

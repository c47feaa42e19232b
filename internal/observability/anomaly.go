package observability

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/signoff/internal/approval"
	"github.com/jkaninda/signoff/internal/config"
)

// StoreOutcome classifies one store call.
type StoreOutcome int

const (
	// StoreOK is a call the store accepted.
	StoreOK StoreOutcome = iota
	// StoreConflict is a call the store refused because the approval was
	// already decided or is gone. It is normal contention, not a fault.
	StoreConflict
	// StoreFault is any other failure.
	StoreFault
)

func (o StoreOutcome) String() string {
	switch o {
	case StoreOK:
		return "ok"
	case StoreConflict:
		return "conflict"
	default:
		return "fault"
	}
}

// ClassifyStoreError maps a store error to its outcome.
func ClassifyStoreError(err error) StoreOutcome {
	switch {
	case err == nil:
		return StoreOK
	case errors.Is(err, approval.ErrAlreadyDecided), errors.Is(err, approval.ErrNotFound):
		return StoreConflict
	default:
		return StoreFault
	}
}

// minSamples is the smallest window that can mark an operation degraded.
const minSamples = 5

// AnomalyDetector tracks store outcomes per operation over a sliding window
// and marks an operation degraded while its fault rate exceeds the threshold.
// Conflicts count as healthy traffic.
type AnomalyDetector struct {
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	ops      map[string]*outcomeWindow
	degraded map[string]bool
}

type outcomeWindow struct {
	events []outcomeEvent
}

type outcomeEvent struct {
	at      time.Time
	outcome StoreOutcome
}

// WindowStats counts outcomes currently inside the window.
type WindowStats struct {
	OK        int
	Conflicts int
	Faults    int
}

// Total returns the number of calls in the window.
func (s WindowStats) Total() int { return s.OK + s.Conflicts + s.Faults }

// FaultRate returns faults over total, zero for an empty window.
func (s WindowStats) FaultRate() float64 {
	if s.Total() == 0 {
		return 0
	}
	return float64(s.Faults) / float64(s.Total())
}

// NewAnomalyDetector creates a detector from config. The window defaults to
// five minutes.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	window := 5 * time.Minute
	var threshold float64
	if cfg != nil {
		if cfg.WindowSeconds > 0 {
			window = time.Duration(cfg.WindowSeconds) * time.Second
		}
		threshold = cfg.ErrorRateThreshold
	}
	return &AnomalyDetector{
		threshold: threshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
		ops:       make(map[string]*outcomeWindow),
		degraded:  make(map[string]bool),
	}
}

// Observe records the outcome of one call to op.
func (a *AnomalyDetector) Observe(op string, outcome StoreOutcome) {
	if a == nil {
		return
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[op]
	if !ok {
		w = &outcomeWindow{}
		a.ops[op] = w
	}
	w.events = append(w.events, outcomeEvent{at: now, outcome: outcome})
	a.evaluate(op, w.stats(now.Add(-a.window)))
}

// Stats returns the outcome counts for op inside the current window.
func (a *AnomalyDetector) Stats(op string) WindowStats {
	if a == nil {
		return WindowStats{}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.ops[op]
	if !ok {
		return WindowStats{}
	}
	return w.stats(a.now().Add(-a.window))
}

// Degraded returns an error naming every operation whose fault rate is over
// the threshold.
func (a *AnomalyDetector) Degraded() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.window)
	var failing []string
	for op, w := range a.ops {
		a.evaluate(op, w.stats(cutoff))
		if a.degraded[op] {
			failing = append(failing, op)
		}
	}
	if len(failing) == 0 {
		return nil
	}
	slices.Sort(failing)
	return fmt.Errorf("store fault rate above %.0f%% for %s", a.threshold*100, strings.Join(failing, ", "))
}

// evaluate flips op's degraded state and logs transitions. a.mu must be held.
func (a *AnomalyDetector) evaluate(op string, s WindowStats) {
	if a.threshold <= 0 {
		return
	}
	over := s.Total() >= minSamples && s.FaultRate() > a.threshold
	switch {
	case over && !a.degraded[op]:
		a.degraded[op] = true
		a.logger.Warn("store fault rate above threshold",
			slog.String("operation", op),
			slog.Float64("fault_rate", s.FaultRate()),
			slog.Float64("threshold", a.threshold),
			slog.Int("faults", s.Faults),
			slog.Int("conflicts", s.Conflicts),
			slog.Int("total", s.Total()),
		)
	case !over && a.degraded[op]:
		delete(a.degraded, op)
		a.logger.Info("store fault rate recovered",
			slog.String("operation", op),
			slog.Float64("fault_rate", s.FaultRate()),
		)
	}
}

// stats drops events before cutoff and counts the rest.
func (w *outcomeWindow) stats(cutoff time.Time) WindowStats {
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	w.events = w.events[i:]

	var s WindowStats
	for _, e := range w.events {
		switch e.outcome {
		case StoreOK:
			s.OK++
		case StoreConflict:
			s.Conflicts++
		default:
			s.Faults++
		}
	}
	return s
}

// Package retention soft-deletes records and source files past their
// retention window.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/eml-intake/internal/metrics"
	"github.com/sells-group/eml-intake/internal/model"
)

// Pass names used in summaries, logs and metric labels.
const (
	PassSuccessRecords = "success_records"
	PassFailedRecords  = "failed_records"
	PassOrphanFiles    = "orphan_source_files"
)

// Target is the slice of the store the sweep needs.
type Target interface {
	DiscardRecords(ctx context.Context, status model.Status, before time.Time) (int64, error)
	DiscardOrphanSourceFiles(ctx context.Context, before time.Time) (int64, error)
}

// Config holds the retention windows.
type Config struct {
	SuccessAge time.Duration
	FailedAge  time.Duration
	OrphanAge  time.Duration
}

// DefaultConfig keeps successes 90 days, failures 180 days and unreferenced
// source files a year.
func DefaultConfig() Config {
	return Config{
		SuccessAge: 90 * 24 * time.Hour,
		FailedAge:  180 * 24 * time.Hour,
		OrphanAge:  365 * 24 * time.Hour,
	}
}

// PassResult is the outcome of one pass.
type PassResult struct {
	Name      string    `json:"name" yaml:"name"`
	Before    time.Time `json:"before" yaml:"before"`
	Discarded int64     `json:"discarded" yaml:"discarded"`
	Error     string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Summary is the outcome of a full sweep.
type Summary struct {
	StartedAt time.Time    `json:"started_at" yaml:"started_at"`
	Duration  string       `json:"duration" yaml:"duration"`
	Passes    []PassResult `json:"passes" yaml:"passes"`
}

// Discarded returns the rows discarded by the named pass.
func (s Summary) Discarded(pass string) int64 {
	for _, p := range s.Passes {
		if p.Name == pass {
			return p.Discarded
		}
	}
	return 0
}

// Failed reports whether any pass errored.
func (s Summary) Failed() bool {
	for _, p := range s.Passes {
		if p.Error != "" {
			return true
		}
	}
	return false
}

// Sweeper runs the retention passes.
type Sweeper struct {
	cfg    Config
	target Target
	log    *zap.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper. Zero windows fall back to DefaultConfig.
func NewSweeper(cfg Config, target Target) *Sweeper {
	def := DefaultConfig()
	if cfg.SuccessAge <= 0 {
		cfg.SuccessAge = def.SuccessAge
	}
	if cfg.FailedAge <= 0 {
		cfg.FailedAge = def.FailedAge
	}
	if cfg.OrphanAge <= 0 {
		cfg.OrphanAge = def.OrphanAge
	}
	return &Sweeper{
		cfg:    cfg,
		target: target,
		log:    zap.L().With(zap.String("component", "retention")),
		now:    time.Now,
	}
}

// Run executes every pass. A failing pass is recorded in the summary and does
// not stop the others.
func (s *Sweeper) Run(ctx context.Context) Summary {
	start := s.now()
	sum := Summary{StartedAt: start.UTC()}

	passes := []struct {
		name string
		age  time.Duration
		fn   func(context.Context, time.Time) (int64, error)
	}{
		{PassSuccessRecords, s.cfg.SuccessAge, func(ctx context.Context, before time.Time) (int64, error) {
			return s.target.DiscardRecords(ctx, model.StatusSuccess, before)
		}},
		{PassFailedRecords, s.cfg.FailedAge, func(ctx context.Context, before time.Time) (int64, error) {
			return s.target.DiscardRecords(ctx, model.StatusFailed, before)
		}},
		{PassOrphanFiles, s.cfg.OrphanAge, s.target.DiscardOrphanSourceFiles},
	}

	for _, p := range passes {
		before := start.Add(-p.age)
		res := PassResult{Name: p.name, Before: before.UTC()}

		n, err := p.fn(ctx, before)
		if err != nil {
			res.Error = err.Error()
			metrics.SweepErrorsTotal.WithLabelValues(p.name).Inc()
			s.log.Error("retention pass failed", zap.String("pass", p.name), zap.Error(err))
		} else {
			res.Discarded = n
			metrics.SweepDiscardedTotal.WithLabelValues(p.name).Add(float64(n))
		}
		sum.Passes = append(sum.Passes, res)
	}

	sum.Duration = time.Since(start).Round(time.Millisecond).String()
	s.log.Info("retention sweep complete",
		zap.Int64(PassSuccessRecords, sum.Discarded(PassSuccessRecords)),
		zap.Int64(PassFailedRecords, sum.Discarded(PassFailedRecords)),
		zap.Int64(PassOrphanFiles, sum.Discarded(PassOrphanFiles)),
		zap.Bool("errors", sum.Failed()),
		zap.String("duration", sum.Duration),
	)
	return sum
}

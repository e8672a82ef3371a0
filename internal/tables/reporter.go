// Package tables holds the in-memory state built from decoded traffic and
// the periodic report cycle that ships it to the leader.
package tables

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"

	"firestige.xyz/tap/internal/link"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

// Reportable is a table taking part in the report cycle.
type Reportable interface {
	Name() string
	ProcessReport() error
	CalculateMetrics()
}

// Scheduler runs CalculateMetrics and ProcessReport on every table once
// per interval.
type Scheduler struct {
	interval time.Duration
	tables   []Reportable
	log      log.Logger
}

func NewScheduler(interval time.Duration, tables ...Reportable) *Scheduler {
	return &Scheduler{
		interval: interval,
		tables:   tables,
		log:      log.GetLogger().WithField("component", "report_scheduler"),
	}
}

// Add registers more tables. It must be called before Run.
func (s *Scheduler) Add(tables ...Reportable) {
	s.tables = append(s.tables, tables...)
}

// Run blocks until ctx is done. A final cycle is run on the way out so the
// last interval is not lost.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.RunOnce()
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce runs one report cycle over every table.
func (s *Scheduler) RunOnce() {
	for _, t := range s.tables {
		l := s.log.WithField("table", t.Name())

		if r := panics.Try(t.CalculateMetrics); r != nil {
			metrics.PanicsTotal.WithLabelValues("tables." + t.Name()).Inc()
			l.WithError(r.AsError()).Error("metrics calculation aborted")
		}

		var err error
		if r := panics.Try(func() { err = t.ProcessReport() }); r != nil {
			metrics.PanicsTotal.WithLabelValues("tables." + t.Name()).Inc()
			err = r.AsError()
		}
		if err != nil {
			l.WithError(err).Error("report cycle failed")
		}
	}
}

// submit serializes doc and hands it to the sender.
func submit(sender link.Sender, path string, doc any) error {
	start := time.Now()
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing %s report: %w", path, err)
	}
	metrics.Since("tables."+timerName(path)+".timer.report_generation", start)
	return link.Send(sender, path, body)
}

// timerName turns "tcp/sessions" into "tcp".
func timerName(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return path
}

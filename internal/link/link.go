// Package link hands serialized table reports to the leader.
package link

import (
	"fmt"
	"sync"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/log"
	"firestige.xyz/tap/internal/metrics"
)

const (
	TypeLog   = "log"
	TypeHTTP  = "http"
	TypeKafka = "kafka"
)

// Sender submits one report document. Path is relative, e.g. "tcp/sessions".
type Sender interface {
	SendReport(path string, body []byte) error
}

// New builds the sender selected by cfg.Type. node identifies this tap in
// transports that carry no per-tap endpoint.
func New(cfg config.LinkConfig, node string) (Sender, error) {
	switch cfg.Type {
	case "", TypeLog:
		return NewLogSender(), nil
	case TypeHTTP:
		return NewHTTPSender(cfg)
	case TypeKafka:
		return NewKafkaSender(cfg, node)
	default:
		return nil, fmt.Errorf("unknown link type %q", cfg.Type)
	}
}

// Send submits body through s and records the outcome in
// tap_reports_total.
func Send(s Sender, path string, body []byte) error {
	if err := s.SendReport(path, body); err != nil {
		metrics.ReportsTotal.WithLabelValues(path, metrics.ReportResultError).Inc()
		return fmt.Errorf("submitting %s report: %w", path, err)
	}
	metrics.ReportsTotal.WithLabelValues(path, metrics.ReportResultOK).Inc()
	return nil
}

// LogSender writes reports to the process log instead of a leader.
type LogSender struct {
	log log.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{log: log.GetLogger().WithField("component", "link")}
}

func (s *LogSender) SendReport(path string, body []byte) error {
	s.log.WithFields(map[string]interface{}{
		"path":  path,
		"bytes": len(body),
	}).Debug("report")
	if s.log.IsTraceEnabled() {
		s.log.Trace(string(body))
	}
	return nil
}

// Report is one submission captured by a Recorder.
type Report struct {
	Path string
	Body []byte
}

// Recorder keeps every submitted report in memory. Err, when set, is
// returned from SendReport after the report was recorded.
type Recorder struct {
	mu      sync.Mutex
	reports []Report
	Err     error
}

func (r *Recorder) SendReport(path string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, Report{Path: path, Body: append([]byte(nil), body...)})
	return r.Err
}

// Reports returns a copy of the submissions so far.
func (r *Recorder) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

// Last returns the most recent report sent to path.
func (r *Recorder) Last(path string) (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.reports) - 1; i >= 0; i-- {
		if r.reports[i].Path == path {
			return r.reports[i], true
		}
	}
	return Report{}, false
}

// Count returns how many reports were sent to path.
func (r *Recorder) Count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rep := range r.reports {
		if rep.Path == path {
			n++
		}
	}
	return n
}

package tables

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTable struct {
	name    string
	reports atomic.Int32
	metrics atomic.Int32
	panicOn string
	err     error
}

func (f *fakeTable) Name() string { return f.name }

func (f *fakeTable) ProcessReport() error {
	f.reports.Add(1)
	if f.panicOn == "report" {
		panic("report exploded")
	}
	return f.err
}

func (f *fakeTable) CalculateMetrics() {
	f.metrics.Add(1)
	if f.panicOn == "metrics" {
		panic("metrics exploded")
	}
}

func TestSchedulerRunOnceIsolatesTables(t *testing.T) {
	broken := &fakeTable{name: "broken", panicOn: "report"}
	noMetrics := &fakeTable{name: "no_metrics", panicOn: "metrics"}
	failing := &fakeTable{name: "failing", err: errors.New("leader unreachable")}
	healthy := &fakeTable{name: "healthy"}

	s := NewScheduler(time.Minute, broken, noMetrics)
	s.Add(failing, healthy)
	s.RunOnce()

	for _, f := range []*fakeTable{broken, noMetrics, failing, healthy} {
		assert.EqualValues(t, 1, f.metrics.Load(), f.name)
		assert.EqualValues(t, 1, f.reports.Load(), f.name)
	}
}

func TestSchedulerFinalCycleOnShutdown(t *testing.T) {
	table := &fakeTable{name: "healthy"}
	s := NewScheduler(10*time.Millisecond, table)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return table.reports.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
	assert.GreaterOrEqual(t, table.reports.Load(), int32(3))
}

func TestTimerName(t *testing.T) {
	assert.Equal(t, "tcp", timerName("tcp/sessions"))
	assert.Equal(t, "dns", timerName("dns"))
}

// Package progress counts saved images across all workers and forwards every
// change to a display sink.
package progress

import (
	"sync"
	"time"

	"fusiongen/internal/domain"
	"fusiongen/internal/metrics"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Completed   int            `json:"completed"`
	Total       int            `json:"total"`
	Percent     float64        `json:"percent"`
	RatePerSec  float64        `json:"rate_per_sec"`
	Elapsed     time.Duration  `json:"-"`
	Credentials map[string]int `json:"credentials"`
}

// Aggregator is safe for concurrent use by any number of workers.
type Aggregator struct {
	perCredential int
	total         int
	sink          Sink
	metrics       *metrics.Collector
	now           func() time.Time
	started       time.Time

	mu           sync.Mutex
	completed    int
	byCredential map[string]int
	closed       bool
}

// NewAggregator expects perCredential images from each of credentialCount
// credentials. A nil sink discards updates.
func NewAggregator(perCredential, credentialCount int, sink Sink, m *metrics.Collector) *Aggregator {
	if sink == nil {
		sink = Discard
	}
	a := &Aggregator{
		perCredential: perCredential,
		total:         perCredential * credentialCount,
		sink:          sink,
		metrics:       m,
		now:           time.Now,
		byCredential:  make(map[string]int),
	}
	a.started = a.now()
	sink.Start(a.total)
	return a
}

// Total is the number of images expected across all credentials.
func (a *Aggregator) Total() int {
	return a.total
}

// Record counts one saved image for the credential and returns the update
// that was sent to the sink.
func (a *Aggregator) Record(credentialPrefix string) Update {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.completed++
	a.byCredential[credentialPrefix]++
	u := Update{
		CredentialPrefix: credentialPrefix,
		Produced:         a.byCredential[credentialPrefix],
		Quota:            a.perCredential,
		Completed:        a.completed,
		Total:            a.total,
		Elapsed:          a.now().Sub(a.started),
	}
	a.metrics.ImageGenerated(credentialPrefix)
	if !a.closed {
		a.sink.Update(u)
	}
	return u
}

// Observe records a worker's completion event.
func (a *Aggregator) Observe(ev domain.CompletionEvent) {
	a.Record(ev.CredentialPrefix)
}

// Snapshot copies the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	creds := make(map[string]int, len(a.byCredential))
	for k, v := range a.byCredential {
		creds[k] = v
	}
	elapsed := a.now().Sub(a.started)
	return Snapshot{
		Completed:   a.completed,
		Total:       a.total,
		Percent:     percent(a.completed, a.total),
		RatePerSec:  rate(a.completed, elapsed),
		Elapsed:     elapsed,
		Credentials: creds,
	}
}

// Close flushes the sink once; later records are still counted.
func (a *Aggregator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.sink.Close()
}

func percent(completed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

func rate(completed int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(completed) / elapsed.Seconds()
}

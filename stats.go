package histstore

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stat names one history store event counter.
type Stat int

const (
	// StatSearch counts resolve calls.
	StatSearch Stat = iota
	// StatReadHit counts resolves that found a history entry.
	StatReadHit
	// StatReadMiss counts resolves that found nothing.
	StatReadMiss
	// StatReadSquash counts resolves that folded a delta chain.
	StatReadSquash
	// StatPositionSkip counts backward steps taken while positioning.
	StatPositionSkip
	numStats
)

func (s Stat) String() string {
	switch s {
	case StatSearch:
		return "search"
	case StatReadHit:
		return "read_hit"
	case StatReadMiss:
		return "read_miss"
	case StatReadSquash:
		return "read_squash"
	case StatPositionSkip:
		return "position_skip"
	}
	return fmt.Sprintf("stat(%d)", int(s))
}

// StatsSink receives history store events.
type StatsSink interface {
	Inc(Stat)
}

type nopSink struct{}

func (nopSink) Inc(Stat) {}

// NopSink discards every event.
var NopSink StatsSink = nopSink{}

type teeSink []StatsSink

func (t teeSink) Inc(st Stat) {
	for _, s := range t {
		s.Inc(st)
	}
}

// Tee returns a sink that forwards every event to each of sinks.
func Tee(sinks ...StatsSink) StatsSink {
	return teeSink(sinks)
}

// CountingSink counts events in memory.
type CountingSink struct {
	counts [numStats]atomic.Int64
}

func (s *CountingSink) Inc(st Stat) {
	if st >= 0 && st < numStats {
		s.counts[st].Add(1)
	}
}

// Get returns the count for st.
func (s *CountingSink) Get(st Stat) int64 {
	if st < 0 || st >= numStats {
		return 0
	}
	return s.counts[st].Load()
}

// PromSink exports events as a prometheus counter vector labelled by stat.
type PromSink struct {
	counters *prometheus.CounterVec
}

// NewPromSink creates the counter vector and registers it with reg when reg
// is non-nil.
func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histstore",
		Name:      "events_total",
		Help:      "History store search and reconstruction events.",
	}, []string{"stat"})
	if reg != nil {
		if err := reg.Register(cv); err != nil {
			return nil, err
		}
	}
	return &PromSink{counters: cv}, nil
}

func (s *PromSink) Inc(st Stat) {
	s.counters.WithLabelValues(st.String()).Inc()
}

// Counter returns the counter for st.
func (s *PromSink) Counter(st Stat) prometheus.Counter {
	return s.counters.WithLabelValues(st.String())
}

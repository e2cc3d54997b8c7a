// Package aggregate maintains bounded per-event-id statistics computed
// online from the drained entry stream.
package aggregate

import (
	"sort"

	"go.uber.org/zap"
)

// DefaultSampleCap bounds how many samples a single event id accumulates.
// Past the cap further samples are discarded so memory and the running sum
// stay bounded under sustained load.
const DefaultSampleCap = 1 << 20

// bucketCount is the size of the flat accumulator table. Event ids the
// kernel module emits fit here; larger ids fall back to a map with the same
// per-id cap semantics.
const bucketCount = 256

type accumulator struct {
	count  uint64
	sum    uint64
	capped bool
}

func (a *accumulator) average() float64 {
	if a.count == 0 {
		return 0
	}
	return float64(a.sum) / float64(a.count)
}

// Stats is the aggregation engine. It is owned by the single consumer
// goroutine and is not safe for concurrent use.
type Stats struct {
	logger    *zap.Logger
	sampleCap uint64
	table     [bucketCount]accumulator
	overflow  map[uint32]*accumulator
}

// New creates an engine with the given per-event sample cap; zero selects
// DefaultSampleCap.
func New(sampleCap uint64, logger *zap.Logger) *Stats {
	if sampleCap == 0 {
		sampleCap = DefaultSampleCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stats{
		logger:    logger.Named("aggregate"),
		sampleCap: sampleCap,
	}
}

// Record folds one sample into the accumulator for eventID. The hot path
// is integer-only; averages are computed at summary time. Samples past the
// per-event cap are discounted entirely, with a warning logged once per
// event id.
func (s *Stats) Record(eventID uint32, value uint64) {
	acc := s.bucket(eventID)
	if acc.count >= s.sampleCap {
		if !acc.capped {
			acc.capped = true
			s.logger.Warn("sample cap reached for event, discarding further samples",
				zap.Uint32("event_id", eventID),
				zap.Uint64("cap", s.sampleCap),
			)
		}
		return
	}
	acc.count++
	acc.sum += value
}

func (s *Stats) bucket(eventID uint32) *accumulator {
	if eventID < bucketCount {
		return &s.table[eventID]
	}
	if s.overflow == nil {
		s.overflow = make(map[uint32]*accumulator)
	}
	acc, ok := s.overflow[eventID]
	if !ok {
		acc = &accumulator{}
		s.overflow[eventID] = acc
	}
	return acc
}

// Summary is one event id's aggregate at report time. Average is in raw
// cycles; the caller converts to microseconds with the connection's
// calibration constant.
type Summary struct {
	EventID uint32
	Count   uint64
	Average float64
}

// Summarize returns one Summary per event id with at least one recorded
// sample, in ascending event id order.
func (s *Stats) Summarize() []Summary {
	out := make([]Summary, 0, len(s.overflow))
	for id := range s.table {
		acc := &s.table[id]
		if acc.count == 0 {
			continue
		}
		out = append(out, Summary{EventID: uint32(id), Count: acc.count, Average: acc.average()})
	}
	for id, acc := range s.overflow {
		if acc.count == 0 {
			continue
		}
		out = append(out, Summary{EventID: id, Count: acc.count, Average: acc.average()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out
}

package agent

import (
	"math"
	"sync/atomic"
)

const outcomeCount = int(CacheMissNetworkFailed) + 1

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	staticHits   atomic.Uint64
	staticMisses atomic.Uint64
	outcomes     [outcomeCount]atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveStatic(hit bool) {
	if hit {
		s.staticHits.Add(1)
		return
	}
	s.staticMisses.Add(1)
}

func (s *statsCollector) ObserveOutcome(o Outcome) {
	if int(o) >= 0 && int(o) < outcomeCount {
		s.outcomes[o].Add(1)
	}
}

type statsSnapshot struct {
	TotalResponses uint64            `json:"totalResponses"`
	TotalRespBytes uint64            `json:"totalRespBytes"`
	MinRespBytes   uint64            `json:"minRespBytes"`
	MaxRespBytes   uint64            `json:"maxRespBytes"`
	AvgRespBytes   uint64            `json:"avgRespBytes"`
	StaticHits     uint64            `json:"staticHits"`
	StaticMisses   uint64            `json:"staticMisses"`
	Outcomes       map[string]uint64 `json:"outcomes"`
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		StaticHits:   s.staticHits.Load(),
		StaticMisses: s.staticMisses.Load(),
		Outcomes:     make(map[string]uint64, outcomeCount),
	}
	for i := range s.outcomes {
		out.Outcomes[Outcome(i).String()] = s.outcomes[i].Load()
	}

	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

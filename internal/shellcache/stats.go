package shellcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tracks responses served to clients. Only responses that
// went through a cache decision (hit, miss, fallback) are observed.
type statsCollector struct {
	served      atomic.Uint64
	cacheServed atomic.Uint64
	totalBytes  atomic.Uint64
	minBytes    atomic.Uint64
	maxBytes    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(fromCache bool, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.served.Add(1)
	if fromCache {
		s.cacheServed.Add(1)
	}
	s.totalBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Served      uint64
	CacheServed uint64
	TotalBytes  uint64
	MinBytes    uint64
	MaxBytes    uint64
	AvgBytes    uint64
}

// CacheRatio is the share of responses answered from a cache.
func (ss statsSnapshot) CacheRatio() float64 {
	if ss.Served == 0 {
		return 0
	}
	return float64(ss.CacheServed) / float64(ss.Served)
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.served.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	total := s.totalBytes.Load()
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Served:      count,
		CacheServed: s.cacheServed.Load(),
		TotalBytes:  total,
		MinBytes:    minv,
		MaxBytes:    s.maxBytes.Load(),
		AvgBytes:    total / count,
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}

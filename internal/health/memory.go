package health

import (
	"runtime/metrics"

	"github.com/prometheus/procfs"
)

// MemoryStats is a point-in-time view of process memory in bytes.
type MemoryStats struct {
	RSS       uint64 `json:"rss"`
	HeapUsed  uint64 `json:"heapUsed"`
	HeapTotal uint64 `json:"heapTotal"`
	External  uint64 `json:"external"`
}

// Sampler reads current memory usage.
type Sampler func() MemoryStats

const (
	metricTotal    = "/memory/classes/total:bytes"
	metricReleased = "/memory/classes/heap/released:bytes"
	metricObjects  = "/memory/classes/heap/objects:bytes"
	metricUnused   = "/memory/classes/heap/unused:bytes"
	metricFree     = "/memory/classes/heap/free:bytes"
)

// SampleProcess reads heap figures from the Go runtime and the resident set
// size from /proc. Where /proc is unavailable, RSS is approximated by the
// memory the runtime has mapped and not returned to the OS.
func SampleProcess() MemoryStats {
	samples := []metrics.Sample{
		{Name: metricTotal},
		{Name: metricReleased},
		{Name: metricObjects},
		{Name: metricUnused},
		{Name: metricFree},
	}
	metrics.Read(samples)

	values := make(map[string]uint64, len(samples))
	for _, s := range samples {
		if s.Value.Kind() == metrics.KindUint64 {
			values[s.Name] = s.Value.Uint64()
		}
	}

	var stats MemoryStats
	stats.HeapUsed = values[metricObjects]
	stats.HeapTotal = values[metricObjects] + values[metricUnused] + values[metricFree]
	stats.RSS = sub(values[metricTotal], values[metricReleased])
	if rss, ok := residentMemory(); ok {
		stats.RSS = rss
	}
	stats.External = sub(stats.RSS, stats.HeapTotal)
	return stats
}

func residentMemory() (uint64, bool) {
	p, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	stat, err := p.Stat()
	if err != nil {
		return 0, false
	}
	rss := stat.ResidentMemory()
	if rss <= 0 {
		return 0, false
	}
	return uint64(rss), true
}

func sub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

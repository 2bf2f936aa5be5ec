package subscriber

import "sync"

// maxDistributionSeconds bounds the histogram's bucket range. Samples
// above this are clamped into the top bucket, matching the behaviour of
// the reference client's ack-latency distribution (which bounds samples
// to its configured lease-extension ceiling).
const maxDistributionSeconds = 600

// distribution is a bounded cumulative histogram of observed handler
// ack-latencies, in whole seconds. It is grounded on the ackTimeDist
// used by the reference streaming-pull client to size its ack deadline:
// a fixed-width bucket array indexed by elapsed seconds, read back as a
// percentile to size the next lease extension.
//
// It is safe for concurrent use: many writers record samples from
// completion callbacks, and the supervisor's tuning loop reads an
// occasional percentile.
type distribution struct {
	mu      sync.Mutex
	buckets [maxDistributionSeconds + 1]int64
	count   int64
}

func newDistribution() *distribution {
	return &distribution{}
}

// record adds one sample, clamped to [0, maxDistributionSeconds].
func (d *distribution) record(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	if seconds > maxDistributionSeconds {
		seconds = maxDistributionSeconds
	}
	d.mu.Lock()
	d.buckets[seconds]++
	d.count++
	d.mu.Unlock()
}

// percentile returns the smallest bucket boundary s such that the
// cumulative fraction of samples <= s is >= p. With no samples it
// returns 0; this is a total function, never an error.
func (d *distribution) percentile(p float64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return 0
	}
	target := p * float64(d.count)
	var cumulative int64
	for s, n := range d.buckets {
		cumulative += n
		if float64(cumulative) >= target {
			return s
		}
	}
	return maxDistributionSeconds
}

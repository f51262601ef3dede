package pia

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

type RegionLatency struct {
	Region  *Region
	Latency time.Duration
}

// ProbeLatency measures a TCP connect to each region's metadata server
// and returns the reachable regions sorted by latency, ascending.
// Regions slower than maxLatency are dropped; zero keeps all reachable regions.
func (c *Catalog) ProbeLatency(ctx context.Context, maxLatency time.Duration) []RegionLatency {
	regions := c.Regions()

	// Wait group to sync goroutines
	var wg sync.WaitGroup
	// Channel to get result back
	results := make(chan RegionLatency, len(regions))

	dialer := &net.Dialer{Timeout: maxLatency}
	for _, r := range regions {
		wg.Add(1)
		go func(r *Region) {
			defer wg.Done()

			now := time.Now()
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(r.Meta().IP, "443"))
			if err != nil {
				return
			}
			if err := conn.Close(); err != nil {
				return
			}

			results <- RegionLatency{Region: r, Latency: time.Since(now)}
		}(r)
	}

	wg.Wait()
	close(results)

	out := make([]RegionLatency, 0, len(regions))
	for r := range results {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Latency < out[j].Latency
	})
	return out
}

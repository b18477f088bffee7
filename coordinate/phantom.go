package coordinate

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// GenerateClients builds n independent Clients, all starting at the
// embedding's origin with the given config. Used by the simulation
// helpers below to evaluate the algorithm against a synthetic
// latency matrix without a real network.
func GenerateClients(n int, config *Config) ([]*Client, error) {
	clients := make([]*Client, n)
	for i := range clients {
		client, err := NewClient(config)
		if err != nil {
			return nil, err
		}
		clients[i] = client
	}
	return clients, nil
}

// truthMatrix allocates an n x n matrix of RTTs, the shape every
// Generate* helper below fills in.
func truthMatrix(n int) [][]time.Duration {
	m := make([][]time.Duration, n)
	for i := range m {
		m[i] = make([]time.Duration, n)
	}
	return m
}

// GenerateLine lays n nodes out on a line, evenly spaced.
func GenerateLine(n int, spacing time.Duration) [][]time.Duration {
	truth := truthMatrix(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rtt := time.Duration(j-i) * spacing
			truth[i][j], truth[j][i] = rtt, rtt
		}
	}
	return truth
}

// GenerateGrid lays n nodes out on a roughly square 2-D grid.
func GenerateGrid(n int, spacing time.Duration) [][]time.Duration {
	truth := truthMatrix(n)
	side := int(math.Sqrt(float64(n)))
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			x1, y1 := float64(i%side), float64(i/side)
			x2, y2 := float64(j%side), float64(j/side)
			dx, dy := x2-x1, y2-y1
			dist := math.Sqrt(dx*dx + dy*dy)
			rtt := time.Duration(dist * float64(spacing))
			truth[i][j], truth[j][i] = rtt, rtt
		}
	}
	return truth
}

// GenerateSplit models two co-located groups of nodes (e.g. two
// datacenters) joined by a slower link: every pair within a group is
// lan apart, every cross-group pair is lan+wan apart.
func GenerateSplit(n int, lan, wan time.Duration) [][]time.Duration {
	truth := truthMatrix(n)
	half := n / 2
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rtt := lan
			if (i <= half && j > half) || (i > half && j <= half) {
				rtt += wan
			}
			truth[i][j], truth[j][i] = rtt, rtt
		}
	}
	return truth
}

// GenerateRandom assigns every pair a uniform random RTT in [0, max).
// Reseeds deterministically so repeated calls at the same n produce
// the same matrix.
func GenerateRandom(n int, max time.Duration) [][]time.Duration {
	rand.Seed(1)

	truth := truthMatrix(n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			rtt := time.Duration(rand.Float64() * float64(max))
			truth[i][j], truth[j][i] = rtt, rtt
		}
	}
	return truth
}

// SimCycleFn is invoked once per Simulate cycle, letting a caller
// track convergence over time.
type SimCycleFn func(cycle int, clients []*Client, truth [][]time.Duration)

// Simulate runs cycles rounds in which every client observes one
// random peer's truth RTT and updates its estimate accordingly.
// Reseeds the RNG first so a given (clients, truth, cycles) triple is
// reproducible.
func Simulate(clients []*Client, truth [][]time.Duration, cycles int, callback SimCycleFn) {
	rand.Seed(1)

	n := len(clients)
	for cycle := 0; cycle < cycles; cycle++ {
		if callback != nil {
			callback(cycle, clients, truth)
		}

		for i := range clients {
			j := rand.Intn(n)
			if j == i {
				continue
			}
			clients[i].Update(clients[j].GetCoordinate(), truth[i][j])
		}
	}
}

// Stats summarizes how well a set of converged clients' estimated
// distances track the truth matrix.
type Stats struct {
	ErrorMax float64
	ErrorAvg float64
}

// Evaluate computes Stats by comparing every pair's estimated
// distance against the truth matrix.
func Evaluate(clients []*Client, truth [][]time.Duration) Stats {
	var stats Stats
	n := len(clients)
	count := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			est := clients[i].DistanceTo(clients[j].GetCoordinate()).Seconds()
			actual := truth[i][j].Seconds()
			errRatio := math.Abs(est-actual) / actual
			stats.ErrorMax = math.Max(stats.ErrorMax, errRatio)
			stats.ErrorAvg += errRatio
			count++
		}
	}

	stats.ErrorAvg /= float64(count)
	fmt.Printf("coordinate: error avg=%9.6f max=%9.6f\n", stats.ErrorAvg, stats.ErrorMax)
	return stats
}

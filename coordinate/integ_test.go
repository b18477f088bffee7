package coordinate

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

const (
	hundredMillis     = 100 * time.Millisecond
	oneSecond         = 10 * hundredMillis
	convergenceErrStd = 0.2
)

func generateLatencyMatrix(numNodes int) [][]time.Duration {
	matrix := truthMatrix(numNodes)
	for i := range matrix {
		for j := i + 1; j < numNodes; j++ {
			rtt := time.Duration(rand.NormFloat64()*float64(hundredMillis) + float64(oneSecond))
			matrix[i][j], matrix[j][i] = rtt, rtt
		}
	}
	return matrix
}

// perturb scales n by a normally distributed factor with mean 1 and
// standard deviation convergenceErrStd, simulating measurement noise
// on top of the "true" latency matrix.
func perturb(n time.Duration) time.Duration {
	return time.Duration(float64(n.Nanoseconds()) * (rand.NormFloat64()*convergenceErrStd + 1))
}

func TestClient_MultiNodeConvergence(t *testing.T) {
	const numNodes = 100
	matrix := generateLatencyMatrix(numNodes)

	nodes, err := GenerateClients(numNodes, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10000; i++ {
		for j := range nodes {
			m := rand.Intn(numNodes)
			if j == m {
				continue
			}
			nodes[j].Update(nodes[m].GetCoordinate(), perturb(matrix[j][m]))
		}
	}

	var totalErr float64
	var count float64
	for i := range nodes {
		for j := range nodes {
			if i == j {
				continue
			}
			dist := nodes[i].DistanceTo(nodes[j].GetCoordinate())
			totalErr += math.Abs((dist - matrix[i][j]).Seconds()) / math.Abs(matrix[i][j].Seconds())
			count++
		}
	}

	if avgErr := totalErr / count; avgErr > convergenceErrStd {
		t.Fatalf("average error too large: %f", avgErr)
	}
}

package coordinate

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Client owns one node's evolving position estimate and updates it as
// RTT observations to other nodes arrive. Serf keeps exactly one
// Client per local agent (serf.Serf.coordClient) and feeds it from the
// ping delegate's NotifyPingComplete callback; nothing else mutates it.
type Client struct {
	coord  *Coordinate
	config *Config

	adjustmentIndex   uint
	adjustmentSamples []float64

	mu sync.RWMutex
}

// NewClient builds a Client positioned at the embedding's origin.
func NewClient(config *Config) (*Client, error) {
	if config.Dimensionality == 0 {
		return nil, fmt.Errorf("dimensionality must be >0")
	}

	return &Client{
		coord:             NewCoordinate(config),
		config:            config,
		adjustmentSamples: make([]float64, config.AdjustmentWindowSize),
	}, nil
}

// GetCoordinate returns a snapshot of the current estimate. Safe to
// call concurrently with Update.
func (c *Client) GetCoordinate() *Coordinate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coord.Clone()
}

// updateVivaldi nudges the client's position toward (or away from)
// other by the amount the observed RTT disagrees with the current
// distance estimate, weighted by the two nodes' relative confidence.
// Caller must hold the write lock.
func (c *Client) updateVivaldi(other *Coordinate, rttSeconds float64) {
	dist := c.coord.DistanceTo(other).Seconds()
	if rttSeconds < zeroThreshold {
		rttSeconds = zeroThreshold
	}
	wrongness := math.Abs(dist-rttSeconds) / rttSeconds

	totalError := c.coord.Error + other.Error
	if totalError < zeroThreshold {
		totalError = zeroThreshold
	}
	weight := c.coord.Error / totalError

	c.coord.Error = c.config.VivaldiCE*weight*wrongness + c.coord.Error*(1.0-c.config.VivaldiCE*weight)
	if c.coord.Error > c.config.VivaldiErrorMax {
		c.coord.Error = c.config.VivaldiErrorMax
	}

	delta := c.config.VivaldiCC * weight
	force := delta * (rttSeconds - dist)
	c.coord = c.coord.ApplyForce(force, other)
}

// updateAdjustment refits the scalar correction term from a rolling
// window of (observed RTT − raw Euclidean distance) samples. A no-op
// when AdjustmentWindowSize is zero. Caller must hold the write lock.
func (c *Client) updateAdjustment(other *Coordinate, rttSeconds float64) {
	if c.config.AdjustmentWindowSize == 0 {
		return
	}

	dist := c.coord.rawDistanceTo(other)
	c.adjustmentSamples[c.adjustmentIndex] = rttSeconds - dist
	c.adjustmentIndex = (c.adjustmentIndex + 1) % c.config.AdjustmentWindowSize

	sum := 0.0
	for _, sample := range c.adjustmentSamples {
		sum += sample
	}
	c.coord.Adjustment = sum / (2.0 * float64(c.config.AdjustmentWindowSize))
}

// Update folds a single RTT observation to other into the client's
// estimate. Panics if other came from a differently-dimensioned
// config, the same contract Coordinate.ApplyForce enforces.
func (c *Client) Update(other *Coordinate, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rttSeconds := rtt.Seconds()
	c.updateVivaldi(other, rttSeconds)
	c.updateAdjustment(other, rttSeconds)
}

// DistanceTo estimates the RTT from this client's position to other.
func (c *Client) DistanceTo(other *Coordinate) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.coord.DistanceTo(other)
}

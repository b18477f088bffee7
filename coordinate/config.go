package coordinate

// Config carries the tuning parameters for the Vivaldi network
// coordinate algorithm, the pluggable RTT oracle that Serf's ping
// delegate (serf/ping_delegate.go) feeds with every direct probe's
// measured round-trip time. Nothing outside this package reads or
// writes these fields directly; a Client is built once from a Config
// and owns the resulting estimate.
//
// References, cited at the relevant points below:
//
//	[1] Dabek, Frank, et al. "Vivaldi: A decentralized network
//	    coordinate system." ACM SIGCOMM CCR 34.4 (2004).
//	[2] Ledlie, Jonathan, Paul Gardner, and Margo Seltzer. "Network
//	    Coordinates in the Wild." NSDI. Vol. 7. 2007.
type Config struct {
	// Dimensionality is the size of the Euclidean portion of the
	// coordinate. More dimensions improve accuracy up to a point;
	// [2] found no further benefit past 7.
	Dimensionality uint

	// VivaldiErrorMax is both the confidence a freshly created
	// coordinate starts with and the ceiling the error term is
	// clamped to afterward, so a run of bad observations can't push
	// it past the starting uncertainty.
	VivaldiErrorMax float64

	// VivaldiCE bounds how much a single observation may move a
	// node's error estimate. See [1].
	VivaldiCE float64

	// VivaldiCC bounds how much a single observation may move a
	// node's position. See [1].
	VivaldiCC float64

	// AdjustmentWindowSize is the number of recent observations kept
	// to compute a scalar correction for latency that the Euclidean
	// embedding alone can't model (asymmetric links, NAT, etc).
	// Zero disables the adjustment term.
	AdjustmentWindowSize uint
}

// DefaultConfig returns parameters reasonable for a small-to-medium
// cluster. These are starting points, not values tuned against any
// specific deployment's latency distribution.
func DefaultConfig() *Config {
	return &Config{
		Dimensionality:       8,
		VivaldiErrorMax:      1.5,
		VivaldiCE:            0.25,
		VivaldiCC:            0.25,
		AdjustmentWindowSize: 20,
	}
}

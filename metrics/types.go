// Package metrics is a small grouped-metric facade over Prometheus.
//
// Call sites name a group and a metric and never touch collectors:
//
//	metrics.IncrCounterWithGroup("net", "accept_total", 1)
//	metrics.IncrCounterWithDimGroup("net", "terminate_total", 1, metrics.Dimension{"reason": "timeout"})
//
// The group becomes the Prometheus subsystem under the "nodenet" namespace.
// Collectors are created and registered on first use; the label set of a
// metric is fixed by the dimensions of that first call.
package metrics

// Policy selects the collector kind behind a metric.
type Policy int

const (
	PolicyNone      Policy = iota
	PolicySet              // gauge, last value wins
	PolicySum              // counter
	PolicyStopwatch        // histogram of durations in seconds
)

func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "gauge"
	case PolicySum:
		return "counter"
	case PolicyStopwatch:
		return "histogram"
	default:
		return "none"
	}
}

// Value is a metric sample.
type Value float64

// Dimension holds the label values of a sample, such as the reason a node
// was terminated.
type Dimension map[string]string

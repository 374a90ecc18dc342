package metrics

// Policy describes how samples of one metric are folded together.
// Counters sum, gauges keep the last value and stopwatches feed a histogram.
type Policy int

const (
	PolicyNone      Policy = iota // No specific policy specified
	PolicySet                     // Instantaneous value - last value wins
	PolicySum                     // Sum of all values
	PolicyStopwatch               // Duration samples
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicySet:
		return "set"
	case PolicySum:
		return "sum"
	case PolicyStopwatch:
		return "stopwatch"
	default:
		return "none"
	}
}

// Value represents a metric value as a float64.
type Value float64

// Dimension represents metric dimensions as key-value pairs, exported as
// prometheus labels, e.g. {"reason": "queue_full"}.
type Dimension map[string]string

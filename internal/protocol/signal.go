package protocol

// SignalGrade is the four-level signal quality bucket stored on the device
// state record.
type SignalGrade string

const (
	SignalHigh SignalGrade = "high"
	SignalMid  SignalGrade = "mid"
	SignalLow  SignalGrade = "low"
	SignalNone SignalGrade = "no_signal"
)

// Bucket indices into the priority matrix.
const (
	levelHigh = iota
	levelMid
	levelLow
	levelNone
)

// SignalRange is an inclusive numeric range.
type SignalRange struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// SignalRanges buckets a raw reading into high/mid/low. Readings outside all
// three ranges classify as no-signal.
type SignalRanges struct {
	High SignalRange `mapstructure:"high"`
	Mid  SignalRange `mapstructure:"mid"`
	Low  SignalRange `mapstructure:"low"`
}

func (r SignalRanges) level(v int) int {
	switch {
	case v >= r.High.Min && v <= r.High.Max:
		return levelHigh
	case v >= r.Mid.Min && v <= r.Mid.Max:
		return levelMid
	case v >= r.Low.Min && v <= r.Low.Max:
		return levelLow
	default:
		return levelNone
	}
}

// SignalClassifier grades RSSI/SINR pairs. Classify is a pure function: the
// two bucket indices are combined through the priority matrix, indexed
// [sinr][rssi], in which the worse metric dominates.
type SignalClassifier struct {
	rssi   SignalRanges
	sinr   SignalRanges
	matrix [4][4]SignalGrade
}

// NewSignalClassifier builds a classifier from configured ranges.
func NewSignalClassifier(rssi, sinr SignalRanges) *SignalClassifier {
	return &SignalClassifier{
		rssi: rssi,
		sinr: sinr,
		matrix: [4][4]SignalGrade{
			{SignalHigh, SignalMid, SignalLow, SignalNone},
			{SignalMid, SignalMid, SignalLow, SignalNone},
			{SignalLow, SignalLow, SignalLow, SignalNone},
			{SignalNone, SignalNone, SignalNone, SignalNone},
		},
	}
}

// DefaultSignalClassifier uses thresholds tuned for LTE Cat.1 modules.
func DefaultSignalClassifier() *SignalClassifier {
	return NewSignalClassifier(
		SignalRanges{
			High: SignalRange{Min: -80, Max: 0},
			Mid:  SignalRange{Min: -95, Max: -81},
			Low:  SignalRange{Min: -120, Max: -96},
		},
		SignalRanges{
			High: SignalRange{Min: 13, Max: 50},
			Mid:  SignalRange{Min: 0, Max: 12},
			Low:  SignalRange{Min: -10, Max: -1},
		},
	)
}

// Classify maps an RSSI/SINR reading to a signal grade.
func (c *SignalClassifier) Classify(rssi, sinr int) SignalGrade {
	return c.matrix[c.sinr.level(sinr)][c.rssi.level(rssi)]
}

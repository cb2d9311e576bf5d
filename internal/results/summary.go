package results

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/fxnlabs/gpu-aligner/internal/driver"
)

// Summary describes the score distribution of a result set.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	// Zero counts alignments with score 0, i.e. no similarity found.
	Zero int
}

// Summarize computes score statistics. An empty set yields a zero Summary.
func Summarize(rs *driver.ResultSet) Summary {
	n := rs.Len()
	if n == 0 {
		return Summary{}
	}
	scores := make([]float64, n)
	s := Summary{Count: n}
	for i, v := range rs.Scores {
		scores[i] = float64(v)
		if v == 0 {
			s.Zero++
		}
	}
	s.Mean, s.StdDev = stat.MeanStdDev(scores, nil)
	if n == 1 {
		s.StdDev = 0
	}
	s.Min, s.Max = floats.Min(scores), floats.Max(scores)
	return s
}

// MarshalLogObject lets a Summary be logged with zap.Object.
func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt("count", s.Count)
	enc.AddFloat64("mean", s.Mean)
	enc.AddFloat64("stddev", s.StdDev)
	enc.AddFloat64("min", s.Min)
	enc.AddFloat64("max", s.Max)
	enc.AddInt("zero", s.Zero)
	return nil
}

// Field returns s as a zap field.
func (s Summary) Field() zap.Field { return zap.Object("scores", s) }

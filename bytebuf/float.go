package bytebuf

import "math"

func f64bits(v float64) uint64 { return math.Float64bits(v) }
func bits64f(v uint64) float64 { return math.Float64frombits(v) }

package aggregate

import "math"

// Stats accumulates count, mean, spread and range in one pass (Welford).
type Stats struct {
	N    int
	mean float64
	m2   float64
	min  float64
	max  float64
}

func (s *Stats) Add(v float64) {
	s.N++
	if s.N == 1 {
		s.min, s.max = v, v
	} else {
		s.min = math.Min(s.min, v)
		s.max = math.Max(s.max, v)
	}
	d := v - s.mean
	s.mean += d / float64(s.N)
	s.m2 += d * (v - s.mean)
}

func (s *Stats) Mean() float64 { return s.mean }

// StdDev is the sample standard deviation, 0 below two values.
func (s *Stats) StdDev() float64 {
	if s.N < 2 {
		return 0
	}
	return math.Sqrt(s.m2 / float64(s.N-1))
}

func (s *Stats) Min() float64 { return s.min }

func (s *Stats) Max() float64 { return s.max }

// pearson returns the correlation of xs and ys, NaN when either is constant.
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return math.NaN()
	}
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= float64(n)
	my /= float64(n)
	var sxy, sxx, syy float64
	for i := range xs {
		dx, dy := xs[i]-mx, ys[i]-my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return math.NaN()
	}
	return sxy / math.Sqrt(sxx*syy)
}

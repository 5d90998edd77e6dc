// Package kmetrics provides low-overhead runtime statistics for the kernel
// core: streaming latency quantiles (page-fault service time, cache-fetch
// latency) and simple atomic counters (fault count, eviction count, cache
// hit rate).
//
// The quantile estimator is the teacher's P-Square implementation
// (psquare.go), carried over unchanged in algorithm — it is a numerical
// method (Jain & Chlamtac, 1985), not domain logic, so there is nothing
// kernel-specific to adapt. What changes is what feeds it: page-fault
// service time and buffer-cache fetch latency instead of event-loop task
// latency.
package kmetrics

import "math"

// Quantile implements the P-Square algorithm for streaming quantile
// estimation: O(1) per-observation updates and O(1) quantile retrieval.
//
// Reference: Jain, R. and Chlamtac, I. (1985). "The P^2 Algorithm for
// Dynamic Calculation of Quantiles and Histograms Without Storing
// Observations". Communications of the ACM, 28(10), pp. 1076-1085.
//
// Thread Safety: NOT thread-safe. Callers needing concurrent access should
// embed Quantile behind their own mutex (see LatencyMetrics).
type Quantile struct {
	p           float64
	q           [5]float64
	n           [5]int
	np          [5]float64
	dn          [5]float64
	initialized bool
	count       int
	initBuffer  [5]float64
}

// NewQuantile creates an estimator for the given target percentile p, which
// is clamped to [0, 1].
func NewQuantile(p float64) *Quantile {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return &Quantile{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

// Update adds a new observation. O(1).
func (q *Quantile) Update(x float64) {
	q.count++

	if q.count <= 5 {
		q.initBuffer[q.count-1] = x
		if q.count == 5 {
			q.initialize()
		}
		return
	}

	var k int
	if x < q.q[0] {
		q.q[0] = x
		k = 0
	} else if x >= q.q[4] {
		q.q[4] = x
		k = 3
	} else {
		for k = 0; k < 4; k++ {
			if q.q[k] <= x && x < q.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		q.n[i]++
	}
	for i := 0; i < 5; i++ {
		q.np[i] += q.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := q.np[i] - float64(q.n[i])
		if (d >= 1 && q.n[i+1]-q.n[i] > 1) || (d <= -1 && q.n[i-1]-q.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			qPrime := q.parabolic(i, sign)
			if q.q[i-1] < qPrime && qPrime < q.q[i+1] {
				q.q[i] = qPrime
			} else {
				q.q[i] = q.linear(i, sign)
			}
			q.n[i] += sign
		}
	}
}

func (q *Quantile) initialize() {
	for i := 1; i < 5; i++ {
		key := q.initBuffer[i]
		j := i - 1
		for j >= 0 && q.initBuffer[j] > key {
			q.initBuffer[j+1] = q.initBuffer[j]
			j--
		}
		q.initBuffer[j+1] = key
	}
	for i := 0; i < 5; i++ {
		q.q[i] = q.initBuffer[i]
		q.n[i] = i
	}
	q.np = [5]float64{0, 2 * q.p, 4 * q.p, 2 + 2*q.p, 4}
	q.initialized = true
}

func (q *Quantile) parabolic(i, d int) float64 {
	df := float64(d)
	ni := float64(q.n[i])
	niPrev := float64(q.n[i-1])
	niNext := float64(q.n[i+1])

	term1 := df / (niNext - niPrev)
	term2 := (ni - niPrev + df) * (q.q[i+1] - q.q[i]) / (niNext - ni)
	term3 := (niNext - ni - df) * (q.q[i] - q.q[i-1]) / (ni - niPrev)

	return q.q[i] + term1*(term2+term3)
}

func (q *Quantile) linear(i, d int) float64 {
	if d == 1 {
		return q.q[i] + (q.q[i+1]-q.q[i])/float64(q.n[i+1]-q.n[i])
	}
	return q.q[i] - (q.q[i]-q.q[i-1])/float64(q.n[i]-q.n[i-1])
}

// Value returns the current estimated quantile value. O(1).
func (q *Quantile) Value() float64 {
	if q.count == 0 {
		return 0
	}
	if q.count < 5 {
		sorted := make([]float64, q.count)
		copy(sorted, q.initBuffer[:q.count])
		for i := 1; i < q.count; i++ {
			key := sorted[i]
			j := i - 1
			for j >= 0 && sorted[j] > key {
				sorted[j+1] = sorted[j]
				j--
			}
			sorted[j+1] = key
		}
		index := int(float64(q.count-1) * q.p)
		if index >= q.count {
			index = q.count - 1
		}
		return sorted[index]
	}
	return q.q[2]
}

// Count returns the number of observations received.
func (q *Quantile) Count() int { return q.count }

// Max returns the maximum observed value.
func (q *Quantile) Max() float64 {
	if q.count == 0 {
		return 0
	}
	if q.count < 5 {
		max := q.initBuffer[0]
		for i := 1; i < q.count; i++ {
			if q.initBuffer[i] > max {
				max = q.initBuffer[i]
			}
		}
		return max
	}
	return q.q[4]
}

// MultiQuantile tracks several target percentiles over the same stream of
// observations, plus sum/mean/max.
type MultiQuantile struct {
	estimators []*Quantile
	sum        float64
	count      int
	max        float64
}

// NewMultiQuantile creates a multi-quantile estimator for the given target
// percentiles, each in [0, 1].
func NewMultiQuantile(percentiles ...float64) *MultiQuantile {
	m := &MultiQuantile{
		estimators: make([]*Quantile, len(percentiles)),
		max:        -math.MaxFloat64,
	}
	for i, p := range percentiles {
		m.estimators[i] = NewQuantile(p)
	}
	return m
}

// Update adds a new observation to every tracked percentile. O(k).
func (m *MultiQuantile) Update(x float64) {
	m.count++
	m.sum += x
	if x > m.max {
		m.max = x
	}
	for _, est := range m.estimators {
		est.Update(x)
	}
}

// Quantile returns the estimate for the i-th configured percentile.
func (m *MultiQuantile) Quantile(i int) float64 {
	if i < 0 || i >= len(m.estimators) {
		return 0
	}
	return m.estimators[i].Value()
}

// Count returns the total number of observations.
func (m *MultiQuantile) Count() int { return m.count }

// Sum returns the sum of all observations.
func (m *MultiQuantile) Sum() float64 { return m.sum }

// Max returns the maximum observed value.
func (m *MultiQuantile) Max() float64 {
	if m.count == 0 {
		return 0
	}
	return m.max
}

// Mean returns the arithmetic mean of all observations.
func (m *MultiQuantile) Mean() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

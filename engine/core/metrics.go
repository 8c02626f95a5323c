package core

import (
	"sync"
	"time"
)

const AVG_COUNT uint8 = 30

// Metrics keeps a rolling average of how long a recurring operation takes, the
// same way frame times are averaged.
type Metrics struct {
	mutex sync.Mutex

	avgCounter uint8
	msTimes    [AVG_COUNT]float64
	msAvg      float64
	samples    uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Update(elapsed time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	ms := float64(elapsed) / float64(time.Millisecond)
	m.msTimes[m.avgCounter] = ms
	m.samples++

	// Average over what has been recorded so far until the window is full.
	n := uint8(AVG_COUNT)
	if m.samples < uint64(AVG_COUNT) {
		n = uint8(m.samples)
	}
	total := 0.0
	for i := uint8(0); i < n; i++ {
		total += m.msTimes[i]
	}
	m.msAvg = total / float64(n)

	m.avgCounter++
	m.avgCounter %= AVG_COUNT
}

// AverageMS returns the rolling average in milliseconds.
func (m *Metrics) AverageMS() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.msAvg
}

func (m *Metrics) Samples() uint64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.samples
}
